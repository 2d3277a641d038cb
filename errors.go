package graphsync

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionTimeout is returned when the server does not acknowledge
	// the connection within Config.ConnectTimeout.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrConnectionRefused is returned when dialing or the handshake fails.
	ErrConnectionRefused = errors.New("connection refused")
	ErrNotConnected      = errors.New("not connected")
	// ErrMaxReconnectAttempts is surfaced once automatic reconnection gives up.
	ErrMaxReconnectAttempts = errors.New("max reconnection attempts reached")
	ErrHeartbeatTimeout     = errors.New("heartbeat timeout")
	// ErrMalformedFrame marks an undecodable frame. The stream stays open.
	ErrMalformedFrame = errors.New("malformed frame")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidSubscription  = errors.New("invalid subscription")

	ErrUpdateNotFound   = errors.New("optimistic update not found")
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrManualDataRequired is returned when a manual resolution has no data.
	ErrManualDataRequired = errors.New("manual resolution requires data")
	ErrUnknownStrategy    = errors.New("unknown resolution strategy")

	ErrSyncInProgress = errors.New("already syncing")
	ErrSyncFailed     = errors.New("sync failed")
	ErrRollbackFailed = errors.New("rollback failed")

	ErrClientClosed = errors.New("client closed")
)

// TransportClosedError reports that the stream was closed by the peer.
type TransportClosedError struct {
	Code   int
	Reason string
}

func (e *TransportClosedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport closed (code %d)", e.Code)
	}
	return fmt.Sprintf("transport closed (code %d): %s", e.Code, e.Reason)
}

// ServerRequested reports whether the server closed the stream on purpose.
// Such closes are not followed by automatic reconnection.
func (e *TransportClosedError) ServerRequested() bool {
	return e.Code == closeNormal
}

// SyncFailedError wraps the cause of a failed synchronization.
type SyncFailedError struct {
	Cause error
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("sync failed: %v", e.Cause)
}

func (e *SyncFailedError) Unwrap() []error { return []error{ErrSyncFailed, e.Cause} }

// RollbackFailedError wraps an error raised by an Undoer.
type RollbackFailedError struct {
	Update OptimisticUpdate
	Cause  error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback of %s %s %s failed: %v",
		e.Update.Kind, e.Update.Operation, e.Update.EntityID, e.Cause)
}

func (e *RollbackFailedError) Unwrap() []error { return []error{ErrRollbackFailed, e.Cause} }
