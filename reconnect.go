package graphsync

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// reconnector computes backoff delays: min(base * 2^attempts, max). There is
// no jitter so the sequence is exactly reproducible.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

// delay returns the wait before the given zero-based attempt.
func (r *reconnector) delay(attempt int) time.Duration {
	return time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(attempt)),
		float64(r.maxDelay),
	))
}

// next returns the delay for the upcoming attempt and counts it.
func (r *reconnector) next() (time.Duration, bool) {
	if !r.shouldReconnect() {
		return 0, false
	}
	d := r.delay(r.attempt)
	r.attempt++
	return d, true
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Loop-side reconnection control
// ============================================================================

// scheduleReconnect arms the next attempt after a failure, or gives up with
// StateError once the ceiling is reached. Callers set the failure state first.
func (c *Client) scheduleReconnect(cause error) {
	stopTimer(c.reconTimer)
	c.reconTimer = nil

	if c.cfg.DisableReconnect {
		return
	}

	delay, ok := c.recon.next()
	if !ok {
		err := fmt.Errorf("%w (%d attempts): %v", ErrMaxReconnectAttempts, c.recon.attempt, cause)
		c.log.Warn("giving up reconnection",
			zap.Int("attempts", c.recon.attempt), zap.Error(cause))
		c.setState(StateError, err)
		return
	}

	c.reconnectPending = true
	c.status.ReconnectAttempts = c.recon.attempt
	c.setState(StateReconnecting, cause)

	c.log.Info("scheduling reconnect",
		zap.Int("attempt", c.recon.attempt), zap.Duration("delay", delay))

	c.reconGen++
	gen := c.reconGen
	c.reconTimer = c.afterFunc(delay, func() {
		if gen != c.reconGen || c.closing {
			return
		}
		c.reconTimer = nil
		c.startConnect(nil)
	})
}

func (c *Client) cancelReconnect() {
	stopTimer(c.reconTimer)
	c.reconTimer = nil
	c.reconGen++
}
