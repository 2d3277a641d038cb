package graphsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

const (
	closeNormal = int(websocket.StatusNormalClosure)

	defaultReadLimit = 1 << 20
)

// Transport opens streaming connections to the graph server.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one bidirectional stream of named frames. ReadFrame is only called
// from a single goroutine; WriteFrame may be called concurrently with it.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	// Close ends the stream. A non-empty reason is sent to the peer.
	Close(reason string) error
}

// ============================================================================
// WebSocket
// ============================================================================

// WebSocketTransport dials the server's /ws endpoint.
type WebSocketTransport struct {
	BaseURL    string
	Token      string
	Codec      Codec
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial connects and returns the raw stream. The caller is responsible for
// waiting on the server's acknowledgment frame.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	target, err := t.endpoint()
	if err != nil {
		return nil, err
	}

	codec := t.Codec
	if codec == nil {
		codec = JSONCodec()
	}

	opts := &websocket.DialOptions{HTTPClient: t.HTTPClient}
	if t.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.Token}}
	}

	ws, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)

	return &wsConn{ws: ws, codec: codec}, nil
}

func (t *WebSocketTransport) endpoint() (string, error) {
	if t.BaseURL == "" {
		return "", errors.New("websocket transport: empty base URL")
	}
	raw := strings.TrimRight(t.BaseURL, "/")
	raw = strings.Replace(raw, "https://", "wss://", 1)
	raw = strings.Replace(raw, "http://", "ws://", 1)

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("websocket transport: parse url: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path += "/ws"
	}
	if t.Codec != nil && t.Codec.Name() != "json" {
		q := u.Query()
		q.Set("codec", t.Codec.Name())
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type wsConn struct {
	ws    *websocket.Conn
	codec Codec
}

func (c *wsConn) ReadFrame(ctx context.Context) (Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			closed := &TransportClosedError{Code: int(status)}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				closed.Reason = ce.Reason
			}
			return Frame{}, closed
		}
		return Frame{}, err
	}
	return c.codec.DecodeFrame(data)
}

func (c *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	data, err := c.codec.EncodeFrame(f)
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if c.codec.Binary() {
		typ = websocket.MessageBinary
	}
	return c.ws.Write(ctx, typ, data)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
