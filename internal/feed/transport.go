package feed

import (
	"context"

	"github.com/coder/websocket"
)

const readLimitBytes = 2 * 1024 * 1024

// Transport is one live feed connection. Implementations hand back raw frame
// bytes; text and binary frames are not distinguished because the codec
// consumes bytes either way.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Close(reason string) error
}

// DialFunc establishes a Transport to the given endpoint. The context carries
// the connect deadline.
type DialFunc func(ctx context.Context, endpoint string) (Transport, error)

// CloseEvent describes how a session ended.
type CloseEvent struct {
	Code      int    `json:"code"`
	WasClean  bool   `json:"was_clean"`
	HadData   bool   `json:"had_data"`
	SessionID string `json:"session_id"`
}

// abnormalClosure mirrors the close code reported when a connection drops
// without a close handshake.
const abnormalClosure = 1006

// classifyClose maps a transport read error to close semantics. A missing
// close frame reads as an abnormal, unclean 1006.
func classifyClose(err error) (code int, wasClean bool) {
	if status := websocket.CloseStatus(err); status != -1 {
		return int(status), true
	}
	return abnormalClosure, false
}

type wsTransport struct {
	conn *websocket.Conn
}

// Dial opens a WebSocket transport to the endpoint.
func Dial(ctx context.Context, endpoint string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimitBytes)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
