package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// statusUnauthorized is the application close code servers use for bad tokens.
const statusUnauthorized websocket.StatusCode = 4001

// WebSocketOpener dials the event endpoint over a websocket; every text
// message is one frame.
type WebSocketOpener struct {
	HTTPClient *http.Client
}

// Open dials target, rewriting http(s) schemes to ws(s).
func (o *WebSocketOpener) Open(ctx context.Context, target string) (Stream, error) {
	wsURL := strings.Replace(target, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: o.HTTPClient})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &HTTPStatusError{Code: resp.StatusCode, Body: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(ctx)
	return &wsStream{ctx: ctx, cancel: cancel, conn: conn}, nil
}

type wsStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
}

func (s *wsStream) Next() (Frame, error) {
	_, data, err := s.conn.Read(s.ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case statusUnauthorized, websocket.StatusPolicyViolation:
			return Frame{}, fmt.Errorf("unauthorized: %w", err)
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return Frame{}, fmt.Errorf("stream ended: %w", err)
		}
		if errors.Is(err, context.Canceled) {
			return Frame{}, fmt.Errorf("stream closed: %w", err)
		}
		return Frame{}, fmt.Errorf("read websocket: %w", err)
	}
	return Frame{Data: string(data)}, nil
}

func (s *wsStream) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
