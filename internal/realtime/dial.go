package realtime

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketDialer returns a DialFunc that opens url with coder/websocket.
// A non-empty token is sent as a bearer Authorization header.
func WebSocketDialer(url, token string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}

		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
			HTTPHeader: header,
		})
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}

		conn.SetReadLimit(readLimit)

		return conn, nil
	}
}
