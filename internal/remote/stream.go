package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
)

// WSDialer implements StreamDialer over WebSocket. Each dial opens one
// connection to {streamURL}/stream?table={table}&filter={filter} and
// the server pushes change events as JSON text messages.
type WSDialer struct {
	streamURL   string
	credentials CredentialFunc
}

// NewWSDialer creates a change-stream dialer. streamURL uses the ws://
// or wss:// scheme.
func NewWSDialer(streamURL string, credentials CredentialFunc) *WSDialer {
	return &WSDialer{
		streamURL:   streamURL,
		credentials: credentials,
	}
}

// DialStream implements StreamDialer.DialStream.
func (d *WSDialer) DialStream(ctx context.Context, table, filter string) (EventStream, error) {
	q := url.Values{}
	q.Set("table", table)
	if filter != "" {
		q.Set("filter", filter)
	}
	endpoint := fmt.Sprintf("%s/stream?%s", d.streamURL, q.Encode())

	opts := &websocket.DialOptions{}
	if d.credentials != nil {
		token, err := d.credentials(ctx)
		if err != nil {
			return nil, &Error{Kind: KindTransient, Message: "failed to get credentials", cause: err}
		}
		if token != "" {
			opts.HTTPHeader = map[string][]string{
				"Authorization": {"Bearer " + token},
			}
		}
	}

	conn, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: "stream dial failed", cause: err}
	}

	// Change events are small; the default 32KB read limit is enough
	// for every payload except bulk chat imports.
	conn.SetReadLimit(1 << 20)

	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

// Recv implements EventStream.Recv.
func (s *wsStream) Recv(ctx context.Context) (*Event, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, &Error{Kind: KindTransient, Message: "stream read failed", cause: err}
		}
		if typ != websocket.MessageText {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// A malformed frame poisons only itself, not the stream.
			continue
		}

		switch ev.Action {
		case ActionInsert, ActionUpdate, ActionDelete:
			return &ev, nil
		default:
			// Server-side keepalives and unknown event types are
			// skipped.
			continue
		}
	}
}

// Close implements EventStream.Close.
func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
