package client

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// ProgressStream is a live subscription to a session's setup events and
// countdown ticks.
type ProgressStream struct {
	conn *websocket.Conn
}

// StreamProgress opens the session's websocket progress channel.
func (c *Client) StreamProgress(ctx context.Context, sessionID string) (*ProgressStream, error) {
	dialer := websocket.Dialer{}
	wsURL := c.progressURL(sessionID)
	if c.ep.Scheme == "unix" {
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := &net.Dialer{}
			return d.DialContext(ctx, "unix", c.ep.Address)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			var apiErr struct {
				Error string `json:"error"`
			}
			if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
				resp.Body.Close()
				return nil, &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
			}
			resp.Body.Close()
		}
		return nil, err
	}
	return &ProgressStream{conn: conn}, nil
}

func (c *Client) progressURL(sessionID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/sessions/" + url.PathEscape(sessionID) + "/progress"
}

// Next blocks for the next message. Countdown ticks arrive as Text;
// structured events arrive as Frame.
func (s *ProgressStream) Next() (ProgressMessage, error) {
	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		return ProgressMessage{}, err
	}

	var frame Frame
	if err := json.Unmarshal(payload, &frame); err == nil && frame.Type != "" {
		return ProgressMessage{Frame: &frame}, nil
	}
	return ProgressMessage{Text: string(payload)}, nil
}

func (s *ProgressStream) Close() error {
	return s.conn.Close()
}
