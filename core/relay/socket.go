package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// broadcastSocket is one session-scoped join of the backend broadcast
// channel. It only reads; outbound transcripts go through RelayFinal.
type broadcastSocket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// InitializeSocket joins the session's broadcast channel and delivers every
// inbound transcript entry to onBroadcast. No-op when the relay is disabled
// or no socket endpoint is configured. A previous socket for another
// session is replaced.
func (c *Client) InitializeSocket(ctx context.Context, sessionID string, onBroadcast func(Entry)) error {
	if !c.Enabled() || c.options.SocketURL == "" {
		return nil
	}
	if sessionID == "" {
		return ErrNoActiveSession
	}

	endpoint, err := url.Parse(c.options.SocketURL)
	if err != nil {
		return fmt.Errorf("invalid broadcast socket endpoint: %w", err)
	}
	query := endpoint.Query()
	query.Set("sessionId", sessionID)
	endpoint.RawQuery = query.Encode()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to join broadcast channel: %w", err)
	}

	socket := &broadcastSocket{conn: conn}

	c.mu.Lock()
	previous := c.socket
	c.socket = socket
	c.sessionID = sessionID
	c.mu.Unlock()

	if previous != nil {
		previous.close()
	}

	go socket.readLoop(onBroadcast)

	return nil
}

func (s *broadcastSocket) readLoop(onBroadcast func(Entry)) {
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("broadcast socket read failed", "error", err)
			}
			s.close()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(msg, &entry); err != nil {
			logger.Warn("dropping malformed broadcast entry", "error", err)
			continue
		}
		if onBroadcast != nil {
			onBroadcast(entry)
		}
	}
}

func (s *broadcastSocket) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}
