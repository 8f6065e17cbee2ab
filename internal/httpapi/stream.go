package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleStream upgrades to a websocket and forwards engine notifications until the client
// goes away. ?instanceId= and ?type= narrow the feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.StreamOrigins,
	})
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	instanceFilter := strings.TrimSpace(r.URL.Query().Get("instanceId"))
	typeFilter := strings.TrimSpace(r.URL.Query().Get("type"))

	updates, cancel := s.engine.Notifier().Subscribe(s.cfg.StreamBuffer)
	defer cancel()
	subscribers := s.engine.Notifier().Subscribers()
	s.log.WithField("subscribers", subscribers).Debug("stream client connected")

	// The feed is one-way; CloseRead handles control frames and cancels ctx on disconnect.
	ctx := conn.CloseRead(r.Context())
	hello := relaysync.Notification{Type: "stream.ready", Message: "subscribed", At: time.Now().UTC()}
	if err := writeNotification(ctx, conn, hello); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case n, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if instanceFilter != "" && n.InstanceID != instanceFilter {
				continue
			}
			if typeFilter != "" && string(n.Type) != typeFilter {
				continue
			}
			if err := writeNotification(ctx, conn, n); err != nil {
				s.log.Debugf("stream write failed: %v", err)
				return
			}
		}
	}
}

func writeNotification(ctx context.Context, conn *websocket.Conn, n relaysync.Notification) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, n)
}
