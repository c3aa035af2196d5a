package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiehust/owork/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWebSocket mirrors the event bus to a WebSocket client. The
// subject query parameter selects what to watch; it defaults to every
// session stream. Permission requests are always included.
func (s *Server) handleWebSocket(c *gin.Context) {
	subject := c.Query("subject")
	if subject == "" {
		subject = bus.SubjectSessionEvents
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	outbound := make(chan *bus.Event, 64)
	forward := func(_ context.Context, event *bus.Event) error {
		select {
		case outbound <- event:
		default:
			s.logger.Warn("WebSocket client too slow, dropping event",
				zap.String("client_id", clientID))
		}
		return nil
	}

	sub, err := s.bus.Subscribe(subject, forward)
	if err != nil {
		s.logger.Error("Failed to subscribe", zap.Error(err))
		_ = conn.Close()
		return
	}

	var permSub bus.Subscription
	if subject != bus.SubjectPermissionRequested {
		permSub, err = s.bus.Subscribe(bus.SubjectPermissionRequested, forward)
		if err != nil {
			s.logger.Warn("Failed to subscribe to permission events", zap.Error(err))
		}
	}

	s.logger.Info("WebSocket client connected",
		zap.String("client_id", clientID),
		zap.String("subject", subject))

	done := make(chan struct{})

	// Read pump: the client sends nothing we act on, but reading detects
	// disconnects and answers pings.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			_ = sub.Unsubscribe()
			if permSub != nil {
				_ = permSub.Unsubscribe()
			}
			_ = conn.Close()
			s.logger.Info("WebSocket client disconnected",
				zap.String("client_id", clientID))
		}()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case event := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
