// Package ws streams session events to browsers over WebSocket. Each
// connection follows one session stream: stored events from the requested
// offset are replayed first, then live events as they are published.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/streams"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames; anything larger is a protocol error
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway mounts the session-stream WebSocket endpoint.
type Gateway struct {
	streams *streams.Service
	logger  *logger.Logger
}

// NewGateway creates a gateway over the given stream service.
func NewGateway(streamSvc *streams.Service, log *logger.Logger) *Gateway {
	return &Gateway{
		streams: streamSvc,
		logger:  log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// Mount registers GET /ws/sessions/:id on the router.
func (g *Gateway) Mount(engine *gin.Engine) {
	engine.GET("/ws/sessions/:id", g.handleSession)
}

// handleSession subscribes to the session's stream and relays every event
// as a JSON text frame. The subscription is taken before the upgrade so a
// missing session still gets a regular HTTP error.
func (g *Gateway) handleSession(c *gin.Context) {
	sessionID := c.Param("id")

	fromOffset := int64(0)
	if raw := c.Query("fromOffset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			appErr := apperrors.ValidationError("fromOffset", "must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		fromOffset = parsed
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := g.streams.Subscribe(ctx, sessionID, streams.SubscribeOptions{FromOffset: fromOffset})
	if err != nil {
		appErr := apperrors.Wrap(err, "subscribing to session stream")
		c.JSON(apperrors.GetHTTPStatus(appErr), appErr)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()

	g.logger.Debug("websocket session attached",
		zap.String("session_id", sessionID),
		zap.Int64("from_offset", fromOffset),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go g.readPump(conn, cancel)
	g.writePump(conn, sub, sessionID)
}

// readPump drains the connection so close frames and pongs are processed.
// Any read error means the peer is gone and the subscription should end.
func (g *Gateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump relays subscription events until the stream ends, sending
// pings on a ticker to keep the connection alive.
func (g *Gateway) writePump(conn *websocket.Conn, sub *streams.Subscription, sessionID string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				g.sendClose(conn, sub.Err(), sessionID)
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				g.logger.Error("failed to encode stream event",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendClose tells the peer why delivery ended: a normal close when the
// stream completed, a policy-violation close when the subscriber overran
// its buffer and was dropped.
func (g *Gateway) sendClose(conn *websocket.Conn, cause error, sessionID string) {
	code := websocket.CloseNormalClosure
	reason := "stream closed"
	if cause != nil {
		code = websocket.ClosePolicyViolation
		reason = apperrors.GetCode(cause)
		g.logger.Warn("websocket subscription terminated",
			zap.String("session_id", sessionID), zap.Error(cause))
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
