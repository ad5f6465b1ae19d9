package handlers

import (
	"net/http"
	"strings"
	"time"

	"gasless-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsReadLimit     = 4096
	wsPongWait      = 60 * time.Second
	wsPingPeriod    = 45 * time.Second
	wsWriteDeadline = 10 * time.Second
)

// WebSocketHandler upgrades authenticated clients onto the push hub.
type WebSocketHandler struct {
	log      *logrus.Entry
	push     *services.WebSocketPushService
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the handler.
func NewWebSocketHandler(push *services.WebSocketPushService) *WebSocketHandler {
	return &WebSocketHandler{
		log:  logrus.WithField("component", "ws_handler"),
		push: push,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by the CORS layer in front; token auth
			// gates the upgrade itself.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle authenticates the request, upgrades it, and keeps the connection
// registered until the client goes away. The token comes from the
// Authorization header or, for browser clients, the token query parameter.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	tokenString := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if tokenString == "" {
		tokenString = c.Query("token")
	}
	claims, err := ValidateJWTToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "Invalid or expired token",
			"code":    "INVALID_TOKEN",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	h.push.Register(conn, claims.UserID)
	defer func() {
		h.push.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Clients do not send application messages; the read loop only
		// services pongs and detects disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
