package services

import (
	"sync"
	"time"

	"gasless-backend/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketPushService pushes operation status updates to connected
// clients. Each connection is bound to one user at registration; the
// receipt watcher fans updates out to every connection of that user.
type WebSocketPushService struct {
	log *logrus.Entry

	mtx   sync.Mutex
	conns map[*websocket.Conn]string // conn -> user id
}

// NewWebSocketPushService creates the push hub.
func NewWebSocketPushService() *WebSocketPushService {
	return &WebSocketPushService{
		log:   logrus.WithField("component", "ws_push"),
		conns: make(map[*websocket.Conn]string),
	}
}

// Register binds an upgraded connection to a user.
func (s *WebSocketPushService) Register(conn *websocket.Conn, userID string) {
	s.mtx.Lock()
	s.conns[conn] = userID
	count := len(s.conns)
	s.mtx.Unlock()

	metrics.WebSocketClients.Set(float64(count))
	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"clients": count,
	}).Debug("WebSocket client registered")
}

// Unregister drops a connection. The caller owns closing it.
func (s *WebSocketPushService) Unregister(conn *websocket.Conn) {
	s.mtx.Lock()
	delete(s.conns, conn)
	count := len(s.conns)
	s.mtx.Unlock()

	metrics.WebSocketClients.Set(float64(count))
}

// PushToUser sends a JSON payload to every connection of one user. Dead
// connections are dropped on write failure.
func (s *WebSocketPushService) PushToUser(userID string, payload interface{}) {
	s.mtx.Lock()
	targets := make([]*websocket.Conn, 0, 2)
	for conn, uid := range s.conns {
		if uid == userID {
			targets = append(targets, conn)
		}
	}
	s.mtx.Unlock()

	for _, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(payload); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Debug("WebSocket write failed, dropping client")
			s.Unregister(conn)
			conn.Close()
		}
	}
}

// ClientCount reports the number of connected clients.
func (s *WebSocketPushService) ClientCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.conns)
}
