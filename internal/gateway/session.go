package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/umar/bonded-messaging/internal/auth"
	"github.com/umar/bonded-messaging/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 16 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Session is one authenticated websocket connection.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	id       string
	UserID   string
	Username string
	send     chan []byte
	limiter  *rate.Limiter

	mu   sync.Mutex
	subs map[string]*subscription
}

// subscription is a joined topic, named by the ref of the join that created it.
type subscription struct {
	id      string
	topic   string
	kind    string
	session *Session

	tracked        bool
	trackedPayload []byte
}

func (sub *subscription) origin() string {
	return sub.session.hub.nodeID + "/" + sub.session.id + "/" + sub.id
}

// ServeWS upgrades an authenticated request. The token travels in the query string
// because browsers cannot set headers on websocket requests.
func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(token, hub.secret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		s := &Session{
			hub:      hub,
			conn:     conn,
			id:       uuid.NewString(),
			UserID:   claims.UserID,
			Username: claims.Username,
			send:     make(chan []byte, sendBuffer),
			limiter:  rate.NewLimiter(hub.limit, hub.burst),
			subs:     make(map[string]*subscription),
		}

		hub.register <- s
		go s.writePump()
		go s.readPump()
	}
}

func (s *Session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env realtime.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("ws read error", zap.Error(err), zap.String("user_id", s.UserID))
			}
			return
		}
		// Any frame counts as liveness, not only control pongs.
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(env)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// queue never blocks. A client that cannot keep up is disconnected.
func (s *Session) queue(frame []byte) {
	select {
	case s.send <- frame:
	default:
		s.hub.logger.Warn("send buffer full, closing connection", zap.String("user_id", s.UserID))
		s.conn.Close()
	}
}

func (s *Session) reply(e realtime.Envelope, payload interface{}) {
	frame, err := realtime.NewEnvelope(e, payload)
	if err != nil {
		s.hub.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	s.queue(frame)
}

func (s *Session) addSub(sub *subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.id]; exists {
		return false
	}
	s.subs[sub.id] = sub
	return true
}

func (s *Session) sub(id string) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id]
}

func (s *Session) removeSub(id string) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[id]
	delete(s.subs, id)
	return sub
}

func (s *Session) drain() []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	s.subs = make(map[string]*subscription)
	return out
}
