package messaging

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/transport"
)

// Presence is the set of online users, written only by presence channel events.
type Presence struct {
	logger *zap.Logger

	mu     sync.RWMutex
	online map[string]models.PresencePayload
}

func NewPresence(logger *zap.Logger) *Presence {
	return &Presence{logger: logger.Named("presence"), online: make(map[string]models.PresencePayload)}
}

func (p *Presence) Apply(ev transport.PresenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case transport.PresenceSync:
		p.online = make(map[string]models.PresencePayload, len(ev.Keys))
		for _, key := range ev.Keys {
			p.online[key] = p.payload(key, ev)
		}
	case transport.PresenceJoin:
		for _, key := range ev.Keys {
			p.online[key] = p.payload(key, ev)
		}
	case transport.PresenceLeave:
		for _, key := range ev.Keys {
			delete(p.online, key)
		}
	default:
		p.logger.Debug("ignoring presence event", zap.String("kind", string(ev.Kind)))
	}
}

// payload falls back to the bare key when the tracked payload is absent or malformed.
func (p *Presence) payload(key string, ev transport.PresenceEvent) models.PresencePayload {
	raw, ok := ev.Payloads[key]
	if !ok {
		return models.PresencePayload{UserID: key}
	}
	parsed, err := models.ParsePresencePayload(raw)
	if err != nil {
		p.logger.Debug("malformed presence payload", zap.String("key", key), zap.Error(err))
		return models.PresencePayload{UserID: key}
	}
	return parsed
}

func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// OnlineUsers returns the sorted ids of online users.
func (p *Presence) OnlineUsers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Presence) Reset() {
	p.mu.Lock()
	p.online = make(map[string]models.PresencePayload)
	p.mu.Unlock()
}
