package messaging

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/transport"
)

const profileLookupTimeout = 5 * time.Second

// profileCache remembers sender profiles. Failed lookups are not cached.
type profileCache struct {
	store  transport.Store
	logger *zap.Logger

	mu       sync.RWMutex
	profiles map[string]models.Profile
}

func newProfileCache(store transport.Store, logger *zap.Logger) *profileCache {
	return &profileCache{store: store, logger: logger, profiles: make(map[string]models.Profile)}
}

// Get returns nil when the profile cannot be loaded.
func (c *profileCache) Get(ctx context.Context, userID string) *models.Profile {
	c.mu.RLock()
	p, ok := c.profiles[userID]
	c.mu.RUnlock()
	if ok {
		return &p
	}

	ctx, cancel := context.WithTimeout(ctx, profileLookupTimeout)
	defer cancel()
	fetched, err := c.store.GetProfile(ctx, userID)
	if err != nil {
		c.logger.Debug("sender profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	c.Put(*fetched)
	return fetched
}

func (c *profileCache) Put(p models.Profile) {
	c.mu.Lock()
	c.profiles[p.ID] = p
	c.mu.Unlock()
}
