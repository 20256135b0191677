package redisc

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceTTL is how long a tracked entry survives without a refresh.
const PresenceTTL = 120 * time.Second

// Presence keeps tracked payloads in a hash per topic with one field per key and
// tracking reference, so a user with two connections stays present until both leave.
// Each field also owns a liveness key with a TTL, so entries of a crashed node age out.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = PresenceTTL
	}
	return &Presence{client: client, ttl: ttl}
}

func hashKey(topic string) string { return "bonded:presence:" + topic }
func liveKey(topic, field string) string { return "bonded:presence:" + topic + ":" + field }

// field names one tracking reference of key. Keys are user ids and never contain '#'.
func field(key, ref string) string { return key + "#" + ref }

func splitField(f string) string {
	if i := strings.IndexByte(f, '#'); i >= 0 {
		return f[:i]
	}
	return f
}

func (p *Presence) Set(ctx context.Context, topic, key, ref string, payload []byte) error {
	f := field(key, ref)
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, hashKey(topic), f, payload)
	pipe.Set(ctx, liveKey(topic, f), 1, p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Remove drops one reference and reports whether key is still tracked through another.
func (p *Presence) Remove(ctx context.Context, topic, key, ref string) (bool, error) {
	f := field(key, ref)
	pipe := p.client.TxPipeline()
	pipe.HDel(ctx, hashKey(topic), f)
	pipe.Del(ctx, liveKey(topic, f))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	left, err := p.List(ctx, topic)
	if err != nil {
		return false, err
	}
	_, ok := left[key]
	return ok, nil
}

func (p *Presence) Refresh(ctx context.Context, topic, key, ref string) error {
	return p.client.Expire(ctx, liveKey(topic, field(key, ref)), p.ttl).Err()
}

// List returns the live entries of topic, one per key, and prunes the expired ones.
func (p *Presence) List(ctx context.Context, topic string) (map[string][]byte, error) {
	entries, err := p.client.HGetAll(ctx, hashKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return map[string][]byte{}, nil
	}

	fields := make([]string, 0, len(entries))
	for f := range entries {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	checks := make([]*redis.IntCmd, len(fields))
	pipe := p.client.Pipeline()
	for i, f := range fields {
		checks[i] = pipe.Exists(ctx, liveKey(topic, f))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(entries))
	var stale []string
	for i, f := range fields {
		if checks[i].Val() == 0 {
			stale = append(stale, f)
			continue
		}
		key := splitField(f)
		if _, seen := out[key]; !seen {
			out[key] = []byte(entries[f])
		}
	}
	if len(stale) > 0 {
		if err := p.client.HDel(ctx, hashKey(topic), stale...).Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
