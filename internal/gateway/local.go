package gateway

import (
	"context"
	"sort"
	"sync"
)

type published struct {
	topic string
	data  []byte
}

// LocalFanout delivers publications back to the same process. It serves single-node
// deployments and tests.
type LocalFanout struct {
	ch chan published
}

func NewLocalFanout() *LocalFanout {
	return &LocalFanout{ch: make(chan published, 1024)}
}

func (f *LocalFanout) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case f.ch <- published{topic: topic, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *LocalFanout) Run(ctx context.Context, handler func(topic string, data []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-f.ch:
			handler(p.topic, p.data)
		}
	}
}

// MemoryPresence is a PresenceStore for a single node. Entries live until removed.
type MemoryPresence struct {
	mu     sync.Mutex
	topics map[string]map[string]map[string][]byte // topic -> key -> ref -> payload
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{topics: make(map[string]map[string]map[string][]byte)}
}

func (p *MemoryPresence) Set(_ context.Context, topic, key, ref string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys, ok := p.topics[topic]
	if !ok {
		keys = make(map[string]map[string][]byte)
		p.topics[topic] = keys
	}
	refs, ok := keys[key]
	if !ok {
		refs = make(map[string][]byte)
		keys[key] = refs
	}
	refs[ref] = append([]byte(nil), payload...)
	return nil
}

func (p *MemoryPresence) Remove(_ context.Context, topic, key, ref string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := p.topics[topic]
	refs := keys[key]
	delete(refs, ref)
	if len(refs) > 0 {
		return true, nil
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(p.topics, topic)
	}
	return false, nil
}

func (p *MemoryPresence) Refresh(context.Context, string, string, string) error { return nil }

func (p *MemoryPresence) List(_ context.Context, topic string) (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]byte, len(p.topics[topic]))
	for key, refs := range p.topics[topic] {
		refNames := make([]string, 0, len(refs))
		for ref := range refs {
			refNames = append(refNames, ref)
		}
		sort.Strings(refNames)
		out[key] = refs[refNames[0]]
	}
	return out, nil
}
