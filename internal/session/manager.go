package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const sessionCacheSize = 1024

// Manager hands out sessions by id, keeping hot instances in an LRU cache
// and reloading history from the store on a miss.
type Manager struct {
	engine TurnRunner
	store  Store

	mu    sync.Mutex
	cache *lru.Cache[string, *Session]
}

func NewManager(engine TurnRunner, store Store) (*Manager, error) {
	if engine == nil {
		return nil, fmt.Errorf("session: engine is required")
	}
	cache, err := lru.New[string, *Session](sessionCacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{engine: engine, store: store, cache: cache}, nil
}

// Session returns the session for id, creating it (with history loaded from
// the store) when not cached. Concurrent callers for the same id get the
// same instance.
func (m *Manager) Session(ctx context.Context, id string) (*Session, error) {
	if m == nil {
		return nil, fmt.Errorf("session: manager is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("session: session id is required")
	}

	m.mu.Lock()
	if s, ok := m.cache.Get(id); ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	var entries []Entry
	if m.store != nil {
		var err error
		entries, err = m.store.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("session: load %s: %w", id, err)
		}
	}
	s := New(id, m.engine, m.store, historyFromEntries(entries))

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have raced the load; keep the first instance so
	// history stays single-owner.
	if existing, ok := m.cache.Get(id); ok {
		return existing, nil
	}
	m.cache.Add(id, s)
	return s, nil
}
