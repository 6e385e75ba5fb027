package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cache is a keyed store for computed read views.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	// Purge drops every entry and starts a new generation. Writers call it
	// after changing the ledger.
	Purge()
	Size() int
	Generation() uint64
	// SetIfGeneration stores data only if no Purge happened since gen was
	// read, and reports whether it did.
	SetIfGeneration(key string, data T, gen uint64) bool
}

// Cleaner is implemented by caches whose entries expire.
type Cleaner interface {
	CleanExpired() int
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result. Errors are not cached, and neither is a result whose load overlapped
// a Purge: it may predate the write that caused it.
func GetOrLoad[T any](ctx context.Context, c Cache[T], key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	gen := c.Generation()
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.SetIfGeneration(key, v, gen)
	return v, nil
}

// Manager periodically evicts expired entries from registered caches.
type Manager struct {
	mu     sync.Mutex
	caches []Cleaner
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Register(c Cleaner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches = append(m.caches, c)
}

// StartCleanup runs a sweep every interval until Stop is called.
func (m *Manager) StartCleanup(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					slog.Debug("Expired cache entries removed", "component", "cache", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sweep evicts expired entries from every registered cache once.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	caches := append([]Cleaner(nil), m.caches...)
	m.mu.Unlock()

	total := 0
	for _, c := range caches {
		total += c.CleanExpired()
	}
	return total
}

// Stop ends the cleanup loop and waits for it. Safe to call without Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
