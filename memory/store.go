// Package memory provides the bounded, append-only, per-agent context log
// that feeds prior exchanges back into subsequent stage invocations.
//
// Stores enforce a configurable per-identity entry cap with FIFO eviction
// and guarantee snapshot reads: callers never observe a log mutated
// mid-read. Ephemeral agents never touch the store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Role tags an entry as stage input or agent output.
type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
)

// Entry is one recorded exchange line for an agent identity.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
}

// Store is the per-agent memory contract.
type Store interface {
	// Append adds an entry to the identity's log, evicting the oldest
	// entry first once the configured cap is exceeded.
	Append(ctx context.Context, identity string, entry Entry) error

	// Read returns a snapshot copy of the identity's log in insertion
	// order. An unknown identity yields an empty slice, not an error.
	Read(ctx context.Context, identity string) ([]Entry, error)

	// Len returns the number of entries currently held for the identity.
	Len(ctx context.Context, identity string) (int, error)
}

// InMemoryStoreConfig configures the in-process store.
type InMemoryStoreConfig struct {
	// Cap is the maximum number of entries kept per identity.
	// 0 means unbounded.
	Cap int

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time
}

// agentLog holds one identity's entries behind its own lock, so appends
// for different identities never contend.
type agentLog struct {
	mu      sync.Mutex
	entries []Entry
}

// InMemoryStore is the default Store implementation for local development,
// testing, and single-process deployments.
type InMemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*agentLog

	cap    int
	now    func() time.Time
	logger *zap.Logger
}

// NewInMemoryStore creates an in-process bounded memory store.
func NewInMemoryStore(config InMemoryStoreConfig, logger *zap.Logger) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &InMemoryStore{
		logs:   make(map[string]*agentLog),
		cap:    config.Cap,
		now:    now,
		logger: logger.With(zap.String("component", "memory_store_inmemory")),
	}
}

func (s *InMemoryStore) log(identity string) *agentLog {
	s.mu.RLock()
	l, ok := s.logs[identity]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[identity]; ok {
		return l
	}
	l = &agentLog{}
	s.logs[identity] = l
	return l
}

// Append implements Store.Append.
func (s *InMemoryStore) Append(ctx context.Context, identity string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	l := s.log(identity)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if s.cap > 0 && len(l.entries) > s.cap {
		evicted := len(l.entries) - s.cap
		l.entries = append([]Entry(nil), l.entries[evicted:]...)
		s.logger.Debug("evicted oldest memory entries",
			zap.String("identity", identity),
			zap.Int("evicted", evicted),
		)
	}
	return nil
}

// Read implements Store.Read.
func (s *InMemoryStore) Read(ctx context.Context, identity string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}

	l := s.log(identity)
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// Len implements Store.Len.
func (s *InMemoryStore) Len(ctx context.Context, identity string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l := s.log(identity)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries), nil
}
