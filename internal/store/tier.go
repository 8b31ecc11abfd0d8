// ABOUTME: Storage tier abstraction holding the raw persisted envelope
// ABOUTME: Provides the in-memory tier used as the unlimited, restart-cleared secondary

package store

import (
	"context"
	"slices"
	"sync"
)

// Tier stores one raw envelope record. Read returns (nil, nil) when nothing
// has been written yet. Implementations must tolerate a Read concurrent with
// a Write and return either the old or the new record.
type Tier interface {
	Name() string
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// MemoryTier keeps the record in process memory. Its contents do not survive a restart.
type MemoryTier struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemoryTier creates an empty in-memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{}
}

func (m *MemoryTier) Name() string { return "memory" }

func (m *MemoryTier) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.data), nil
}

func (m *MemoryTier) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data = slices.Clone(data)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTier) Close() error { return nil }
