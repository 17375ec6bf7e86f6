package voiceref

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/loqalabs/loqa-narrator/internal/errs"
)

// MemoryStore keeps references in an expiring LRU. Entries fall out when the
// TTL elapses or when maxEntries is exceeded, whichever comes first.
type MemoryStore struct {
	cache *expirable.LRU[string, Reference]
}

func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{cache: expirable.NewLRU[string, Reference](maxEntries, nil, ttl)}
}

func (m *MemoryStore) Put(_ context.Context, ref Reference) error {
	if ref.ID == "" {
		return fmt.Errorf("reference id is empty: %w", errs.ErrInvalidInput)
	}
	m.cache.Add(ref.ID, detach(ref))
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Reference, error) {
	ref, ok := m.cache.Get(id)
	if !ok {
		return Reference{}, fmt.Errorf("reference %q: %w", id, errs.ErrNotFound)
	}
	return detach(ref), nil
}

// detach copies the byte slices so neither the caller nor the cache can
// change the other's audio.
func detach(ref Reference) Reference {
	ref.Samples = bytes.Clone(ref.Samples)
	ref.Clip.Samples = bytes.Clone(ref.Clip.Samples)
	return ref
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	if !m.cache.Remove(id) {
		return fmt.Errorf("reference %q: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Reference, error) {
	refs := m.cache.Values()
	sort.Slice(refs, func(i, j int) bool { return refs[i].CreatedAt.Before(refs[j].CreatedAt) })
	return refs, nil
}

func (m *MemoryStore) Prune(_ context.Context, now time.Time) (int, error) {
	removed := 0
	for _, id := range m.cache.Keys() {
		ref, ok := m.cache.Peek(id)
		if ok && !now.Before(ref.ExpiresAt) {
			m.cache.Remove(id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error {
	m.cache.Purge()
	return nil
}
