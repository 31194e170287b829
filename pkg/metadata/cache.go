package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

const defaultCacheTTL = 5 * time.Minute

// CachedStore wraps a Store with a read-mostly ristretto cache.
// Writes never happen through this type; staleness is bounded by the TTL and
// can be cut short with Invalidate after an external metadata change.
type CachedStore struct {
	inner Store
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCachedStore creates a caching wrapper around inner.
func NewCachedStore(inner Store, ttl time.Duration) (*CachedStore, error) {
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create metadata cache: %w", err)
	}
	return &CachedStore{inner: inner, cache: cache, ttl: ttl}, nil
}

// Invalidate drops all cached metadata.
func (s *CachedStore) Invalidate() {
	s.cache.Clear()
}

func (s *CachedStore) TablesBySource(ctx context.Context, source string) ([]Table, error) {
	key := "tables:" + source
	if val, ok := s.cache.Get(key); ok {
		return val.([]Table), nil
	}
	tables, err := s.inner.TablesBySource(ctx, source)
	if err != nil {
		return nil, err
	}
	s.cache.SetWithTTL(key, tables, int64(len(tables)+1), s.ttl)
	s.cache.Wait()
	return tables, nil
}

func (s *CachedStore) TableColumns(ctx context.Context, tableID int64) ([]Column, error) {
	key := fmt.Sprintf("columns:%d", tableID)
	if val, ok := s.cache.Get(key); ok {
		return val.([]Column), nil
	}
	columns, err := s.inner.TableColumns(ctx, tableID)
	if err != nil {
		return nil, err
	}
	s.cache.SetWithTTL(key, columns, int64(len(columns)+1), s.ttl)
	s.cache.Wait()
	return columns, nil
}

func (s *CachedStore) RelationsForTables(ctx context.Context, tables []string) ([]Relation, error) {
	sorted := append([]string(nil), tables...)
	sort.Strings(sorted)
	key := "relations:" + strings.Join(sorted, ",")
	if val, ok := s.cache.Get(key); ok {
		return val.([]Relation), nil
	}
	relations, err := s.inner.RelationsForTables(ctx, tables)
	if err != nil {
		return nil, err
	}
	s.cache.SetWithTTL(key, relations, int64(len(relations)+1), s.ttl)
	s.cache.Wait()
	return relations, nil
}

func (s *CachedStore) DictionaryMapping(ctx context.Context, tableIDs []int64) ([]DictionaryEntry, error) {
	ids := append([]int64(nil), tableIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var sb strings.Builder
	sb.WriteString("dictionary:")
	for _, id := range ids {
		fmt.Fprintf(&sb, "%d,", id)
	}
	key := sb.String()
	if val, ok := s.cache.Get(key); ok {
		return val.([]DictionaryEntry), nil
	}
	entries, err := s.inner.DictionaryMapping(ctx, tableIDs)
	if err != nil {
		return nil, err
	}
	s.cache.SetWithTTL(key, entries, int64(len(entries)+1), s.ttl)
	s.cache.Wait()
	return entries, nil
}

func (s *CachedStore) KnowledgeForSource(ctx context.Context, source string) ([]KnowledgeItem, error) {
	key := "knowledge:" + source
	if val, ok := s.cache.Get(key); ok {
		return val.([]KnowledgeItem), nil
	}
	items, err := s.inner.KnowledgeForSource(ctx, source)
	if err != nil {
		return nil, err
	}
	s.cache.SetWithTTL(key, items, int64(len(items)+1), s.ttl)
	s.cache.Wait()
	return items, nil
}
