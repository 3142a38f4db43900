package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/clayne/389-ds-base/internal/ldaputil"
	"github.com/clayne/389-ds-base/internal/model"
	"go.uber.org/zap"
)

// MemoryStore is an in-memory EntryStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*model.Entry // by nsuniqueid
	byDN    map[string]string       // normalized DN -> nsuniqueid, live entries only
	access  *zap.Logger
}

// NewMemoryStore creates an empty store. Internal searches are logged on the
// "access" child of logger.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*model.Entry),
		byDN:    make(map[string]string),
		access:  logger.Named("access"),
	}
}

func (s *MemoryStore) Get(ctx context.Context, dn string) (*model.Entry, error) {
	norm, err := ldaputil.Normalize(dn)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	uid, ok := s.byDN[norm]
	if !ok {
		return nil, ErrNotFound
	}
	return s.entries[uid].Clone(), nil
}

func (s *MemoryStore) GetByUniqueID(ctx context.Context, uniqueID string) (*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[uniqueID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Exists(ctx context.Context, dn string) (bool, error) {
	norm, err := ldaputil.Normalize(dn)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byDN[norm]
	return ok, nil
}

func (s *MemoryStore) Apply(ctx context.Context, e *model.Entry) error {
	if e.UniqueID == "" {
		return fmt.Errorf("entry %q has no nsuniqueid", e.DN)
	}
	norm, err := ldaputil.Normalize(e.DN)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.Tombstone {
		if owner, ok := s.byDN[norm]; ok && owner != e.UniqueID {
			return fmt.Errorf("DN %q already held by %s", e.DN, owner)
		}
	}
	if old, ok := s.entries[e.UniqueID]; ok {
		s.unindex(old)
	}
	s.entries[e.UniqueID] = e.Clone()
	if !e.Tombstone {
		s.byDN[norm] = e.UniqueID
	}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, uniqueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[uniqueID]
	if !ok {
		return ErrNotFound
	}
	s.unindex(e)
	delete(s.entries, uniqueID)
	return nil
}

func (s *MemoryStore) unindex(e *model.Entry) {
	norm, err := ldaputil.Normalize(e.DN)
	if err != nil {
		return
	}
	if s.byDN[norm] == e.UniqueID {
		delete(s.byDN, norm)
	}
}

func (s *MemoryStore) Search(ctx context.Context, base, filter string) ([]*model.Entry, error) {
	f, err := ldaputil.CompileFilter(filter)
	if err != nil {
		return nil, err
	}
	normBase, err := ldaputil.Normalize(base)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	results := make([]*model.Entry, 0)
	for _, e := range s.entries {
		norm, err := ldaputil.Normalize(e.DN)
		if err != nil || !ldaputil.IsUnder(norm, normBase) {
			continue
		}
		if f.Match(Getter(e)) {
			results = append(results, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].UniqueID < results[j].UniqueID })

	s.access.Info("Internal SRCH",
		zap.String("base", base),
		zap.String("filter", filter),
		zap.Int("nentries", len(results)))
	return results, nil
}

func (s *MemoryStore) ForEach(ctx context.Context, fn func(*model.Entry) error) error {
	s.mu.RLock()
	snapshot := make([]*model.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].UniqueID < snapshot[j].UniqueID })
	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of entries and tombstones held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Getter exposes an entry's visible values to filter evaluation, including
// the nsuniqueid operational attribute.
func Getter(e *model.Entry) ldaputil.Getter {
	return func(attr string) []string {
		if strings.EqualFold(attr, model.AttrNsUniqueID) {
			return []string{e.UniqueID}
		}
		return e.Get(attr)
	}
}
