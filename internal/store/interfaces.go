package store

import (
	"context"
	"errors"

	"github.com/clayne/389-ds-base/internal/model"
)

// ErrNotFound is returned when an entry is not found
var ErrNotFound = errors.New("entry not found")

// EntryStore is the directory backend as seen by replication. Entries are
// keyed by nsuniqueid; live entries are also indexed by normalized DN.
// Tombstones keep their DN but never occupy it.
type EntryStore interface {
	// Get returns the live entry at dn.
	Get(ctx context.Context, dn string) (*model.Entry, error)
	// GetByUniqueID returns the entry or tombstone with the given nsuniqueid.
	GetByUniqueID(ctx context.Context, uniqueID string) (*model.Entry, error)
	Exists(ctx context.Context, dn string) (bool, error)
	// Apply inserts or replaces the entry identified by e.UniqueID.
	Apply(ctx context.Context, e *model.Entry) error
	// Remove physically deletes an entry or tombstone.
	Remove(ctx context.Context, uniqueID string) error
	// Search is an internal search below base, tombstones included. Every call
	// is written to the access log.
	Search(ctx context.Context, base, filter string) ([]*model.Entry, error)
	ForEach(ctx context.Context, fn func(*model.Entry) error) error
}

// StateStore persists small pieces of replication state (CSN watermark,
// peer update vectors) by key.
type StateStore interface {
	Load(ctx context.Context, key string, v any) (bool, error)
	Save(ctx context.Context, key string, v any) error
}

type prefixedState struct {
	inner  StateStore
	prefix string
}

// Prefixed scopes every key of s under prefix, so several suffixes can share
// one state backend.
func Prefixed(s StateStore, prefix string) StateStore {
	if s == nil || prefix == "" {
		return s
	}
	return &prefixedState{inner: s, prefix: prefix}
}

func (p *prefixedState) Load(ctx context.Context, key string, v any) (bool, error) {
	return p.inner.Load(ctx, p.prefix+key, v)
}

func (p *prefixedState) Save(ctx context.Context, key string, v any) error {
	return p.inner.Save(ctx, p.prefix+key, v)
}
