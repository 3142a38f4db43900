package replica

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/ldaputil"
	"github.com/clayne/389-ds-base/internal/model"
)

// Set holds the replicas of every suffix served by this process, keyed by
// normalized suffix. Each replica keeps its own changelog, so a halted suffix
// leaves the others replicating.
type Set struct {
	logger *zap.Logger

	mu       sync.RWMutex
	order    []*Replica
	bySuffix map[string]*Replica
}

// NewSet creates an empty set.
func NewSet(logger *zap.Logger) *Set {
	return &Set{
		logger:   logger,
		bySuffix: make(map[string]*Replica),
	}
}

// Add registers r under its suffix.
func (s *Set) Add(r *Replica) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySuffix[r.norm]; ok {
		return errors.AlreadyExists("suffix " + r.suffix)
	}
	s.bySuffix[r.norm] = r
	s.order = append(s.order, r)
	return nil
}

// Get returns the replica of suffix.
func (s *Set) Get(suffix string) (*Replica, error) {
	norm, err := ldaputil.Normalize(suffix)
	if err != nil {
		return nil, errors.Validation(fmt.Sprintf("invalid suffix %q: %v", suffix, err))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.bySuffix[norm]
	if !ok {
		return nil, errors.NotFound("suffix " + suffix)
	}
	return r, nil
}

// Default returns the first suffix added, or nil.
func (s *Set) Default() *Replica {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return nil
	}
	return s.order[0]
}

// List returns the replicas in the order they were added.
func (s *Set) List() []*Replica {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Replica(nil), s.order...)
}

// ForDN returns the replica whose suffix holds dn. Nested suffixes resolve
// to the deepest one.
func (s *Set) ForDN(dn string) (*Replica, error) {
	norm, err := ldaputil.Normalize(dn)
	if err != nil {
		return nil, errors.Validation(fmt.Sprintf("invalid DN %q: %v", dn, err))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Replica
	for _, r := range s.order {
		if ldaputil.IsUnder(norm, r.norm) && (best == nil || len(r.norm) > len(best.norm)) {
			best = r
		}
	}
	if best == nil {
		return nil, errors.NotFound("suffix holding " + dn)
	}
	return best, nil
}

// Receive routes shipped changes to the replica of req.Suffix.
func (s *Set) Receive(ctx context.Context, req *model.ShipRequest) (*model.ShipResponse, error) {
	r, err := s.Get(req.Suffix)
	if err != nil {
		return nil, err
	}
	return r.Receive(ctx, req)
}

// RUV returns the update vector of suffix.
func (s *Set) RUV(ctx context.Context, suffix string) (csn.RUV, error) {
	r, err := s.Get(suffix)
	if err != nil {
		return nil, err
	}
	return r.RUV(ctx, suffix)
}

// Start starts every replica.
func (s *Set) Start(ctx context.Context) error {
	for _, r := range s.List() {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", r.Suffix(), err)
		}
	}
	return nil
}

// Stop stops every replica, whatever fails along the way.
func (s *Set) Stop(ctx context.Context) error {
	var errs []error
	for _, r := range s.List() {
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Suffix(), err))
		}
	}
	return stderrors.Join(errs...)
}

// Run drives every replica until ctx is cancelled. A replica that stops
// early does not take the others down with it.
func (s *Set) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, r := range s.List() {
		g.Go(func() error {
			err := r.Run(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("Replica stopped", zap.String("suffix", r.Suffix()), zap.Error(err))
			}
			return err
		})
	}
	return g.Wait()
}
