package shipper

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clayne/389-ds-base/internal/agreement"
	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/metrics"
	"github.com/clayne/389-ds-base/internal/store"
)

// Dialer connects to the peer of an agreement.
type Dialer func(a *agreement.Agreement) (Peer, error)

type running struct {
	shipper *Shipper
	peer    Peer
	cancel  context.CancelFunc
	done    chan struct{}
}

// Supervisor runs one shipper per agreement of a suffix and keeps the set in
// step with the agreement registry.
type Supervisor struct {
	registry *agreement.Registry
	source   Source
	dial     Dialer
	cfg      Config
	state    store.StateStore
	live     Liveness
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	ctx      context.Context
	group    *errgroup.Group
	shippers map[string]*running
}

// NewSupervisor creates a supervisor. state and live may be nil.
func NewSupervisor(registry *agreement.Registry, source Source, dial Dialer, cfg Config, state store.StateStore, live Liveness, logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	s := &Supervisor{
		registry: registry,
		source:   source,
		dial:     dial,
		cfg:      cfg,
		state:    state,
		live:     live,
		logger:   logger,
		metrics:  m,
		shippers: make(map[string]*running),
	}
	registry.Subscribe(s.onEvent)
	return s
}

// Run starts a shipper for every registered agreement and blocks until ctx
// is cancelled and every shipper has stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	// keeps the group open for shippers started later
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	s.mu.Lock()
	s.ctx, s.group = gctx, g
	s.mu.Unlock()

	for _, a := range s.registry.List() {
		if err := s.start(a); err != nil {
			s.logger.Error("Failed to start update shipper", zap.String("agreement", a.ID), zap.Error(err))
		}
	}

	err := g.Wait()

	s.mu.Lock()
	s.group = nil
	peers := s.shippers
	s.shippers = make(map[string]*running)
	s.mu.Unlock()

	for _, r := range peers {
		closePeer(r.peer)
	}
	return err
}

func closePeer(p Peer) {
	if c, ok := p.(io.Closer); ok {
		c.Close()
	}
}

func (s *Supervisor) start(a *agreement.Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the group stays open while its context is live
	if s.group == nil || s.ctx.Err() != nil {
		return nil
	}
	if _, ok := s.shippers[a.ID]; ok {
		return nil
	}

	peer, err := s.dial(a)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", a.Addr(), err)
	}

	lo, hi := s.registry.Backoff(a)
	sh := New(a, s.source, peer, s.cfg, lo, hi, s.logger,
		WithStateStore(s.state), WithLiveness(s.live), WithMetrics(s.metrics))
	if err := sh.Restore(s.ctx); err != nil {
		s.logger.Warn("Starting without persisted peer RUV", zap.String("agreement", a.ID), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(s.ctx)
	r := &running{shipper: sh, peer: peer, cancel: cancel, done: make(chan struct{})}
	s.shippers[a.ID] = r
	s.group.Go(func() error {
		defer close(r.done)
		return sh.Run(ctx)
	})
	return nil
}

func (s *Supervisor) stop(id string) {
	s.mu.Lock()
	r, ok := s.shippers[id]
	delete(s.shippers, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	r.cancel()
	<-r.done
	if err := r.shipper.Flush(context.Background()); err != nil {
		s.logger.Warn("Failed to persist peer RUV", zap.String("agreement", id), zap.Error(err))
	}
	closePeer(r.peer)
}

func (s *Supervisor) onEvent(ev agreement.Event) {
	switch ev.Type {
	case agreement.EventAdded:
		if err := s.start(ev.Agreement); err != nil {
			s.logger.Error("Failed to start update shipper", zap.String("agreement", ev.Agreement.ID), zap.Error(err))
		}
	case agreement.EventRemoved:
		s.stop(ev.Agreement.ID)
	case agreement.EventUpdated:
		sh := s.get(ev.Agreement.ID)
		if sh == nil {
			// an earlier dial failed; the new settings may reach the peer
			if err := s.start(ev.Agreement); err != nil {
				s.logger.Error("Failed to start update shipper", zap.String("agreement", ev.Agreement.ID), zap.Error(err))
			}
			return
		}
		lo, hi := s.registry.Backoff(ev.Agreement)
		sh.Update(ev.Agreement, lo, hi)
	case agreement.EventReplica:
		for _, sh := range s.all() {
			a := sh.Agreement()
			lo, hi := s.registry.Backoff(a)
			sh.Update(a, lo, hi)
		}
	}
}

func (s *Supervisor) get(id string) *Shipper {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.shippers[id]; ok {
		return r.shipper
	}
	return nil
}

func (s *Supervisor) all() []*Shipper {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Shipper, 0, len(s.shippers))
	for _, r := range s.shippers {
		out = append(out, r.shipper)
	}
	return out
}

// Notify wakes every shipper after the changelog grew.
func (s *Supervisor) Notify() {
	for _, sh := range s.all() {
		sh.Wake()
	}
}

// Pause pauses an agreement persistently.
func (s *Supervisor) Pause(id string) error {
	return s.registry.SetState(id, agreement.StatePaused)
}

// Resume resumes an agreement persistently.
func (s *Supervisor) Resume(id string) error {
	return s.registry.SetState(id, agreement.StateActive)
}

// RunOnce runs one session of an agreement synchronously.
func (s *Supervisor) RunOnce(ctx context.Context, id string) error {
	sh := s.get(id)
	if sh == nil {
		return errors.NotFound("agreement " + id)
	}
	return sh.RunOnce(ctx)
}

// Status returns the status of every running shipper, ordered by agreement.
func (s *Supervisor) Status() []Status {
	shippers := s.all()
	out := make([]Status, 0, len(shippers))
	for _, sh := range shippers {
		out = append(out, sh.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agreement < out[j].Agreement })
	return out
}

// TrimFloor returns the per-origin minimum of the update vectors acknowledged
// by every agreement's peer, disabled ones included. Changes covered by it
// have reached every peer and may be trimmed. An agreement without a running
// shipper has acknowledged nothing, so the floor is empty. With no agreements
// the local vector is returned.
func (s *Supervisor) TrimFloor() csn.RUV {
	agreements := s.registry.List()
	if len(agreements) == 0 {
		return s.source.RUV()
	}
	vectors := make([]csn.RUV, 0, len(agreements))
	for _, a := range agreements {
		sh := s.get(a.ID)
		if sh == nil {
			return csn.NewRUV()
		}
		vectors = append(vectors, sh.PeerRUV())
	}
	return csn.MinFloor(vectors...)
}

// Flush persists every peer update vector.
func (s *Supervisor) Flush(ctx context.Context) error {
	var firstErr error
	for _, sh := range s.all() {
		if err := sh.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
