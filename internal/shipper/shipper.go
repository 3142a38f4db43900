package shipper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clayne/389-ds-base/internal/agreement"
	"github.com/clayne/389-ds-base/internal/changelog"
	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/metrics"
	"github.com/clayne/389-ds-base/internal/model"
	"github.com/clayne/389-ds-base/internal/store"
)

// State is the run state of a shipper
type State string

const (
	StatePaused  State = "paused"
	StateActive  State = "active"
	StateBackoff State = "backoff"
)

// Peer is the remote end of an agreement.
type Peer interface {
	Ship(ctx context.Context, req *model.ShipRequest) (*model.ShipResponse, error)
	GetRUV(ctx context.Context, suffix string) (csn.RUV, error)
}

// Source is the local changelog as seen by a shipper.
type Source interface {
	IterateFrom(after csn.CSN) *changelog.Cursor
	RUV() csn.RUV
	Halted() error
}

// Liveness reports whether a peer replica is reachable according to gossip.
type Liveness interface {
	IsAlive(replicaID uint16) bool
}

// Config holds shipper tuning shared by every agreement.
type Config struct {
	BatchSize        int
	RecordsPerSecond float64
	IdleInterval     time.Duration
	RequestTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Status is a point-in-time view of one agreement's shipping.
type Status struct {
	Agreement string    `json:"agreement"`
	State     State     `json:"state"`
	PeerRUV   csn.RUV   `json:"peer_ruv"`
	Shipped   uint64    `json:"shipped"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	LastShip  time.Time `json:"last_ship,omitempty"`
	RetryAt   time.Time `json:"retry_at,omitempty"`
}

// Shipper sends the changelog to one peer under one agreement. Run drives it;
// Pause, Resume, Update and Wake may be called from any goroutine.
type Shipper struct {
	cfg     Config
	source  Source
	peer    Peer
	state   store.StateStore
	live    Liveness
	limiter *rate.Limiter
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	id   string
	wake chan struct{}

	mu      sync.Mutex
	agmt    *agreement.Agreement
	backoff Backoff
	retryAt time.Time
	peerRUV csn.RUV
	status  Status
}

// Option configures a Shipper.
type Option func(*Shipper)

// WithClock replaces the wall clock used for schedules and backoff.
func WithClock(now func() time.Time) Option {
	return func(s *Shipper) { s.now = now }
}

// WithLiveness gates sessions on gossip liveness.
func WithLiveness(l Liveness) Option {
	return func(s *Shipper) { s.live = l }
}

// WithStateStore persists the peer's update vector.
func WithStateStore(st store.StateStore) Option {
	return func(s *Shipper) { s.state = st }
}

// WithMetrics records shipping metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Shipper) { s.metrics = m }
}

// New creates a shipper for agmt. backoffMin/backoffMax are the effective
// bounds after inheriting replica settings.
func New(agmt *agreement.Agreement, source Source, peer Peer, cfg Config, backoffMin, backoffMax time.Duration, logger *zap.Logger, opts ...Option) *Shipper {
	cfg = cfg.withDefaults()
	s := &Shipper{
		cfg:     cfg,
		source:  source,
		peer:    peer,
		now:     time.Now,
		logger:  logger.With(zap.String("agreement", agmt.ID)),
		id:      agmt.ID,
		wake:    make(chan struct{}, 1),
		agmt:    agmt.Copy(),
		backoff: Backoff{Min: backoffMin, Max: backoffMax},
		peerRUV: csn.NewRUV(),
	}
	s.limiter = rate.NewLimiter(rate.Inf, cfg.BatchSize)
	if cfg.RecordsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RecordsPerSecond), cfg.BatchSize)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status = Status{Agreement: agmt.ID, State: StatePaused, PeerRUV: csn.NewRUV()}
	return s
}

func (s *Shipper) ruvKey() string {
	return "peer-ruv-" + s.id
}

// Restore loads the persisted peer update vector.
func (s *Shipper) Restore(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	ruv := csn.NewRUV()
	found, err := s.state.Load(ctx, s.ruvKey(), &ruv)
	if err != nil {
		return fmt.Errorf("failed to load peer RUV: %w", err)
	}
	if found {
		s.mu.Lock()
		s.peerRUV = ruv
		s.status.PeerRUV = ruv.Copy()
		s.mu.Unlock()
	}
	return nil
}

// Flush persists the peer update vector.
func (s *Shipper) Flush(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	s.mu.Lock()
	ruv := s.peerRUV.Copy()
	s.mu.Unlock()
	return s.state.Save(ctx, s.ruvKey(), ruv)
}

// Agreement returns a copy of the agreement being served.
func (s *Shipper) Agreement() *agreement.Agreement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agmt.Copy()
}

// Update replaces the agreement, e.g. after an attribute change.
func (s *Shipper) Update(agmt *agreement.Agreement, backoffMin, backoffMax time.Duration) {
	s.mu.Lock()
	s.agmt = agmt.Copy()
	s.backoff.Min, s.backoff.Max = backoffMin, backoffMax
	s.mu.Unlock()
	s.Wake()
}

// Pause stops shipping at the next record boundary. Pausing a paused
// shipper does nothing.
func (s *Shipper) Pause() {
	s.setAgreementState(agreement.StatePaused)
}

// Resume restarts a paused shipper. Resuming an active shipper does nothing.
func (s *Shipper) Resume() {
	s.setAgreementState(agreement.StateActive)
}

func (s *Shipper) setAgreementState(st agreement.State) {
	s.mu.Lock()
	changed := s.agmt.State != st
	s.agmt.State = st
	s.mu.Unlock()
	if changed {
		s.logger.Info("Agreement state changed", zap.String("state", string(st)))
		s.Wake()
	}
}

// Wake signals that new changes may be available.
func (s *Shipper) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status returns the current status.
func (s *Shipper) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.PeerRUV = s.peerRUV.Copy()
	st.Failures = s.backoff.Attempts()
	st.RetryAt = s.retryAt
	return st
}

// PeerRUV returns the last update vector acknowledged by the peer.
func (s *Shipper) PeerRUV() csn.RUV {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerRUV.Copy()
}

func (s *Shipper) setState(st State) {
	s.mu.Lock()
	prev := s.status.State
	s.status.State = st
	s.mu.Unlock()
	if prev != st {
		s.metrics.SetAgreementState(s.id, string(st))
		s.logger.Debug("Shipper state", zap.String("from", string(prev)), zap.String("to", string(st)))
	}
}

// halted reports whether shipping must stop before the next record.
func (s *Shipper) halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.agmt.Enabled || s.agmt.State == agreement.StatePaused {
		return true
	}
	return !s.agmt.ParsedSchedule().Open(s.now())
}

// Run drives the agreement until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) error {
	s.logger.Info("Starting update shipper",
		zap.String("peer", s.Agreement().Addr()),
		zap.Int("batch_size", s.cfg.BatchSize))
	defer s.logger.Info("Update shipper stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		agmt := s.Agreement()
		sched := agmt.ParsedSchedule()
		now := s.now()

		s.mu.Lock()
		retryAt := s.retryAt
		s.mu.Unlock()

		var wait time.Duration
		switch {
		case !agmt.Enabled || agmt.State == agreement.StatePaused:
			s.setState(StatePaused)
		case !sched.Open(now):
			s.setState(StatePaused)
			if next := sched.NextOpen(now); !next.IsZero() {
				wait = next.Sub(now)
			}
		case now.Before(retryAt):
			s.setState(StateBackoff)
			wait = retryAt.Sub(now)
		default:
			s.setState(StateActive)
			if err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.fail(err)
				continue
			}
			s.succeed()
			wait = s.cfg.IdleInterval
			if next := sched.NextClose(now); !next.IsZero() && next.Sub(now) < wait {
				wait = next.Sub(now)
			}
		}

		if !s.sleep(ctx, wait) {
			return nil
		}
	}
}

// sleep waits for a wakeup, for d to elapse (forever when d is zero) or for
// ctx to end. It returns false once ctx is done.
func (s *Shipper) sleep(ctx context.Context, d time.Duration) bool {
	var fire <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		fire = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
	case <-fire:
	}
	return true
}

func (s *Shipper) fail(err error) {
	s.mu.Lock()
	delay := s.backoff.Next()
	s.retryAt = s.now().Add(delay)
	attempts := s.backoff.Attempts()
	s.status.LastError = err.Error()
	s.mu.Unlock()

	s.metrics.RecordShipFailure(s.id)
	fields := []zap.Field{
		zap.Error(err),
		zap.Int("attempt", attempts),
		zap.Duration("retry_in", delay),
	}
	if errors.IsTransient(err) {
		s.logger.Warn("Replication session failed, backing off", fields...)
	} else {
		s.logger.Error("Replication session failed, backing off", fields...)
	}
	s.setState(StateBackoff)
}

func (s *Shipper) succeed() {
	s.mu.Lock()
	s.backoff.Reset()
	s.retryAt = time.Time{}
	s.status.LastError = ""
	s.mu.Unlock()
}

// RunOnce runs a single replication session: it refreshes the peer's update
// vector, then sends every change the peer lacks in CSN order. It returns
// early, without error, when the agreement is paused or its window closes.
func (s *Shipper) RunOnce(ctx context.Context) error {
	agmt := s.Agreement()
	if err := s.source.Halted(); err != nil {
		return errors.SuffixHalted(agmt.Suffix, err)
	}
	if s.live != nil && !s.live.IsAlive(agmt.RemoteReplicaID) {
		return errors.TransientNetwork(agmt.Addr(), fmt.Errorf("replica %d not alive", agmt.RemoteReplicaID))
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	remote, err := s.peer.GetRUV(reqCtx, agmt.Suffix)
	cancel()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.peerRUV = remote.Copy()
	s.mu.Unlock()

	// A pass ends early when a change lands behind its cursor; the next pass
	// picks it up before anything newer from that origin is acknowledged.
	for pass := 0; pass < maxPasses; pass++ {
		stale, err := s.pass(ctx, agmt, remote)
		if err != nil || !stale {
			return err
		}
		s.logger.Debug("Changelog reordered under the session, rescanning", zap.Int("pass", pass+1))
	}
	s.Wake()
	return nil
}

// maxPasses bounds the rescans of one session; a wakeup starts another.
const maxPasses = 8

// pass ships what the peer lacks from remote's start position. It reports
// whether it stopped because its cursor went stale.
func (s *Shipper) pass(ctx context.Context, agmt *agreement.Agreement, remote csn.RUV) (bool, error) {
	cur := s.source.IterateFrom(remote.Start(s.source.RUV()))
	batch := make([]*model.ChangeRecord, 0, s.cfg.BatchSize)

	for !s.halted() {
		rec, ok := cur.Next()
		if !ok {
			break
		}
		if remote.Covers(rec.CSN) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return false, err
		}
		batch = append(batch, rec.Strip(agmt.StripAttrs))
		if len(batch) >= s.cfg.BatchSize {
			if err := s.send(ctx, agmt, batch, remote); err != nil {
				return false, err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := s.send(ctx, agmt, batch, remote); err != nil {
			return false, err
		}
	}
	return cur.Stale(), nil
}

func (s *Shipper) send(ctx context.Context, agmt *agreement.Agreement, batch []*model.ChangeRecord, remote csn.RUV) error {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.peer.Ship(reqCtx, &model.ShipRequest{
		Suffix:  agmt.Suffix,
		Sender:  agmt.ReplicaID,
		Records: batch,
	})
	if err != nil {
		return err
	}

	for _, rec := range batch {
		remote.Update(rec.CSN)
	}
	remote.Merge(resp.RUV)

	s.mu.Lock()
	s.peerRUV = remote.Copy()
	s.status.Shipped += uint64(len(batch))
	s.status.LastShip = s.now()
	s.mu.Unlock()

	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("Failed to persist peer RUV", zap.Error(err))
	}
	s.metrics.RecordShipped(agmt.ID, len(batch), time.Since(start).Seconds())
	s.logger.Debug("Shipped changes",
		zap.Int("records", len(batch)),
		zap.Int("applied", resp.Applied),
		zap.Int("skipped", resp.Skipped),
		zap.String("last_csn", batch[len(batch)-1].CSN.String()))
	return nil
}
