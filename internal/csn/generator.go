package csn

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WatermarkStore persists the last issued CSN across restarts.
type WatermarkStore interface {
	Load(ctx context.Context, key string, v any) (bool, error)
	Save(ctx context.Context, key string, v any) error
}

// Generator issues CSNs for one replica. It is the only serialization point
// for CSN issuance on a server.
type Generator struct {
	mu        sync.Mutex
	replicaID uint16
	now       func() time.Time
	last      CSN // greatest CSN issued or observed
	issued    uint64
	store     WatermarkStore
	key       string
	logger    *zap.Logger
	onIssue   func()
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithWatermarkStore persists the watermark under key.
func WithWatermarkStore(store WatermarkStore, key string) Option {
	return func(g *Generator) {
		g.store = store
		g.key = key
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

// WithIssueHook is called once per issued CSN, outside the lock.
func WithIssueHook(fn func()) Option {
	return func(g *Generator) { g.onIssue = fn }
}

// NewGenerator creates a generator for replicaID.
func NewGenerator(replicaID uint16, opts ...Option) *Generator {
	g := &Generator{
		replicaID: replicaID,
		now:       time.Now,
		logger:    zap.NewNop(),
		key:       fmt.Sprintf("csngen-%d", replicaID),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ReplicaID returns the replica this generator issues CSNs for.
func (g *Generator) ReplicaID() uint16 {
	return g.replicaID
}

// Next returns a CSN greater than every CSN previously issued or observed.
// When the wall clock is behind the watermark the timestamp is held and only
// the sequence advances.
func (g *Generator) Next() CSN {
	g.mu.Lock()
	c := g.nextLocked()
	g.mu.Unlock()

	if g.onIssue != nil {
		g.onIssue()
	}
	return c
}

func (g *Generator) nextLocked() CSN {
	now := uint64(g.now().Unix())
	last := g.last

	c := CSN{Timestamp: now, ReplicaID: g.replicaID}
	if now <= last.Timestamp {
		c.Timestamp = last.Timestamp
		switch {
		case g.replicaID > last.ReplicaID:
			// Same second, but our replica ID already sorts after the watermark.
		case g.replicaID == last.ReplicaID && last.Seq < math.MaxUint16:
			c.Seq = last.Seq + 1
		default:
			// Sequence exhausted, or the watermark belongs to a replica that
			// sorts after us: move to the next second.
			c.Timestamp = last.Timestamp + 1
		}
	}

	g.last = c
	g.issued++
	return c
}

// NextSub returns the next subsequence CSN of base for cascaded operations.
func (g *Generator) NextSub(base CSN) CSN {
	base.Subseq++
	g.Observe(base)
	return base
}

// Observe fast-forwards the watermark so later CSNs never sort before remote.
func (g *Generator) Observe(remote CSN) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if remote.After(g.last) {
		g.last = remote
	}
}

// Watermark returns the greatest CSN issued or observed.
func (g *Generator) Watermark() CSN {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Issued returns the number of CSNs issued since start.
func (g *Generator) Issued() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued
}

// Restore loads the persisted watermark. Missing state is not an error.
func (g *Generator) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	var saved CSN
	found, err := g.store.Load(ctx, g.key, &saved)
	if err != nil {
		return fmt.Errorf("failed to load CSN watermark: %w", err)
	}
	if found {
		g.Observe(saved)
		g.logger.Info("Restored CSN generator watermark",
			zap.Uint16("replica_id", g.replicaID),
			zap.Stringer("csn", saved))
	}
	return nil
}

// Flush persists the current watermark.
func (g *Generator) Flush(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	wm := g.Watermark()
	if err := g.store.Save(ctx, g.key, wm); err != nil {
		return fmt.Errorf("failed to save CSN watermark: %w", err)
	}
	return nil
}
