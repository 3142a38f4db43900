package replica

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clayne/389-ds-base/internal/changelog"
	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/urp"
)

// Trim removes changelog records past nsslapd-changelogmaxage or beyond
// nsslapd-changelogmaxentries that every peer has acknowledged.
func (r *Replica) Trim(ctx context.Context) (int, error) {
	settings := r.registry.Settings()
	policy := changelog.Policy{
		MaxAge:     settings.MaxAge(),
		MaxEntries: settings.ChangelogMaxEntries,
	}
	if !policy.Enabled() {
		return 0, nil
	}
	return r.changelog.Trim(ctx, policy, r.supervisor.TrimFloor(), r.now())
}

// PurgeCSN returns the CSN before which tombstones and deleted values may be
// dropped: older than nsds5ReplicaPurgeDelay and acknowledged by every peer.
// The zero CSN means nothing may be purged.
func (r *Replica) PurgeCSN() csn.CSN {
	delay := r.registry.Settings().PurgeDelay
	if delay <= 0 {
		return csn.Zero
	}
	cutoff := r.now().Add(-delay)
	if cutoff.Unix() <= 0 {
		return csn.Zero
	}
	before := csn.CSN{Timestamp: uint64(cutoff.Unix())}

	// a peer that has not seen a change may still send operations that
	// depend on the state it removed
	floor := r.supervisor.TrimFloor()
	oldest := floor.Oldest()
	if len(floor) < len(r.changelog.RUV()) {
		return csn.Zero
	}
	if !oldest.IsZero() && oldest.Less(before) {
		before = oldest
	}
	return before
}

// Purge removes tombstones and deleted attribute values older than PurgeCSN.
func (r *Replica) Purge(ctx context.Context) (urp.PurgeStats, error) {
	before := r.PurgeCSN()
	if before.IsZero() {
		return urp.PurgeStats{}, nil
	}
	return r.resolver.Purge(ctx, before)
}

// Run drives the shippers and the maintenance cycle until ctx is cancelled.
func (r *Replica) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.supervisor.Run(gctx)
	})
	g.Go(func() error {
		r.maintain(gctx)
		return nil
	})
	return g.Wait()
}

func (r *Replica) maintain(ctx context.Context) {
	trim := time.NewTicker(r.cfg.TrimInterval)
	defer trim.Stop()
	purge := time.NewTicker(r.cfg.PurgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trim.C:
			// failures are retried on the next tick
			n, err := r.Trim(ctx)
			if err != nil {
				r.logger.Error("Changelog trim failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("Changelog trimmed", zap.Int("removed", n))
			}
		case <-purge.C:
			if _, err := r.Purge(ctx); err != nil {
				r.logger.Error("Replication state purge failed", zap.Error(err))
			}
		}
	}
}
