package changelog

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/model"
	"go.uber.org/zap"
)

// Policy selects records eligible for trimming. Either trigger may be unset.
type Policy struct {
	MaxAge     time.Duration
	MaxEntries int
}

// Enabled reports whether any trigger is configured.
func (p Policy) Enabled() bool {
	return p.MaxAge > 0 || p.MaxEntries > 0
}

// Trim removes records selected by policy that every peer has acknowledged,
// i.e. that floor covers. A record some peer still needs is never removed, even
// when it is past max-age or beyond max-entries. Surviving records keep their
// order. The remaining log is rewritten into a fresh segment before the old
// ones are removed, so a failure at any point leaves a readable changelog.
func (c *Changelog) Trim(ctx context.Context, policy Policy, floor csn.RUV, now time.Time) (int, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted != nil {
		return 0, fmt.Errorf("changelog halted: %w", c.halted)
	}

	cut := 0
	if policy.MaxEntries > 0 && len(c.records) > policy.MaxEntries {
		cut = len(c.records) - policy.MaxEntries
	}
	if policy.MaxAge > 0 {
		limit := now.Add(-policy.MaxAge).Unix()
		for i := cut; i < len(c.records) && int64(c.records[i].CSN.Timestamp) < limit; i++ {
			cut = i + 1
		}
	}
	if cut == 0 {
		return 0, nil
	}

	survivors := make([]*model.ChangeRecord, 0, len(c.records))
	var removed []csn.CSN
	for i, rec := range c.records {
		if i < cut && floor.Covers(rec.CSN) {
			removed = append(removed, rec.CSN)
			continue
		}
		survivors = append(survivors, rec)
	}
	if len(removed) == 0 {
		c.logger.Debug("Trim candidates still needed by a peer",
			zap.Int("candidates", cut),
			zap.Stringer("floor", floor))
		return 0, nil
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.saveRUV(); err != nil {
		return 0, fmt.Errorf("failed to persist changelog RUV: %w", err)
	}
	if err := c.rewrite(survivors); err != nil {
		return 0, err
	}

	c.records = survivors
	for _, id := range removed {
		delete(c.index, id)
	}

	c.logger.Info("Trimmed changelog",
		zap.Int("removed", len(removed)),
		zap.Int("remaining", len(survivors)),
		zap.Stringer("floor", floor))
	c.metrics.RecordChangelogTrim(len(removed), len(survivors))
	return len(removed), nil
}

// rewrite writes survivors to a new segment and drops every older segment.
// Caller holds the lock.
func (c *Changelog) rewrite(survivors []*model.ChangeRecord) error {
	old, _, err := c.segments()
	if err != nil {
		return err
	}

	id := c.segmentID + 1
	path := c.segmentPath(id)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create trimmed segment: %w", err)
	}
	for _, rec := range survivors {
		data, err := encodeFrame(rec)
		if err == nil {
			_, err = f.Write(data)
		}
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write trimmed segment: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync trimmed segment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close trimmed segment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install trimmed segment: %w", err)
	}

	// From here the new segment holds everything; leftovers only duplicate it.
	if err := c.openSegment(id); err != nil {
		return err
	}
	for _, p := range old {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("Failed to remove trimmed segment", zap.String("path", p), zap.Error(err))
		}
	}
	return nil
}
