package urp

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/ldaputil"
	"github.com/clayne/389-ds-base/internal/metrics"
	"github.com/clayne/389-ds-base/internal/model"
	"github.com/clayne/389-ds-base/internal/store"
)

// Outcome describes what resolving a change did to the entry store
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeAbsorbed Outcome = "absorbed"
	OutcomeConflict Outcome = "conflict"
)

// Result is the outcome of resolving one change.
type Result struct {
	Outcome Outcome
	// DN of the affected entry after resolution
	DN string
	// ConflictDN is set when a naming conflict renamed an entry
	ConflictDN string
}

// PurgeStats counts what a purge pass removed.
type PurgeStats struct {
	Tombstones int
	Values     int
}

// Resolver applies replicated changes to the entry store so that every
// replica converges to the same state whatever order changes arrive in.
type Resolver struct {
	store   store.EntryStore
	suffix  string
	locks   stripedLock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewResolver creates a resolver for one suffix.
func NewResolver(st store.EntryStore, suffix string, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		store:   st,
		suffix:  suffix,
		logger:  logger,
		metrics: m,
	}
}

// Resolve applies rec. Operations on different entries may run concurrently.
func (r *Resolver) Resolve(ctx context.Context, rec *model.ChangeRecord) (Result, error) {
	switch rec.Op {
	case model.OpAdd:
		return r.resolveAdd(ctx, rec)
	case model.OpDelete:
		return r.resolveDelete(ctx, rec)
	case model.OpModify:
		return r.resolveModify(ctx, rec)
	case model.OpModRDN:
		return r.resolveModRDN(ctx, rec)
	default:
		return Result{}, errors.Validation(fmt.Sprintf("unknown operation %q", rec.Op))
	}
}

func (r *Resolver) ignored(rec *model.ChangeRecord, dn, reason string) (Result, error) {
	r.metrics.RecordIgnored(string(rec.Op))
	r.logger.Debug("Change ignored",
		zap.String("csn", rec.CSN.String()),
		zap.String("op", string(rec.Op)),
		zap.String("dn", rec.TargetDN),
		zap.String("reason", reason))
	return Result{Outcome: OutcomeIgnored, DN: dn}, nil
}

// lookup finds the target of rec by nsuniqueid. A change that names its
// target only by DN gets the live entry there or, failing that, the tombstone
// most recently left at that DN.
func (r *Resolver) lookup(ctx context.Context, rec *model.ChangeRecord) (*model.Entry, error) {
	if rec.UniqueID != "" {
		e, err := r.store.GetByUniqueID(ctx, rec.UniqueID)
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return e, err
	}

	e, err := r.store.Get(ctx, rec.TargetDN)
	if err == nil {
		return e, nil
	}
	if !stderrors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return r.tombstoneAt(ctx, rec.TargetDN)
}

// tombstoneAt runs an internal search for tombstones whose original DN is dn.
func (r *Resolver) tombstoneAt(ctx context.Context, dn string) (*model.Entry, error) {
	found, err := r.store.Search(ctx, r.suffix, ldaputil.TombstoneFilter(dn))
	if err != nil {
		return nil, fmt.Errorf("tombstone lookup failed: %w", err)
	}
	var newest *model.Entry
	for _, t := range found {
		if t.Tombstone && (newest == nil || t.DeleteCSN.After(newest.DeleteCSN)) {
			newest = t
		}
	}
	return newest, nil
}

func (r *Resolver) resolveAdd(ctx context.Context, rec *model.ChangeRecord) (Result, error) {
	if rec.UniqueID == "" {
		return Result{}, errors.Validation("add without nsuniqueid")
	}
	norm, err := ldaputil.Normalize(rec.TargetDN)
	if err != nil {
		return Result{}, errors.Validation(fmt.Sprintf("invalid DN %q: %v", rec.TargetDN, err))
	}
	unlock := r.locks.lock(rec.UniqueID, norm)
	defer unlock()

	existing, err := r.lookup(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if existing != nil && !existing.Tombstone {
		return r.ignored(rec, existing.DN, "entry already present")
	}
	if existing != nil && existing.DeleteCSN.After(rec.CSN) {
		return r.absorb(ctx, rec, existing)
	}

	occupant, err := r.store.Get(ctx, rec.TargetDN)
	if err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}


	entry := model.NewEntry(rec.TargetDN, rec.UniqueID, rec.Attrs, rec.CSN)
	if occupant == nil {
		if err := r.store.Apply(ctx, entry); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeApplied, DN: entry.DN}, nil
	}
	return r.namingConflict(ctx, rec, entry, occupant)
}

// absorb drops an add that a newer delete of the same entry has already
// overtaken. A placeholder tombstone left by that delete receives the add's
// content so it matches the tombstone of replicas that saw the add first.
func (r *Resolver) absorb(ctx context.Context, rec *model.ChangeRecord, tombstone *model.Entry) (Result, error) {
	if tombstone.AddCSN.IsZero() {
		rebuilt := model.NewEntry(tombstone.DN, rec.UniqueID, rec.Attrs, rec.CSN)
		rebuilt.MakeTombstone(tombstone.DeleteCSN)
		if err := r.store.Apply(ctx, rebuilt); err != nil {
			return Result{}, err
		}
	}

	r.metrics.RecordIgnored(string(rec.Op))
	r.logger.Info("Add absorbed by newer tombstone",
		zap.String("dn", rec.TargetDN),
		zap.String("nsuniqueid", rec.UniqueID),
		zap.String("csn", rec.CSN.String()),
		zap.String("delete_csn", tombstone.DeleteCSN.String()))
	return Result{Outcome: OutcomeAbsorbed, DN: tombstone.DN}, nil
}

// namingConflict settles two live entries claiming one DN: the entry named
// most recently loses and moves to its conflict DN.
func (r *Resolver) namingConflict(ctx context.Context, rec *model.ChangeRecord, entry, occupant *model.Entry) (Result, error) {
	dn := entry.DN
	entryNewer := r.newerNaming(entry, occupant)

	loser, winner := occupant, entry
	if entryNewer {
		loser, winner = entry, occupant
	}

	conflictDN, err := ldaputil.ConflictDN(loser.UniqueID, dn)
	if err != nil {
		return Result{}, err
	}
	marker := "namingConflict " + dn
	loser.DN = conflictDN
	loser.Conflict = marker
	loser.ReplaceValues(model.AttrReplConflict, []string{marker}, rec.CSN)

	// the loser frees the DN first
	if err := r.store.Apply(ctx, loser); err != nil {
		return Result{}, err
	}
	if winner == entry {
		if err := r.store.Apply(ctx, winner); err != nil {
			return Result{}, err
		}
	}

	r.metrics.RecordConflict("naming")
	r.logger.Warn("Naming conflict resolved",
		zap.String("dn", dn),
		zap.String("winner", winner.UniqueID),
		zap.String("loser", loser.UniqueID),
		zap.String("conflict_dn", conflictDN),
		zap.String("csn", rec.CSN.String()))

	return Result{Outcome: OutcomeConflict, DN: entry.DN, ConflictDN: conflictDN}, nil
}

// newerNaming reports whether a was named after b. Equal naming CSNs cannot
// be ordered by time; the larger nsuniqueid is treated as newer.
func (r *Resolver) newerNaming(a, b *model.Entry) bool {
	switch a.RDNCSN.Compare(b.RDNCSN) {
	case 1:
		return true
	case -1:
		return false
	}
	amb := errors.ConflictAmbiguity(fmt.Sprintf("entries %s and %s named at the same CSN %s", a.UniqueID, b.UniqueID, a.RDNCSN))
	r.logger.Warn(amb.Error(), zap.String("dn", a.DN))
	return a.UniqueID > b.UniqueID
}

func (r *Resolver) resolveDelete(ctx context.Context, rec *model.ChangeRecord) (Result, error) {
	norm, err := ldaputil.Normalize(rec.TargetDN)
	if err != nil {
		return Result{}, errors.Validation(fmt.Sprintf("invalid DN %q: %v", rec.TargetDN, err))
	}
	unlock := r.locks.lock(rec.UniqueID, norm)
	defer unlock()

	e, err := r.lookup(ctx, rec)
	if err != nil {
		return Result{}, err
	}

	switch {
	case e == nil && rec.UniqueID == "":
		return r.ignored(rec, rec.TargetDN, "no such entry")
	case e == nil:
		// placeholder so a late add of this entry is absorbed
		placeholder := &model.Entry{DN: rec.TargetDN, UniqueID: rec.UniqueID}
		placeholder.MakeTombstone(rec.CSN)
		if err := r.store.Apply(ctx, placeholder); err != nil {
			return Result{}, err
		}
		return r.ignored(rec, rec.TargetDN, "no such entry, placeholder tombstone kept")
	case e.Tombstone:
		if rec.CSN.After(e.DeleteCSN) {
			e.MakeTombstone(rec.CSN)
			if err := r.store.Apply(ctx, e); err != nil {
				return Result{}, err
			}
		}
		return r.ignored(rec, e.DN, "entry already deleted")
	}

	e.MakeTombstone(rec.CSN)
	if err := r.store.Apply(ctx, e); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeApplied, DN: e.DN}, nil
}

func (r *Resolver) resolveModify(ctx context.Context, rec *model.ChangeRecord) (Result, error) {
	norm, err := ldaputil.Normalize(rec.TargetDN)
	if err != nil {
		return Result{}, errors.Validation(fmt.Sprintf("invalid DN %q: %v", rec.TargetDN, err))
	}
	unlock := r.locks.lock(rec.UniqueID, norm)
	defer unlock()

	e, err := r.lookup(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if e == nil {
		return r.ignored(rec, rec.TargetDN, "no such entry")
	}
	if e.Tombstone {
		return r.ignored(rec, e.DN, "entry deleted")
	}

	for _, m := range rec.Mods {
		e.ApplyMod(m, rec.CSN)
	}
	if err := r.store.Apply(ctx, e); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeApplied, DN: e.DN}, nil
}

func (r *Resolver) resolveModRDN(ctx context.Context, rec *model.ChangeRecord) (Result, error) {
	oldNorm, err := ldaputil.Normalize(rec.TargetDN)
	if err != nil {
		return Result{}, errors.Validation(fmt.Sprintf("invalid DN %q: %v", rec.TargetDN, err))
	}
	newAVAs, err := ldaputil.RDNAttrs(rec.NewRDN)
	if err != nil {
		return Result{}, errors.Validation(fmt.Sprintf("invalid RDN %q: %v", rec.NewRDN, err))
	}
	parent := rec.NewSuperior
	if parent == "" {
		if parent, err = ldaputil.Parent(rec.TargetDN); err != nil {
			return Result{}, err
		}
	}
	newDN := ldaputil.Join(rec.NewRDN, parent)
	newNorm, err := ldaputil.Normalize(newDN)
	if err != nil {
		return Result{}, errors.Validation(fmt.Sprintf("invalid DN %q: %v", newDN, err))
	}

	unlock := r.locks.lock(rec.UniqueID, oldNorm, newNorm)
	defer unlock()

	e, err := r.lookup(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if e == nil {
		return r.ignored(rec, rec.TargetDN, "no such entry")
	}
	if e.Tombstone {
		return r.ignored(rec, e.DN, "entry deleted")
	}

	// RDN values are state like any other value, so they are applied whether
	// or not this rename is the newest. The old RDN is the one the rename was
	// made against at its origin.
	keep := make(map[string]struct{}, len(newAVAs))
	for _, ava := range newAVAs {
		keep[strings.ToLower(ava.Type)+"="+strings.ToLower(ava.Value)] = struct{}{}
	}
	if rec.DeleteOldRDN {
		oldRDN, err := ldaputil.RDN(rec.TargetDN)
		if err != nil {
			return Result{}, err
		}
		oldAVAs, err := ldaputil.RDNAttrs(oldRDN)
		if err != nil {
			return Result{}, err
		}
		for _, ava := range oldAVAs {
			if _, ok := keep[strings.ToLower(ava.Type)+"="+strings.ToLower(ava.Value)]; ok {
				continue
			}
			e.DeleteValues(ava.Type, []string{ava.Value}, rec.CSN)
		}
	}
	for _, ava := range newAVAs {
		e.AddValues(ava.Type, []string{ava.Value}, rec.CSN)
	}

	if !rec.CSN.After(e.RDNCSN) {
		if err := r.store.Apply(ctx, e); err != nil {
			return Result{}, err
		}
		return r.ignored(rec, e.DN, "entry renamed by a newer change")
	}

	e.DN = newDN
	e.RDNCSN = rec.CSN
	occupant, err := r.store.Get(ctx, newDN)
	if err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	if occupant != nil && occupant.UniqueID != e.UniqueID {
		return r.namingConflict(ctx, rec, e, occupant)
	}
	if err := r.store.Apply(ctx, e); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeApplied, DN: e.DN}, nil
}

// Purge removes tombstones deleted before purgeBefore and drops deleted value
// state older than it. Surviving values keep their order.
func (r *Resolver) Purge(ctx context.Context, purgeBefore csn.CSN) (PurgeStats, error) {
	var stats PurgeStats
	if purgeBefore.IsZero() {
		return stats, nil
	}

	var candidates []*model.Entry
	err := r.store.ForEach(ctx, func(e *model.Entry) error {
		candidates = append(candidates, e)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to scan entries: %w", err)
	}

	for _, snap := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		norm, _ := ldaputil.Normalize(snap.DN)
		unlock := r.locks.lock(snap.UniqueID, norm)
		removedTomb, removedVals, err := r.purgeEntry(ctx, snap.UniqueID, purgeBefore)
		unlock()
		if err != nil {
			return stats, err
		}
		stats.Values += removedVals
		if removedTomb {
			stats.Tombstones++
		}
	}

	r.metrics.RecordPurged("tombstone", stats.Tombstones)
	r.metrics.RecordPurged("value", stats.Values)
	if stats.Tombstones > 0 || stats.Values > 0 {
		r.logger.Info("Purged replication state",
			zap.String("suffix", r.suffix),
			zap.String("purge_csn", purgeBefore.String()),
			zap.Int("tombstones", stats.Tombstones),
			zap.Int("values", stats.Values))
	}
	return stats, nil
}

// purgeEntry reloads the entry under its lock, since it may have changed
// since the scan.
func (r *Resolver) purgeEntry(ctx context.Context, uniqueID string, before csn.CSN) (bool, int, error) {
	e, err := r.store.GetByUniqueID(ctx, uniqueID)
	if stderrors.Is(err, store.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	if e.Tombstone && e.DeleteCSN.Less(before) {
		if err := r.store.Remove(ctx, uniqueID); err != nil && !stderrors.Is(err, store.ErrNotFound) {
			return false, 0, err
		}
		return true, 0, nil
	}

	n := e.PurgeState(before)
	if n == 0 {
		return false, 0, nil
	}
	if err := r.store.Apply(ctx, e); err != nil {
		return false, 0, err
	}
	return false, n, nil
}
