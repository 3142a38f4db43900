package replica

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clayne/389-ds-base/internal/agreement"
	"github.com/clayne/389-ds-base/internal/changelog"
	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/ldaputil"
	"github.com/clayne/389-ds-base/internal/metrics"
	"github.com/clayne/389-ds-base/internal/model"
	"github.com/clayne/389-ds-base/internal/shipper"
	"github.com/clayne/389-ds-base/internal/store"
	"github.com/clayne/389-ds-base/internal/urp"
)

// Config holds per-suffix runtime settings
type Config struct {
	Shipper       shipper.Config
	TrimInterval  time.Duration
	PurgeInterval time.Duration
}

// Deps are the collaborators a replica is built from. Changelog, Store and
// Registry are required; the rest may be nil.
type Deps struct {
	Generator *csn.Generator
	Changelog *changelog.Changelog
	Store     store.EntryStore
	Registry  *agreement.Registry
	State     store.StateStore
	Dial      shipper.Dialer
	Liveness  shipper.Liveness
}

// Replica is the replication context of one suffix on this server: the write
// path for local changes, the apply path for shipped ones, and the shippers
// and maintenance that keep peers converged.
type Replica struct {
	cfg        Config
	suffix     string
	norm       string
	gen        *csn.Generator
	changelog  *changelog.Changelog
	store      store.EntryStore
	resolver   *urp.Resolver
	registry   *agreement.Registry
	supervisor *shipper.Supervisor
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// serializes changelog appends with their application for the suffix
	mu sync.Mutex
}

// Option configures a Replica.
type Option func(*Replica)

// WithClock replaces the wall clock used by maintenance.
func WithClock(now func() time.Time) Option {
	return func(r *Replica) { r.now = now }
}

// New wires a replica for the suffix held by the registry settings.
func New(cfg Config, deps Deps, logger *zap.Logger, m *metrics.Metrics, opts ...Option) (*Replica, error) {
	settings := deps.Registry.Settings()
	norm, err := ldaputil.Normalize(settings.Suffix)
	if err != nil {
		return nil, errors.InvalidAttribute(agreement.AttrRoot, settings.Suffix, err.Error())
	}
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = 5 * time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}

	logger = logger.With(zap.String("suffix", settings.Suffix))
	gen := deps.Generator
	if gen == nil {
		genOpts := []csn.Option{csn.WithLogger(logger)}
		if deps.State != nil {
			genOpts = append(genOpts, csn.WithWatermarkStore(deps.State, fmt.Sprintf("csngen-%d", settings.ReplicaID)))
		}
		if m != nil {
			genOpts = append(genOpts, csn.WithIssueHook(m.RecordCSNIssued))
		}
		gen = csn.NewGenerator(settings.ReplicaID, genOpts...)
	}

	r := &Replica{
		cfg:       cfg,
		suffix:    settings.Suffix,
		norm:      norm,
		gen:       gen,
		changelog: deps.Changelog,
		store:     deps.Store,
		resolver:  urp.NewResolver(deps.Store, settings.Suffix, logger, m),
		registry:  deps.Registry,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	dial := deps.Dial
	if dial == nil {
		dial = func(a *agreement.Agreement) (shipper.Peer, error) {
			return nil, fmt.Errorf("no transport configured for %s", a.Addr())
		}
	}
	r.supervisor = shipper.NewSupervisor(deps.Registry, deps.Changelog, dial, cfg.Shipper,
		deps.State, deps.Liveness, logger, m)
	return r, nil
}

// Suffix returns the replicated suffix.
func (r *Replica) Suffix() string { return r.suffix }

// Generator returns the suffix's CSN generator.
func (r *Replica) Generator() *csn.Generator { return r.gen }

// Registry returns the agreement registry.
func (r *Replica) Registry() *agreement.Registry { return r.registry }

// Changelog returns the suffix's changelog.
func (r *Replica) Changelog() *changelog.Changelog { return r.changelog }

// Supervisor returns the shipper supervisor.
func (r *Replica) Supervisor() *shipper.Supervisor { return r.supervisor }

// Start restores the generator watermark and makes sure it sorts after every
// change already in the changelog.
func (r *Replica) Start(ctx context.Context) error {
	if err := r.gen.Restore(ctx); err != nil {
		return err
	}
	for _, c := range r.changelog.RUV() {
		r.gen.Observe(c)
	}
	r.logger.Info("Replica started",
		zap.Uint16("replica_id", r.gen.ReplicaID()),
		zap.Stringer("watermark", r.gen.Watermark()),
		zap.Int("changelog_entries", r.changelog.Len()),
		zap.Int("agreements", len(r.registry.List())))
	return nil
}

// Stop persists the generator watermark and every peer update vector.
func (r *Replica) Stop(ctx context.Context) error {
	var errs []error
	if err := r.gen.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.supervisor.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	r.logger.Info("Replica stopped", zap.Stringer("watermark", r.gen.Watermark()))
	return stderrors.Join(errs...)
}

// inSuffix normalizes dn and checks it lies under the replicated suffix.
func (r *Replica) inSuffix(dn string) (string, error) {
	norm, err := ldaputil.Normalize(dn)
	if err != nil {
		return "", errors.Validation(fmt.Sprintf("invalid DN %q: %v", dn, err))
	}
	if norm == "" || !ldaputil.IsUnder(norm, r.norm) {
		return "", errors.Validation(fmt.Sprintf("%s is not under %s", dn, r.suffix))
	}
	return norm, nil
}

// Halted returns a SuffixHalted error once a changelog write has failed.
func (r *Replica) Halted() error { return r.halted() }

func (r *Replica) halted() error {
	if err := r.changelog.Halted(); err != nil {
		return errors.SuffixHalted(r.suffix, err)
	}
	return nil
}

// live returns the live entry at dn or a NotFound error.
func (r *Replica) live(ctx context.Context, dn string) (*model.Entry, error) {
	e, err := r.store.Get(ctx, dn)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFound(dn)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns the live entry at dn.
func (r *Replica) Get(ctx context.Context, dn string) (*model.Entry, error) {
	if _, err := r.inSuffix(dn); err != nil {
		return nil, err
	}
	return r.live(ctx, dn)
}

// Add creates an entry and returns its nsuniqueid.
func (r *Replica) Add(ctx context.Context, dn string, attrs []model.Attr) (string, error) {
	if _, err := r.inSuffix(dn); err != nil {
		return "", err
	}
	for _, a := range attrs {
		if strings.EqualFold(a.Name, "nsuniqueid") {
			return "", errors.Validation("nsuniqueid is assigned by the server")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.halted(); err != nil {
		return "", err
	}
	exists, err := r.store.Exists(ctx, dn)
	if err != nil {
		return "", err
	}
	if exists {
		return "", errors.AlreadyExists(dn)
	}

	uid := uuid.New().String()
	rec := &model.ChangeRecord{
		Op:       model.OpAdd,
		TargetDN: dn,
		UniqueID: uid,
		Attrs:    attrs,
	}
	if err := r.commit(ctx, rec, nil); err != nil {
		return "", err
	}
	return uid, nil
}

// Modify applies attribute modifications to the entry at dn.
func (r *Replica) Modify(ctx context.Context, dn string, mods []model.Mod) error {
	if _, err := r.inSuffix(dn); err != nil {
		return err
	}
	if len(mods) == 0 {
		return errors.Validation("modify without modifications")
	}
	for _, m := range mods {
		switch m.Type {
		case model.ModAdd, model.ModDelete, model.ModReplace:
		default:
			return errors.Validation(fmt.Sprintf("unknown modification type %q", m.Type))
		}
		if m.Attr == "" {
			return errors.Validation("modification without attribute")
		}
		if strings.EqualFold(m.Attr, "nsuniqueid") {
			return errors.Validation("nsuniqueid cannot be modified")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.halted(); err != nil {
		return err
	}
	e, err := r.live(ctx, dn)
	if err != nil {
		return err
	}
	return r.commit(ctx, &model.ChangeRecord{
		Op:       model.OpModify,
		TargetDN: e.DN,
		UniqueID: e.UniqueID,
		Mods:     mods,
	}, e)
}

// Delete turns the entry at dn into a tombstone.
func (r *Replica) Delete(ctx context.Context, dn string) error {
	if _, err := r.inSuffix(dn); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.halted(); err != nil {
		return err
	}
	e, err := r.live(ctx, dn)
	if err != nil {
		return err
	}
	return r.commit(ctx, &model.ChangeRecord{
		Op:       model.OpDelete,
		TargetDN: e.DN,
		UniqueID: e.UniqueID,
	}, e)
}

// ModRDN renames the entry at dn. An empty newSuperior keeps the parent.
func (r *Replica) ModRDN(ctx context.Context, dn, newRDN string, deleteOldRDN bool, newSuperior string) error {
	if _, err := r.inSuffix(dn); err != nil {
		return err
	}
	if _, err := ldaputil.RDNAttrs(newRDN); err != nil {
		return errors.Validation(fmt.Sprintf("invalid RDN %q: %v", newRDN, err))
	}
	parent := newSuperior
	if parent == "" {
		p, err := ldaputil.Parent(dn)
		if err != nil {
			return errors.Validation(err.Error())
		}
		parent = p
	}
	newDN := ldaputil.Join(newRDN, parent)
	newNorm, err := r.inSuffix(newDN)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.halted(); err != nil {
		return err
	}
	e, err := r.live(ctx, dn)
	if err != nil {
		return err
	}
	if oldNorm, _ := ldaputil.Normalize(e.DN); oldNorm != newNorm {
		exists, err := r.store.Exists(ctx, newDN)
		if err != nil {
			return err
		}
		if exists {
			return errors.AlreadyExists(newDN)
		}
	}
	return r.commit(ctx, &model.ChangeRecord{
		Op:           model.OpModRDN,
		TargetDN:     e.DN,
		UniqueID:     e.UniqueID,
		NewRDN:       newRDN,
		DeleteOldRDN: deleteOldRDN,
		NewSuperior:  newSuperior,
	}, e)
}

// commit stamps a local change, applies it and logs it. Caller holds mu.
// Nothing reaches the changelog unless the store took the change; when the
// append fails after that, the entry goes back to before (nil for an add).
func (r *Replica) commit(ctx context.Context, rec *model.ChangeRecord, before *model.Entry) error {
	rec.CSN = r.gen.Next()
	rec.Suffix = r.suffix

	res, err := r.resolver.Resolve(ctx, rec)
	if err != nil {
		r.logger.Error("Failed to apply local change",
			zap.Stringer("csn", rec.CSN),
			zap.String("op", string(rec.Op)),
			zap.String("dn", rec.TargetDN),
			zap.Error(err))
		return err
	}
	if err := r.changelog.Append(ctx, rec); err != nil {
		r.undo(ctx, rec, before)
		return err
	}

	r.logger.Debug("Local change committed",
		zap.Stringer("csn", rec.CSN),
		zap.String("op", string(rec.Op)),
		zap.String("dn", res.DN))
	r.supervisor.Notify()
	return nil
}

// undo restores the entry a local change touched before it could be logged.
func (r *Replica) undo(ctx context.Context, rec *model.ChangeRecord, before *model.Entry) {
	var err error
	if before == nil {
		err = r.store.Remove(ctx, rec.UniqueID)
	} else {
		err = r.store.Apply(ctx, before)
	}
	if err != nil {
		r.logger.Error("Failed to undo unlogged change",
			zap.Stringer("csn", rec.CSN),
			zap.String("dn", rec.TargetDN),
			zap.Error(err))
	}
}

// Receive applies changes shipped by a peer. Changes already in the
// changelog are skipped; the rest are resolved and logged with their
// original CSN so they are forwarded to this replica's own peers.
func (r *Replica) Receive(ctx context.Context, req *model.ShipRequest) (*model.ShipResponse, error) {
	if err := r.checkSuffix(req.Suffix); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.halted(); err != nil {
		return nil, err
	}

	resp := &model.ShipResponse{}
	for _, rec := range req.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rec.CSN.IsZero() || !rec.Op.Valid() {
			r.reject(req.Sender, rec, errors.Validation("malformed change record"))
			resp.Rejected++
			continue
		}
		if r.changelog.Contains(rec.CSN) {
			resp.Skipped++
			continue
		}

		r.gen.Observe(rec.CSN)
		rec.Suffix = r.suffix
		res, err := r.resolver.Resolve(ctx, rec)
		if errors.IsValidation(err) {
			// retrying cannot help, and would stall the agreement behind it
			r.reject(req.Sender, rec, err)
			resp.Rejected++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", rec.CSN, err)
		}
		if err := r.changelog.Append(ctx, rec); err != nil {
			return nil, err
		}
		resp.Applied++

		if res.Outcome == urp.OutcomeConflict {
			r.logger.Info("Replicated change caused a naming conflict",
				zap.Stringer("csn", rec.CSN),
				zap.String("dn", res.DN),
				zap.String("conflict_dn", res.ConflictDN))
		}
	}

	if resp.Applied > 0 {
		r.supervisor.Notify()
	}
	resp.RUV = r.changelog.RUV()
	return resp, nil
}

func (r *Replica) reject(sender uint16, rec *model.ChangeRecord, err error) {
	r.metrics.RecordIgnored("rejected")
	r.logger.Error("Dropping replicated change that cannot be applied",
		zap.Uint16("sender", sender),
		zap.Stringer("csn", rec.CSN),
		zap.String("op", string(rec.Op)),
		zap.String("dn", rec.TargetDN),
		zap.Error(err))
}

// RUV returns the update vector of the suffix.
func (r *Replica) RUV(ctx context.Context, suffix string) (csn.RUV, error) {
	if err := r.checkSuffix(suffix); err != nil {
		return nil, err
	}
	return r.changelog.RUV(), nil
}

func (r *Replica) checkSuffix(suffix string) error {
	norm, err := ldaputil.Normalize(suffix)
	if err != nil || norm != r.norm {
		return errors.NotFound("suffix " + suffix)
	}
	return nil
}
