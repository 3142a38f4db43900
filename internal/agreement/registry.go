package agreement

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/clayne/389-ds-base/internal/errors"
)

// EventType identifies a registry change
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
	EventReplica EventType = "replica"
)

// Event is delivered to subscribers after a change has been committed.
// Agreement is a copy and is nil for EventReplica.
type Event struct {
	Type      EventType
	Agreement *Agreement
	Settings  ReplicaSettings
}

// document is the on-disk layout of the agreements file
type document struct {
	Replica    ReplicaSettings `yaml:"replica"`
	Agreements []*Agreement    `yaml:"agreements"`
}

// Registry owns the replica settings and agreements of one suffix. Every
// change is copied, validated and only then committed; a refused change is
// logged and leaves the previous configuration in place.
type Registry struct {
	mu          sync.RWMutex
	path        string
	settings    ReplicaSettings
	agreements  map[string]*Agreement
	subscribers []func(Event)
	logger      *zap.Logger
}

// NewRegistry creates a registry persisted at path. An existing file is
// loaded and its replica settings replace settings; an empty path keeps the
// registry in memory only.
func NewRegistry(path string, settings ReplicaSettings, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		path:       path,
		settings:   settings,
		agreements: make(map[string]*Agreement),
		logger:     logger,
	}
	if path == "" {
		return r, ValidateSettings(&r.settings)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, ValidateSettings(&r.settings)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agreements file: %w", err)
	}

	doc := document{Replica: settings}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse agreements file: %w", err)
	}
	if err := ValidateSettings(&doc.Replica); err != nil {
		return nil, err
	}
	r.settings = doc.Replica
	for _, a := range doc.Agreements {
		if a.State == "" {
			a.State = StateActive
		}
		if err := r.validate(a); err != nil {
			return nil, fmt.Errorf("agreement %s: %w", a.ID, err)
		}
		r.agreements[a.ID] = a
	}

	logger.Info("Loaded replication agreements",
		zap.String("path", path),
		zap.Int("agreements", len(r.agreements)))
	return r, nil
}

// Subscribe registers fn for every committed change. fn runs synchronously
// after the registry lock is released.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Settings returns the replica settings.
func (r *Registry) Settings() ReplicaSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Get returns a copy of the agreement.
func (r *Registry) Get(id string) (*Agreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agreements[id]
	if !ok {
		return nil, errors.NotFound("agreement " + id)
	}
	return a.Copy(), nil
}

// List returns copies of all agreements ordered by ID.
func (r *Registry) List() []*Agreement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agreement, 0, len(r.agreements))
	for _, a := range r.agreements {
		out = append(out, a.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Backoff returns the effective backoff bounds of a, inheriting the replica
// settings for unset values.
func (r *Registry) Backoff(a *Agreement) (time.Duration, time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backoff(a, r.settings)
}

func (r *Registry) backoff(a *Agreement, s ReplicaSettings) (time.Duration, time.Duration) {
	lo, hi := a.BackoffMin, a.BackoffMax
	if lo == 0 {
		lo = s.BackoffMin
	}
	if hi == 0 {
		hi = s.BackoffMax
	}
	return lo, hi
}

// validate checks a and its effective backoff bounds. Caller holds mu.
func (r *Registry) validate(a *Agreement) error {
	if err := Validate(a); err != nil {
		return err
	}
	if a.ReplicaID != 0 && a.ReplicaID != r.settings.ReplicaID {
		return errors.Validation(fmt.Sprintf("agreement %s belongs to replica %d, not %d", a.ID, a.ReplicaID, r.settings.ReplicaID))
	}
	lo, hi := r.backoff(a, r.settings)
	if lo > hi {
		return errors.InvalidAttribute(AttrBackoffMax, seconds(hi),
			fmt.Sprintf("must be greater than or equal to %s (%s)", AttrBackoffMin, seconds(lo)))
	}
	return nil
}

// reject logs a refused configuration change at error level.
func (r *Registry) reject(target string, err error) error {
	r.logger.Error(err.Error(), zap.String("target", target))
	return err
}

// Add registers a new agreement.
func (r *Registry) Add(a *Agreement) error {
	r.mu.Lock()
	a = a.Copy()
	if a.ReplicaID == 0 {
		a.ReplicaID = r.settings.ReplicaID
	}
	if a.State == "" {
		a.State = StateActive
	}
	if _, ok := r.agreements[a.ID]; ok {
		r.mu.Unlock()
		return errors.AlreadyExists("agreement " + a.ID)
	}
	if err := r.validate(a); err != nil {
		r.mu.Unlock()
		return r.reject(a.ID, err)
	}
	r.agreements[a.ID] = a
	return r.commit(Event{Type: EventAdded, Agreement: a.Copy()})
}

// Remove deletes an agreement; its shipper is stopped by the subscriber.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	a, ok := r.agreements[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("agreement " + id)
	}
	delete(r.agreements, id)
	return r.commit(Event{Type: EventRemoved, Agreement: a.Copy()})
}

// SetAgreementAttr modifies one agreement attribute.
func (r *Registry) SetAgreementAttr(id, attr, value string) error {
	return r.updateAgreement(id, func(a *Agreement) error {
		return a.SetAttr(attr, value)
	})
}

// GetAgreementAttr reads one agreement attribute.
func (r *Registry) GetAgreementAttr(id, attr string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agreements[id]
	if !ok {
		return "", errors.NotFound("agreement " + id)
	}
	return a.GetAttr(attr)
}

// SetState pauses or resumes an agreement.
func (r *Registry) SetState(id string, state State) error {
	return r.updateAgreement(id, func(a *Agreement) error {
		a.State = state
		return nil
	})
}

func (r *Registry) updateAgreement(id string, fn func(*Agreement) error) error {
	r.mu.Lock()
	cur, ok := r.agreements[id]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("agreement " + id)
	}
	next := cur.Copy()
	if err := fn(next); err != nil {
		r.mu.Unlock()
		return r.reject(id, err)
	}
	if err := r.validate(next); err != nil {
		r.mu.Unlock()
		return r.reject(id, err)
	}
	r.agreements[id] = next
	return r.commit(Event{Type: EventUpdated, Agreement: next.Copy()})
}

// SetReplicaAttr modifies one replica attribute.
func (r *Registry) SetReplicaAttr(attr, value string) error {
	return r.updateSettings(func(s *ReplicaSettings) error {
		return s.SetAttr(attr, value)
	})
}

// DeleteReplicaAttr resets a replica attribute to its default.
func (r *Registry) DeleteReplicaAttr(attr string) error {
	return r.updateSettings(func(s *ReplicaSettings) error {
		return s.ResetAttr(attr)
	})
}

// GetReplicaAttr reads one replica attribute.
func (r *Registry) GetReplicaAttr(attr string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.GetAttr(attr)
}

func (r *Registry) updateSettings(fn func(*ReplicaSettings) error) error {
	r.mu.Lock()
	next := r.settings
	if err := fn(&next); err != nil {
		r.mu.Unlock()
		return r.reject("replica", err)
	}
	if err := ValidateSettings(&next); err != nil {
		r.mu.Unlock()
		return r.reject("replica", err)
	}
	if next.ReplicaID != r.settings.ReplicaID || next.Suffix != r.settings.Suffix {
		r.mu.Unlock()
		return r.reject("replica", errors.Validation("replica id and root cannot be changed on a running replica"))
	}
	// agreements inheriting the backoff bounds must stay valid
	for _, a := range r.agreements {
		lo, hi := r.backoff(a, next)
		if lo > hi {
			r.mu.Unlock()
			return r.reject(a.ID, errors.InvalidAttribute(AttrBackoffMax, seconds(hi),
				fmt.Sprintf("must be greater than or equal to %s (%s)", AttrBackoffMin, seconds(lo))))
		}
	}
	r.settings = next
	return r.commit(Event{Type: EventReplica, Settings: next})
}

// commit persists the registry and notifies subscribers. Called with mu held
// for writing; releases it.
func (r *Registry) commit(ev Event) error {
	err := r.persist()
	subs := make([]func(Event), len(r.subscribers))
	copy(subs, r.subscribers)
	if ev.Type != EventReplica {
		ev.Settings = r.settings
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Failed to persist replication agreements", zap.Error(err))
		return err
	}
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

// persist writes the registry atomically. Caller holds mu.
func (r *Registry) persist() error {
	if r.path == "" {
		return nil
	}
	doc := document{Replica: r.settings}
	for _, a := range r.agreements {
		doc.Agreements = append(doc.Agreements, a)
	}
	sort.Slice(doc.Agreements, func(i, j int) bool { return doc.Agreements[i].ID < doc.Agreements[j].ID })

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode agreements: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create agreements dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write agreements: %w", err)
	}
	return os.Rename(tmp, r.path)
}
