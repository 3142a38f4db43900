// Package server provides the admin HTTP surface of a replica: health,
// metrics, replica and agreement attributes, and admin tasks. Suffix-scoped
// routes take a ?suffix= parameter and default to the first suffix; entry
// routes pick the suffix from the DN.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clayne/389-ds-base/internal/agreement"
	"github.com/clayne/389-ds-base/internal/config"
	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/model"
	"github.com/clayne/389-ds-base/internal/replica"
	"github.com/clayne/389-ds-base/internal/shipper"
	"github.com/clayne/389-ds-base/internal/task"
)

// Check is a readiness probe of one dependency.
type Check func(ctx context.Context) error

// AdminServer serves the admin surface over HTTP.
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	replicas   *replica.Set
	tasks      *task.Manager
	cfg        config.AdminConfig
	logger     *zap.Logger

	mu     sync.RWMutex
	checks map[string]Check
}

// NewAdminServer creates the admin server.
func NewAdminServer(cfg config.AdminConfig, replicas *replica.Set, tasks *task.Manager, logger *zap.Logger) *AdminServer {
	s := &AdminServer{
		router:   mux.NewRouter(),
		replicas: replicas,
		tasks:    tasks,
		cfg:      cfg,
		logger:   logger,
		checks:   make(map[string]Check),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

// MountMetrics serves the metrics of g at path.
func (s *AdminServer) MountMetrics(path string, g prometheus.Gatherer) {
	s.router.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// AddCheck registers a readiness probe reported by /ready.
func (s *AdminServer) AddCheck(name string, c Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = c
}

func (s *AdminServer) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
	}
	if s.cfg.RateLimit > 0 {
		chain = append(chain, NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst, s.logger).Limit)
	}
	s.router.Use(Chain(chain...))

	s.router.HandleFunc("/health", s.liveness).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readiness).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/suffixes", s.listSuffixes).Methods(http.MethodGet)
	v1.HandleFunc("/replica/ruv", s.getRUV).Methods(http.MethodGet)
	v1.HandleFunc("/replica/attrs/{attr}", s.getReplicaAttr).Methods(http.MethodGet)
	v1.HandleFunc("/replica/attrs/{attr}", s.setReplicaAttr).Methods(http.MethodPut)
	v1.HandleFunc("/replica/attrs/{attr}", s.deleteReplicaAttr).Methods(http.MethodDelete)

	v1.HandleFunc("/agreements", s.listAgreements).Methods(http.MethodGet)
	v1.HandleFunc("/agreements/{id}", s.getAgreement).Methods(http.MethodGet)
	v1.HandleFunc("/agreements/{id}/attrs/{attr}", s.getAgreementAttr).Methods(http.MethodGet)
	v1.HandleFunc("/agreements/{id}/attrs/{attr}", s.setAgreementAttr).Methods(http.MethodPut)
	v1.HandleFunc("/agreements/{id}/pause", s.pauseAgreement).Methods(http.MethodPost)
	v1.HandleFunc("/agreements/{id}/resume", s.resumeAgreement).Methods(http.MethodPost)

	v1.HandleFunc("/entries", s.getEntry).Methods(http.MethodGet)
	v1.HandleFunc("/entries", s.addEntry).Methods(http.MethodPost)
	v1.HandleFunc("/entries", s.modifyEntry).Methods(http.MethodPatch)
	v1.HandleFunc("/entries", s.deleteEntry).Methods(http.MethodDelete)
	v1.HandleFunc("/entries/rename", s.renameEntry).Methods(http.MethodPost)

	v1.HandleFunc("/tasks", s.listTasks).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/csngen-test", s.csngenTest).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}", s.getTask).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "INVALID_REQUEST", "method not allowed")
	})
}

// Start serves until Shutdown.
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler, for tests.
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

func (s *AdminServer) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadinessResponse is the body of /ready.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *AdminServer) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadinessResponse{Status: "ready", Checks: make(map[string]string)}
	code := http.StatusOK
	for _, rep := range s.replicas.List() {
		name := "changelog:" + rep.Suffix()
		if err := rep.Halted(); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status, code = "not_ready", http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "healthy"
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status, code = "not_ready", http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "healthy"
	}
	writeJSON(w, code, resp)
}

// AttrValue is the body of attribute reads and writes.
type AttrValue struct {
	Attr  string `json:"attr"`
	Value string `json:"value"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Validation(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// replicaFor returns the replica named by the suffix query parameter, or the
// first suffix when there is none.
func (s *AdminServer) replicaFor(r *http.Request) (*replica.Replica, error) {
	if suffix := r.URL.Query().Get("suffix"); suffix != "" {
		return s.replicas.Get(suffix)
	}
	if rep := s.replicas.Default(); rep != nil {
		return rep, nil
	}
	return nil, errors.NotFound("suffix")
}

// SuffixView is the replication state of one suffix.
type SuffixView struct {
	Suffix     string  `json:"suffix"`
	ReplicaID  uint16  `json:"replica_id"`
	RUV        csn.RUV `json:"ruv"`
	Agreements int     `json:"agreements"`
	Halted     string  `json:"halted,omitempty"`
}

func suffixView(rep *replica.Replica) SuffixView {
	v := SuffixView{
		Suffix:     rep.Suffix(),
		ReplicaID:  rep.Generator().ReplicaID(),
		RUV:        rep.Changelog().RUV(),
		Agreements: len(rep.Registry().List()),
	}
	if err := rep.Halted(); err != nil {
		v.Halted = err.Error()
	}
	return v
}

func (s *AdminServer) listSuffixes(w http.ResponseWriter, r *http.Request) {
	reps := s.replicas.List()
	out := make([]SuffixView, 0, len(reps))
	for _, rep := range reps {
		out = append(out, suffixView(rep))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *AdminServer) getRUV(w http.ResponseWriter, r *http.Request) {
	rep, err := s.replicaFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	ruv, err := rep.RUV(r.Context(), rep.Suffix())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Suffix string  `json:"suffix"`
		RUV    csn.RUV `json:"ruv"`
	}{rep.Suffix(), ruv})
}

// registryFor returns the agreement registry of the requested suffix.
func (s *AdminServer) registryFor(r *http.Request) (*agreement.Registry, error) {
	rep, err := s.replicaFor(r)
	if err != nil {
		return nil, err
	}
	return rep.Registry(), nil
}

func (s *AdminServer) getReplicaAttr(w http.ResponseWriter, r *http.Request) {
	attr := mux.Vars(r)["attr"]
	registry, err := s.registryFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	v, err := registry.GetReplicaAttr(attr)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AttrValue{Attr: attr, Value: v})
}

func (s *AdminServer) setReplicaAttr(w http.ResponseWriter, r *http.Request) {
	attr := mux.Vars(r)["attr"]
	var body AttrValue
	if err := decode(r, &body); err != nil {
		s.handleError(w, r, err)
		return
	}
	registry, err := s.registryFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if err := registry.SetReplicaAttr(attr, body.Value); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.getReplicaAttr(w, r)
}

func (s *AdminServer) deleteReplicaAttr(w http.ResponseWriter, r *http.Request) {
	registry, err := s.registryFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if err := registry.DeleteReplicaAttr(mux.Vars(r)["attr"]); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.getReplicaAttr(w, r)
}

// AgreementView is an agreement with the live state of its shipper.
type AgreementView struct {
	*agreement.Agreement
	Status *shipper.Status `json:"status,omitempty"`
}

func statuses(rep *replica.Replica) map[string]shipper.Status {
	out := make(map[string]shipper.Status)
	for _, st := range rep.Supervisor().Status() {
		out[st.Agreement] = st
	}
	return out
}

func view(a *agreement.Agreement, statuses map[string]shipper.Status) AgreementView {
	v := AgreementView{Agreement: a}
	if st, ok := statuses[a.ID]; ok {
		v.Status = &st
	}
	return v
}

func (s *AdminServer) listAgreements(w http.ResponseWriter, r *http.Request) {
	rep, err := s.replicaFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	live := statuses(rep)
	agreements := rep.Registry().List()
	out := make([]AgreementView, 0, len(agreements))
	for _, a := range agreements {
		out = append(out, view(a, live))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *AdminServer) getAgreement(w http.ResponseWriter, r *http.Request) {
	rep, err := s.replicaFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	a, err := rep.Registry().Get(mux.Vars(r)["id"])
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(a, statuses(rep)))
}

func (s *AdminServer) getAgreementAttr(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	registry, err := s.registryFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	v, err := registry.GetAgreementAttr(vars["id"], vars["attr"])
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AttrValue{Attr: vars["attr"], Value: v})
}

func (s *AdminServer) setAgreementAttr(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body AttrValue
	if err := decode(r, &body); err != nil {
		s.handleError(w, r, err)
		return
	}
	registry, err := s.registryFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if err := registry.SetAgreementAttr(vars["id"], vars["attr"], body.Value); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.getAgreement(w, r)
}

func (s *AdminServer) pauseAgreement(w http.ResponseWriter, r *http.Request) {
	rep, err := s.replicaFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if err := rep.Supervisor().Pause(mux.Vars(r)["id"]); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.getAgreement(w, r)
}

func (s *AdminServer) resumeAgreement(w http.ResponseWriter, r *http.Request) {
	rep, err := s.replicaFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if err := rep.Supervisor().Resume(mux.Vars(r)["id"]); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.getAgreement(w, r)
}

// EntryView is the visible content of an entry.
type EntryView struct {
	DN       string              `json:"dn"`
	UniqueID string              `json:"nsuniqueid"`
	Attrs    map[string][]string `json:"attrs"`
}

// EntryRequest is the body of entry writes. Attrs is used by add, Mods by
// modify and the rename fields by rename.
type EntryRequest struct {
	DN           string       `json:"dn"`
	Attrs        []model.Attr `json:"attrs,omitempty"`
	Mods         []model.Mod  `json:"mods,omitempty"`
	NewRDN       string       `json:"newrdn,omitempty"`
	DeleteOldRDN bool         `json:"deleteoldrdn,omitempty"`
	NewSuperior  string       `json:"newsuperior,omitempty"`
}

func (s *AdminServer) writeEntry(w http.ResponseWriter, r *http.Request, status int, dn string) {
	rep, err := s.replicas.ForDN(dn)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	e, err := rep.Get(r.Context(), dn)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, status, EntryView{DN: e.DN, UniqueID: e.UniqueID, Attrs: e.Visible()})
}

func (s *AdminServer) getEntry(w http.ResponseWriter, r *http.Request) {
	dn := r.URL.Query().Get("dn")
	if dn == "" {
		s.handleError(w, r, errors.Validation("dn query parameter is required"))
		return
	}
	s.writeEntry(w, r, http.StatusOK, dn)
}

func (s *AdminServer) addEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := decode(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}
	rep, err := s.replicas.ForDN(req.DN)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if _, err := rep.Add(r.Context(), req.DN, req.Attrs); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeEntry(w, r, http.StatusCreated, req.DN)
}

func (s *AdminServer) modifyEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := decode(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}
	rep, err := s.replicas.ForDN(req.DN)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if err := rep.Modify(r.Context(), req.DN, req.Mods); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeEntry(w, r, http.StatusOK, req.DN)
}

func (s *AdminServer) deleteEntry(w http.ResponseWriter, r *http.Request) {
	dn := r.URL.Query().Get("dn")
	if dn == "" {
		s.handleError(w, r, errors.Validation("dn query parameter is required"))
		return
	}
	rep, err := s.replicas.ForDN(dn)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if err := rep.Delete(r.Context(), dn); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) renameEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := decode(r, &req); err != nil {
		s.handleError(w, r, err)
		return
	}
	rep, err := s.replicas.ForDN(req.DN)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if err := rep.ModRDN(r.Context(), req.DN, req.NewRDN, req.DeleteOldRDN, req.NewSuperior); err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

// CSNGenTestRequest parameterizes the generator self-test. Duration is a Go
// duration string.
type CSNGenTestRequest struct {
	Workers  int    `json:"workers"`
	Duration string `json:"duration"`
}

func (s *AdminServer) csngenTest(w http.ResponseWriter, r *http.Request) {
	var req CSNGenTestRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.handleError(w, r, err)
			return
		}
	}
	var d time.Duration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil || d <= 0 {
			s.handleError(w, r, errors.Validation(fmt.Sprintf("invalid duration %q", req.Duration)))
			return
		}
	}
	rep, err := s.replicaFor(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	info, err := s.tasks.Submit(task.KindCSNGenTest, task.CSNGenTest(rep.Generator(), req.Workers, d))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (s *AdminServer) getTask(w http.ResponseWriter, r *http.Request) {
	info, err := s.tasks.Get(mux.Vars(r)["id"])
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *AdminServer) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tasks.List())
}
