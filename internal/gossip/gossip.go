package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/metrics"
)

// Meta is what every replica advertises about itself
type Meta struct {
	ReplicaID uint16  `json:"replica_id"`
	Suffix    string  `json:"suffix"`
	Addr      string  `json:"addr,omitempty"`
	RUV       csn.RUV `json:"ruv,omitempty"`
}

// Member is a live replica as seen through gossip
type Member struct {
	Name string `json:"name"`
	Meta
}

// Config holds gossip protocol configuration
type Config struct {
	NodeName       string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	RefreshEvery   time.Duration
}

// Service tracks which peer replicas are reachable and advertises the local
// replica's update vector.
type Service struct {
	config     Config
	memberlist *memberlist.Memberlist
	local      Meta
	ruv        func() csn.RUV
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	members map[string]Member
	gone    map[uint16]struct{}
}

// New creates a gossip service and joins the seed nodes. ruv supplies the
// vector advertised in node meta.
func New(cfg Config, local Meta, ruv func() csn.RUV, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	s := newService(cfg, local, ruv, logger, m)

	mlConfig := memberlist.DefaultLocalConfig()
	if cfg.NodeName != "" {
		mlConfig.Name = cfg.NodeName
	}
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Int("joined", n), zap.Error(err))
		}
	}
	return s, nil
}

func newService(cfg Config, local Meta, ruv func() csn.RUV, logger *zap.Logger, m *metrics.Metrics) *Service {
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = 10 * time.Second
	}
	return &Service{
		config:  cfg,
		local:   local,
		ruv:     ruv,
		logger:  logger,
		metrics: m,
		members: make(map[string]Member),
		gone:    make(map[uint16]struct{}),
	}
}

// LocalAddr returns the gossip address of this node.
func (s *Service) LocalAddr() string {
	n := s.memberlist.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

func (s *Service) meta() []byte {
	m := s.local
	if s.ruv != nil {
		m.RUV = s.ruv()
	}
	data, _ := json.Marshal(m)
	return data
}

// NodeMeta implements memberlist.Delegate. A vector too large for the limit
// is dropped rather than truncated.
func (s *Service) NodeMeta(limit int) []byte {
	data := s.meta()
	if len(data) <= limit {
		return data
	}
	m := s.local
	data, _ = json.Marshal(m)
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

func (s *Service) upsert(name string, raw []byte) {
	var meta Meta
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &meta); err != nil {
			s.logger.Warn("Failed to decode node meta", zap.String("node", name), zap.Error(err))
			return
		}
	}
	if meta.ReplicaID == 0 || meta.ReplicaID == s.local.ReplicaID {
		return
	}

	s.mu.Lock()
	s.members[name] = Member{Name: name, Meta: meta}
	delete(s.gone, meta.ReplicaID)
	n := len(s.members)
	s.mu.Unlock()
	s.metrics.UpdateGossipMembers(n)
}

func (s *Service) remove(name string) {
	s.mu.Lock()
	m, ok := s.members[name]
	if ok {
		delete(s.members, name)
		s.gone[m.ReplicaID] = struct{}{}
	}
	n := len(s.members)
	s.mu.Unlock()
	if ok {
		s.logger.Warn("Replica unreachable", zap.String("node", name), zap.Uint16("replica_id", m.ReplicaID))
		s.metrics.UpdateGossipMembers(n)
	}
}

// IsAlive reports whether the replica is reachable. A replica gossip has never
// seen is assumed alive; one that failed or left is not.
func (s *Service) IsAlive(replicaID uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, gone := s.gone[replicaID]
	return !gone
}

// Members returns the live peer replicas ordered by replica ID.
func (s *Service) Members() []Member {
	s.mu.RLock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaID < out[j].ReplicaID })
	return out
}

// Run re-advertises the local update vector until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.RefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.memberlist.UpdateNode(s.config.RefreshEvery); err != nil {
				s.logger.Debug("Failed to refresh node meta", zap.Error(err))
			}
		}
	}
}

// Shutdown leaves the cluster and shuts down the gossip service
func (s *Service) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// eventDelegate handles memberlist events
type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node", node.Name),
		zap.String("addr", node.Address()))
	d.service.upsert(node.Name, node.Meta)
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left", zap.String("node", node.Name))
	d.service.remove(node.Name)
}

// NotifyUpdate is called when a node's meta changes
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated", zap.String("node", node.Name))
	d.service.upsert(node.Name, node.Meta)
}
