package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clayne/389-ds-base/internal/errors"
)

// Status is the lifecycle state of a task
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Info describes a submitted task
type Info struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Status   Status    `json:"status"`
	Result   any       `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	Created  time.Time `json:"created"`
	Finished time.Time `json:"finished,omitempty"`
}

// Func is the body of a task. Its result is reported through Info.Result.
type Func func(ctx context.Context) (any, error)

// Manager tracks admin tasks run on a Pool
type Manager struct {
	pool   *Pool
	logger *zap.Logger
	keep   int

	mu    sync.RWMutex
	tasks map[string]*Info
}

// NewManager creates a manager keeping the most recent keep tasks.
func NewManager(pool *Pool, keep int, logger *zap.Logger) *Manager {
	if keep <= 0 {
		keep = 100
	}
	return &Manager{
		pool:   pool,
		logger: logger,
		keep:   keep,
		tasks:  make(map[string]*Info),
	}
}

// Submit queues fn and returns its initial state.
func (m *Manager) Submit(kind string, fn Func) (Info, error) {
	info := &Info{
		ID:      uuid.New().String(),
		Kind:    kind,
		Status:  StatusQueued,
		Created: time.Now(),
	}

	m.mu.Lock()
	m.tasks[info.ID] = info
	m.evictLocked()
	snapshot := *info
	m.mu.Unlock()

	err := m.pool.submit(job{id: info.ID, fn: func(ctx context.Context) error {
		m.update(info.ID, func(i *Info) { i.Status = StatusRunning })
		defer func() {
			if r := recover(); r != nil {
				m.update(info.ID, func(i *Info) {
					i.Finished = time.Now()
					i.Status = StatusFailed
					i.Error = fmt.Sprintf("task panicked: %v", r)
				})
				// the pool counts and logs the failure
				panic(r)
			}
		}()
		result, err := fn(ctx)
		m.update(info.ID, func(i *Info) {
			i.Result = result
			i.Finished = time.Now()
			i.Status = StatusCompleted
			if err != nil {
				i.Status = StatusFailed
				i.Error = err.Error()
			}
		})
		return err
	}})
	if err != nil {
		m.mu.Lock()
		delete(m.tasks, info.ID)
		m.mu.Unlock()
		return Info{}, errors.Internal("failed to queue task", err)
	}

	m.logger.Info("Task queued", zap.String("task_id", info.ID), zap.String("kind", kind))
	return snapshot, nil
}

func (m *Manager) update(id string, fn func(*Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.tasks[id]; ok {
		fn(i)
	}
}

// evictLocked drops the oldest finished tasks beyond the retention limit.
func (m *Manager) evictLocked() {
	if len(m.tasks) <= m.keep {
		return
	}
	var finished []*Info
	for _, i := range m.tasks {
		if i.Status == StatusCompleted || i.Status == StatusFailed {
			finished = append(finished, i)
		}
	}
	sort.Slice(finished, func(a, b int) bool { return finished[a].Created.Before(finished[b].Created) })
	for _, i := range finished {
		if len(m.tasks) <= m.keep {
			return
		}
		delete(m.tasks, i.ID)
	}
}

// Get returns the state of a task.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.tasks[id]
	if !ok {
		return Info{}, errors.NotFound("task " + id)
	}
	return *i, nil
}

// List returns every retained task, newest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.tasks))
	for _, i := range m.tasks {
		out = append(out, *i)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Created.After(out[b].Created) })
	return out
}

// Stats returns the underlying pool statistics.
func (m *Manager) Stats() PoolStats {
	return m.pool.Stats()
}
