// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package task implements the cooperative task manager: per-service priority
// queues, a single dispatch loop, advisory submission dedupe, cooperative
// cancellation with group cascade, and best-effort terminal history rows.
//
// One mutex guards the maps and queues. The dispatch loop is the only
// consumer of queues and the only writer of running counts; workers run on
// their own goroutines and report back under the same mutex.
package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/models"
	"github.com/pmelling/tagsmith/internal/registry"
)

// Task lifecycle event names, in emission order.
const (
	EventQueued    = "queued"
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// Manager errors.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNoHandler    = errors.New("action has no runnable handler")
)

// ServiceDirectory is the slice of the service registry the manager needs:
// concurrency limits and readiness gating.
type ServiceDirectory interface {
	MaxConcurrency(name string) int
	CheckReady(ctx context.Context, name string) registry.ReadinessResult
}

// Listener receives task lifecycle events. Listeners run synchronously in
// registration order; panics are swallowed.
type Listener func(event string, task *models.TaskRecord)

// Submission describes one task to enqueue.
type Submission struct {
	ActionID string
	Context  json.RawMessage
	Params   json.RawMessage
	Priority models.TaskPriority
	GroupID  string
}

type runFunc func(ctx context.Context, task *models.TaskRecord) (json.RawMessage, error)

// Manager owns all live task state.
type Manager struct {
	db       *database.DB
	actions  *registry.ActionRegistry
	services ServiceDirectory

	loopInterval atomic.Int64 // nanoseconds
	debug        atomic.Bool
	historyCap   int
	historyKeep  int

	mu      sync.Mutex
	seq     uint64
	tasks   map[string]*models.TaskRecord
	queues  map[string]*priorityQueue
	running map[string]int
	cancels map[string]context.CancelFunc
	tokens  map[string]context.Context
	runners map[string]runFunc

	lmu       sync.RWMutex
	listeners []Listener
}

// NewManager creates a task manager.
func NewManager(db *database.DB, actions *registry.ActionRegistry, services ServiceDirectory, cfg config.TasksConfig) *Manager {
	m := &Manager{
		db:          db,
		actions:     actions,
		services:    services,
		historyCap:  cfg.HistoryRetentionCap,
		historyKeep: cfg.HistoryPruneTo,
		tasks:       make(map[string]*models.TaskRecord),
		queues:      make(map[string]*priorityQueue),
		running:     make(map[string]int),
		cancels:     make(map[string]context.CancelFunc),
		tokens:      make(map[string]context.Context),
		runners:     make(map[string]runFunc),
	}
	m.loopInterval.Store(int64(cfg.LoopInterval))
	return m
}

// AddListener registers a lifecycle listener.
func (m *Manager) AddListener(l Listener) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, l)
	m.lmu.Unlock()
}

// Submit resolves the action, fingerprints the submission, and enqueues a new
// task. Controller actions bypass the concurrency slot of their service so a
// parent cannot deadlock its own children.
func (m *Manager) Submit(ctx context.Context, sub Submission) (*models.TaskRecord, error) {
	action, err := m.actions.Get(sub.ActionID)
	if err != nil {
		return nil, err
	}

	record := &models.TaskRecord{
		ID:              uuid.NewString(),
		ActionID:        action.ID,
		Service:         action.Service,
		Priority:        sub.Priority,
		Status:          models.TaskQueued,
		SubmittedAt:     time.Now(),
		Context:         sub.Context,
		Params:          sub.Params,
		GroupID:         sub.GroupID,
		SkipConcurrency: action.Controller,
		CtxKey:          Fingerprint(sub.Context),
		ParamsKey:       Fingerprint(sub.Params),
	}

	runner, err := m.runnerFor(action)
	if err != nil {
		return nil, err
	}

	tokenCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.seq++
	m.tasks[record.ID] = record
	m.cancels[record.ID] = cancel
	m.tokens[record.ID] = tokenCtx
	m.runners[record.ID] = runner
	q, ok := m.queues[record.Service]
	if !ok {
		q = &priorityQueue{}
		m.queues[record.Service] = q
	}
	q.push(queueEntry{priority: record.Priority, seq: m.seq, taskID: record.ID})
	snapshot := *record
	m.mu.Unlock()

	m.emit(EventQueued, &snapshot)
	if m.debug.Load() {
		logging.Ctx(ctx).Debug().
			Str("task_id", record.ID).
			Str("action_id", record.ActionID).
			Str("service", record.Service).
			Str("priority", record.Priority.String()).
			Msg("task queued")
	}
	return &snapshot, nil
}

func (m *Manager) runnerFor(action *registry.Action) (runFunc, error) {
	switch {
	case action.Controller && action.ControllerHandler != nil:
		handler := action.ControllerHandler
		return func(ctx context.Context, task *models.TaskRecord) (json.RawMessage, error) {
			return handler.RunController(ctx, task.Context, task.Params, task)
		}, nil
	case !action.Controller && action.Handler != nil:
		handler := action.Handler
		return func(ctx context.Context, task *models.TaskRecord) (json.RawMessage, error) {
			return handler.Run(ctx, task.Context, task.Params)
		}, nil
	default:
		return nil, ErrNoHandler
	}
}

// FindDuplicate returns the first live task matching the action and the
// submission's dedupe pair, or nil. Advisory: there is no lock between this
// check and a following Submit.
func (m *Manager) FindDuplicate(actionID string, contextRaw, params json.RawMessage) *models.TaskRecord {
	ctxKey := Fingerprint(contextRaw)
	paramsKey := Fingerprint(params)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.ActionID != actionID {
			continue
		}
		switch task.Status {
		case models.TaskQueued, models.TaskRunning, models.TaskStreaming:
		default:
			continue
		}
		if task.CtxKey == ctxKey && task.ParamsKey == paramsKey {
			snapshot := *task
			return &snapshot
		}
	}
	return nil
}

// Get returns a snapshot of one task.
func (m *Manager) Get(taskID string) (*models.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	snapshot := *task
	return &snapshot, nil
}

// List returns snapshots of tasks, optionally filtered by service and
// status, ordered by submission time.
func (m *Manager) List(service string, status models.TaskStatus) []*models.TaskRecord {
	m.mu.Lock()
	out := make([]*models.TaskRecord, 0, len(m.tasks))
	for _, task := range m.tasks {
		if service != "" && task.Service != service {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		snapshot := *task
		out = append(out, &snapshot)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// QueueDepths returns the number of queued tasks per service. Used by the
// metrics collector.
func (m *Manager) QueueDepths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	depths := make(map[string]int, len(m.queues))
	for service, q := range m.queues {
		depths[service] = q.Len()
	}
	return depths
}

// RunningCounts returns the number of slot-holding running tasks per service.
func (m *Manager) RunningCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, len(m.running))
	for service, n := range m.running {
		counts[service] = n
	}
	return counts
}

// Cancel requests cancellation of a task and every task in its group.
// Returns false when the task is unknown or already terminal.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status.Terminal() {
		m.mu.Unlock()
		return false
	}

	var emitted []*models.TaskRecord
	m.cancelLocked(task, &emitted)
	m.mu.Unlock()

	for _, snapshot := range emitted {
		m.emit(EventCancelled, snapshot)
		if snapshot.GroupID == "" {
			m.persistHistory(snapshot)
		}
	}
	return true
}

// cancelLocked marks one task cancelled (or cancel-requested) and recurses
// into its children. Caller holds m.mu; cancelled-while-queued snapshots are
// appended to emitted for post-unlock event fan-out.
func (m *Manager) cancelLocked(task *models.TaskRecord, emitted *[]*models.TaskRecord) {
	switch task.Status {
	case models.TaskQueued:
		if q, ok := m.queues[task.Service]; ok {
			q.remove(task.ID)
		}
		task.Status = models.TaskCancelled
		task.CancelRequested = true
		now := time.Now()
		task.FinishedAt = &now
		if cancel, ok := m.cancels[task.ID]; ok {
			cancel()
		}
		snapshot := *task
		*emitted = append(*emitted, &snapshot)
	case models.TaskRunning, models.TaskStreaming:
		task.CancelRequested = true
		if cancel, ok := m.cancels[task.ID]; ok {
			cancel()
		}
	default:
		return
	}

	for _, child := range m.tasks {
		if child.GroupID == task.ID && !child.Status.Terminal() {
			m.cancelLocked(child, emitted)
		}
	}
}

// SetStreaming flips a running task to streaming. Used by handlers that
// deliver incremental results over the task event stream.
func (m *Manager) SetStreaming(taskID string) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status != models.TaskRunning {
		m.mu.Unlock()
		return nil
	}
	task.Status = models.TaskStreaming
	snapshot := *task
	m.mu.Unlock()

	m.emit(EventProgress, &snapshot)
	return nil
}

// Progress emits a progress event with an interim payload attached to the
// task snapshot. The stored record is not mutated.
func (m *Manager) Progress(taskID string, payload json.RawMessage) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	snapshot := *task
	m.mu.Unlock()

	snapshot.Result = payload
	m.emit(EventProgress, &snapshot)
	return nil
}

// dispatch pops and runs ready tasks. Called from the runner loop.
func (m *Manager) dispatch(ctx context.Context) {
	m.mu.Lock()
	candidates := make([]string, 0, len(m.queues))
	for service, q := range m.queues {
		if q.Len() == 0 {
			continue
		}
		if m.running[service] >= m.services.MaxConcurrency(service) {
			continue
		}
		candidates = append(candidates, service)
	}
	m.mu.Unlock()

	for _, service := range candidates {
		// Probe outside the lock; it may do network I/O.
		readiness := m.services.CheckReady(ctx, service)
		if !readiness.Dispatchable() {
			if m.debug.Load() {
				logging.Debug().
					Str("service", service).
					Str("state", string(readiness.State)).
					Msg("service not ready, tasks stay queued")
			}
			continue
		}

		for {
			m.mu.Lock()
			q := m.queues[service]
			if q == nil || q.Len() == 0 || m.running[service] >= m.services.MaxConcurrency(service) {
				m.mu.Unlock()
				break
			}
			entry, _ := q.pop()
			task, ok := m.tasks[entry.taskID]
			if !ok || task.Status != models.TaskQueued {
				m.mu.Unlock()
				continue
			}
			if !task.SkipConcurrency {
				m.running[service]++
			}
			now := time.Now()
			task.StartedAt = &now
			task.Status = models.TaskRunning
			snapshot := *task
			runner := m.runners[task.ID]
			token := m.tokens[task.ID]
			m.mu.Unlock()

			m.emit(EventStarted, &snapshot)
			go m.runTask(token, snapshot, runner)
		}
	}
}

// runTask executes one task on its own goroutine and records the terminal
// transition.
func (m *Manager) runTask(token context.Context, snapshot models.TaskRecord, runner runFunc) {
	result, err := runner(token, &snapshot)

	m.mu.Lock()
	task, ok := m.tasks[snapshot.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	task.FinishedAt = &now
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || task.CancelRequested):
		task.Status = models.TaskCancelled
	case err != nil:
		task.Status = models.TaskFailed
		task.Error = err.Error()
	default:
		// A handler that ignored its cancel token and returned a result
		// keeps that result.
		task.Status = models.TaskCompleted
		task.Result = result
	}
	if !task.SkipConcurrency && m.running[task.Service] > 0 {
		m.running[task.Service]--
	}
	if cancel, ok := m.cancels[task.ID]; ok {
		cancel()
	}
	delete(m.cancels, task.ID)
	delete(m.tokens, task.ID)
	delete(m.runners, task.ID)
	terminal := *task
	m.mu.Unlock()

	switch terminal.Status {
	case models.TaskCompleted:
		m.emit(EventCompleted, &terminal)
	case models.TaskFailed:
		m.emit(EventFailed, &terminal)
	case models.TaskCancelled:
		m.emit(EventCancelled, &terminal)
	}
	if terminal.GroupID == "" {
		m.persistHistory(&terminal)
	}
}

// emit invokes listeners synchronously in registration order. A panicking
// listener is recovered and logged.
func (m *Manager) emit(event string, task *models.TaskRecord) {
	m.lmu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.lmu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error().
						Str("event", event).
						Str("task_id", task.ID).
						Interface("panic", r).
						Msg("task listener panicked")
				}
			}()
			listener(event, task)
		}()
	}
}
