package rag

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/enterprise-rag/rag-query-engine/pkg/ragerrors"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// TaskStatus is the pollable view of an async query task.
type TaskStatus struct {
	TaskID      string                  `json:"task_id"`
	State       types.TaskState         `json:"state"`
	SubmittedAt time.Time               `json:"submitted_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Response    *types.RagQueryResponse `json:"response,omitempty"`
	ErrorKind   string                  `json:"error_kind,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

type asyncTask struct {
	mu     sync.Mutex
	status TaskStatus
	tenant string
}

// TaskRegistry runs queries in the background and keeps their outcomes
// pollable, tenant-scoped, until the retention window expires. Handles are
// safe for concurrent polling while the task runs.
type TaskRegistry struct {
	service   *Service
	logger    *slog.Logger
	retention time.Duration
	sem       *semaphore.Weighted

	mu    sync.RWMutex
	tasks map[string]*asyncTask

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const (
	taskRetention      = 10 * time.Minute
	maxConcurrentTasks = 32
)

// NewTaskRegistry creates the registry and starts its expiry sweeper.
func NewTaskRegistry(service *Service, logger *slog.Logger) *TaskRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &TaskRegistry{
		service:   service,
		logger:    logger.With("component", "async-tasks"),
		retention: taskRetention,
		sem:       semaphore.NewWeighted(maxConcurrentTasks),
		tasks:     make(map[string]*asyncTask),
		stopChan:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

func taskKey(tenantID, taskID string) string {
	return tenantID + "\x00" + taskID
}

// Submit validates the request, registers a pending task, and runs the query
// in the background under the service deadline.
func (r *TaskRegistry) Submit(req *types.RagQueryRequest) (string, error) {
	state := &pipelineState{request: req}
	if err := r.service.validate(req, state); err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	task := &asyncTask{
		tenant: req.TenantID,
		status: TaskStatus{
			TaskID:      taskID,
			State:       types.TaskPending,
			SubmittedAt: time.Now(),
		},
	}

	r.mu.Lock()
	r.tasks[taskKey(req.TenantID, taskID)] = task
	r.mu.Unlock()
	r.service.metrics.ActiveTasks.Inc()

	r.wg.Add(1)
	go r.run(task, req)
	return taskID, nil
}

func (r *TaskRegistry) run(task *asyncTask, req *types.RagQueryRequest) {
	defer r.wg.Done()
	defer r.service.metrics.ActiveTasks.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), r.service.config.Service.RequestDeadline)
	defer cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.complete(task, nil, ragerrors.DeadlineExceeded("task queue full past deadline", err))
		return
	}
	defer r.sem.Release(1)

	task.mu.Lock()
	task.status.State = types.TaskRunning
	task.mu.Unlock()

	response, err := r.service.Query(ctx, req)
	r.complete(task, response, err)
}

func (r *TaskRegistry) complete(task *asyncTask, response *types.RagQueryResponse, err error) {
	now := time.Now()
	task.mu.Lock()
	defer task.mu.Unlock()

	task.status.CompletedAt = &now
	if err != nil {
		task.status.State = types.TaskFailed
		var taxErr *ragerrors.Error
		if errors.As(err, &taxErr) {
			task.status.ErrorKind = string(taxErr.Kind)
			task.status.Error = taxErr.Message
		} else {
			task.status.ErrorKind = string(ragerrors.KindInternal)
			task.status.Error = ragerrors.Sanitize(err)
		}
		r.logger.Warn("Async task failed", "task_id", task.status.TaskID, "tenant_id", task.tenant, "error", err)
		return
	}
	task.status.State = types.TaskCompleted
	task.status.Response = response
}

// Poll returns a snapshot of the task's state. An unknown id, or a known id
// under another tenant, is NotFound.
func (r *TaskRegistry) Poll(tenantID, taskID string) (*TaskStatus, error) {
	r.mu.RLock()
	task, ok := r.tasks[taskKey(tenantID, taskID)]
	r.mu.RUnlock()
	if !ok {
		return nil, ragerrors.NotFound("task %s not found", taskID)
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	snapshot := task.status
	return &snapshot, nil
}

func (r *TaskRegistry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *TaskRegistry) sweep() {
	cutoff := time.Now().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, task := range r.tasks {
		task.mu.Lock()
		expired := task.status.CompletedAt != nil && task.status.CompletedAt.Before(cutoff)
		task.mu.Unlock()
		if expired {
			delete(r.tasks, key)
		}
	}
}

// Close stops the sweeper and waits for in-flight tasks to finish.
func (r *TaskRegistry) Close() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
	return nil
}
