package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/domain"
	"chatrelay/internal/router"
)

// ErrRunnerStopped is returned by Submit after StopAll.
var ErrRunnerStopped = errors.New("task runner stopped")

// TaskStatus represents the status of a background task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskComplete  TaskStatus = "complete"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// BackgroundTask is a snapshot of one background task.
type BackgroundTask struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	RoutingKey string     `json:"routing_key,omitempty"`
	Status     TaskStatus `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Progress   int        `json:"progress"` // 0-100
	StartedAt  time.Time  `json:"started_at"`
	DoneAt     time.Time  `json:"done_at,omitempty"`
}

func (t BackgroundTask) active() bool {
	return t.Status == TaskPending || t.Status == TaskRunning
}

// TaskFunc is the work of a background task. progress accepts 0-100.
type TaskFunc func(ctx context.Context, progress func(int)) (string, error)

type taskEntry struct {
	task   BackgroundTask
	cancel context.CancelFunc
}

// TaskRunner executes long-running work for dialog sessions, one goroutine
// per task, each with its own cancellation.
type TaskRunner struct {
	provider domain.Provider
	bus      domain.EventBus
	settings ChatSettings
	logger   *slog.Logger

	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	stopped bool
	wg      sync.WaitGroup
}

var _ domain.BackgroundTaskRunner = (*TaskRunner)(nil)

// NewTaskRunner builds the runner shared by all sessions of one router.
func NewTaskRunner(p router.TaskRunnerParams, logger *slog.Logger) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRunner{
		provider: p.Provider,
		bus:      p.Bus,
		settings: SettingsFromConfig(p.Config),
		logger:   logger.With("component", "tasks"),
		tasks:    make(map[string]*taskEntry),
	}
}

// TaskRunnerFactory adapts NewTaskRunner to router.DialogMode.NewTaskRunner.
func TaskRunnerFactory(logger *slog.Logger) func(router.TaskRunnerParams) domain.BackgroundTaskRunner {
	return func(p router.TaskRunnerParams) domain.BackgroundTaskRunner {
		return NewTaskRunner(p, logger)
	}
}

// Submit starts fn in the background and returns the task id. onDone, when
// set, receives the final snapshot.
func (tr *TaskRunner) Submit(name, routingKey string, fn TaskFunc, onDone func(BackgroundTask)) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()[:8]

	tr.mu.Lock()
	if tr.stopped {
		tr.mu.Unlock()
		cancel()
		return "", ErrRunnerStopped
	}
	entry := &taskEntry{
		task: BackgroundTask{
			ID:         id,
			Name:       name,
			RoutingKey: routingKey,
			Status:     TaskPending,
			StartedAt:  time.Now(),
		},
		cancel: cancel,
	}
	tr.tasks[id] = entry
	tr.wg.Add(1)
	tr.mu.Unlock()

	tr.logger.Info("background task submitted", "id", id, "name", name, "routing_key", routingKey)

	go func() {
		defer tr.wg.Done()
		defer cancel()

		tr.mu.Lock()
		entry.task.Status = TaskRunning
		tr.mu.Unlock()

		progress := func(pct int) {
			tr.mu.Lock()
			entry.task.Progress = pct
			tr.mu.Unlock()
		}

		result, err := tr.run(ctx, fn, progress)

		tr.mu.Lock()
		entry.task.DoneAt = time.Now()
		switch {
		case err != nil && ctx.Err() != nil:
			entry.task.Status = TaskCancelled
			entry.task.Error = ctx.Err().Error()
		case err != nil:
			entry.task.Status = TaskFailed
			entry.task.Error = err.Error()
		default:
			entry.task.Status = TaskComplete
			entry.task.Result = result
			entry.task.Progress = 100
		}
		snapshot := entry.task
		tr.mu.Unlock()

		if err != nil {
			tr.logger.Warn("background task ended with error", "id", id, "status", snapshot.Status, "err", err)
		} else {
			tr.logger.Info("background task completed", "id", id)
		}
		if tr.bus != nil {
			if err := tr.bus.Emit(context.Background(), domain.EventTaskFinished, map[string]any{
				"taskId":     id,
				"routingKey": routingKey,
				"status":     string(snapshot.Status),
				"durationMs": snapshot.DoneAt.Sub(snapshot.StartedAt).Milliseconds(),
			}); err != nil {
				tr.logger.Debug("event emit failed", "event", domain.EventTaskFinished, "err", err)
			}
		}
		if onDone != nil {
			onDone(snapshot)
		}
	}()

	return id, nil
}

func (tr *TaskRunner) run(ctx context.Context, fn TaskFunc, progress func(int)) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx, progress)
}

// PromptTask returns a TaskFunc that answers prompt with one completion,
// without conversation history.
func (tr *TaskRunner) PromptTask(prompt string) TaskFunc {
	return func(ctx context.Context, progress func(int)) (string, error) {
		var msgs []domain.Message
		if tr.settings.SystemPrompt != "" {
			msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: tr.settings.SystemPrompt})
		}
		msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: prompt})
		progress(10)
		resp, err := tr.provider.Chat(ctx, domain.ChatRequest{
			Messages:    msgs,
			MaxTokens:   tr.settings.MaxTokens,
			Temperature: tr.settings.Temperature,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// Get returns a snapshot of the task.
func (tr *TaskRunner) Get(id string) (BackgroundTask, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	e, ok := tr.tasks[id]
	if !ok {
		return BackgroundTask{}, false
	}
	return e.task, true
}

// List returns snapshots of the tasks for routingKey (all tasks when empty),
// oldest first.
func (tr *TaskRunner) List(routingKey string) []BackgroundTask {
	tr.mu.RLock()
	result := make([]BackgroundTask, 0, len(tr.tasks))
	for _, e := range tr.tasks {
		if routingKey == "" || e.task.RoutingKey == routingKey {
			result = append(result, e.task)
		}
	}
	tr.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result
}

// ListActive returns tasks that are still pending or running.
func (tr *TaskRunner) ListActive() []BackgroundTask {
	var active []BackgroundTask
	for _, t := range tr.List("") {
		if t.active() {
			active = append(active, t)
		}
	}
	return active
}

// Cancel stops one task. It reports whether the task existed and was active.
func (tr *TaskRunner) Cancel(id string) bool {
	tr.mu.RLock()
	e, ok := tr.tasks[id]
	active := ok && e.task.active()
	tr.mu.RUnlock()
	if active {
		e.cancel()
	}
	return active
}

// Clean removes finished tasks older than maxAge.
func (tr *TaskRunner) Clean(maxAge time.Duration) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, e := range tr.tasks {
		if !e.task.active() && e.task.DoneAt.Before(cutoff) {
			delete(tr.tasks, id)
			removed++
		}
	}
	return removed
}

// StopAll cancels every task, waits for them to return and refuses new ones.
func (tr *TaskRunner) StopAll() {
	tr.mu.Lock()
	tr.stopped = true
	for _, e := range tr.tasks {
		e.cancel()
	}
	tr.mu.Unlock()

	tr.wg.Wait()
	tr.logger.Info("background tasks stopped")
}
