package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Task is a single deferred callback registered with ScheduleAt.
type Task struct {
	ID      string
	RunAt   time.Time
	Payload []byte
}

// Scheduler registers deferred tasks. Scheduling an existing id moves it.
type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, taskID string, payload []byte) error
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
	Cancel(ctx context.Context, taskID string) error
	Clear(ctx context.Context) (int64, error)
}

// Memory is an in-process Scheduler, used when Redis is not configured and in tests.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]Task)}
}

func (m *Memory) ScheduleAt(ctx context.Context, at time.Time, taskID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID] = Task{ID: taskID, RunAt: at.UTC(), Payload: append([]byte(nil), payload...)}
	return nil
}

func (m *Memory) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Task
	for _, t := range m.tasks {
		if !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, t := range due {
		delete(m.tasks, t.ID)
	}
	return due, nil
}

func (m *Memory) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	return nil
}

func (m *Memory) Clear(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.tasks))
	m.tasks = make(map[string]Task)
	return n, nil
}

func (m *Memory) Pending() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
