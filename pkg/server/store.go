package server

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrJobNotFound = errors.New("job not found")

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Job struct {
	ID        uuid.UUID       `json:"id"`
	Topic     string          `json:"topic"`
	Status    string          `json:"status"`
	Report    *string         `json:"report,omitempty"`
	Error     *string         `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Config    json.RawMessage `json:"config"`
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

// StoredEvent is a run event with its position in the job's event stream.
type StoredEvent struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// JobStore persists jobs with their logs and events.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	CompleteJob(ctx context.Context, id uuid.UUID, report string, result json.RawMessage) error
	FailJob(ctx context.Context, id uuid.UUID, reason string) error

	AppendLog(ctx context.Context, id uuid.UUID, entry LogEntry) error
	GetLogs(ctx context.Context, id uuid.UUID) ([]LogEntry, error)

	AppendEvent(ctx context.Context, id uuid.UUID, event StoredEvent) error
	GetEvents(ctx context.Context, id uuid.UUID, afterSeq int) ([]StoredEvent, error)
}

// MemoryStore keeps jobs in process memory. It is used when no database is
// configured.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*Job
	logs   map[uuid.UUID][]LogEntry
	events map[uuid.UUID][]StoredEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[uuid.UUID]*Job),
		logs:   make(map[uuid.UUID][]LogEntry),
		events: make(map[uuid.UUID][]StoredEvent),
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = StatusPending
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) update(id uuid.UUID, fn func(j *Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(job)
	job.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	return m.update(id, func(j *Job) { j.Status = status })
}

func (m *MemoryStore) CompleteJob(_ context.Context, id uuid.UUID, report string, result json.RawMessage) error {
	return m.update(id, func(j *Job) {
		j.Status = StatusCompleted
		j.Report = &report
		j.Result = result
	})
}

func (m *MemoryStore) FailJob(_ context.Context, id uuid.UUID, reason string) error {
	return m.update(id, func(j *Job) {
		j.Status = StatusFailed
		j.Error = &reason
	})
}

func (m *MemoryStore) AppendLog(_ context.Context, id uuid.UUID, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = len(m.logs[id]) + 1
	m.logs[id] = append(m.logs[id], entry)
	return nil
}

func (m *MemoryStore) GetLogs(_ context.Context, id uuid.UUID) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), m.logs[id]...), nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, id uuid.UUID, event StoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id] = append(m.events[id], event)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, id uuid.UUID, afterSeq int) ([]StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StoredEvent
	for _, e := range m.events[id] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}
