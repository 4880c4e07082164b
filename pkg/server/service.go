package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/research"
)

// Runner executes one research run.
type Runner interface {
	Run(ctx context.Context, conversation []research.Message, sink research.EventSink) (*research.Result, error)
}

// RunnerFactory builds a runner for a job. logger writes to the job's log.
type RunnerFactory func(cfg research.Config, logger *slog.Logger) (Runner, error)

type Service struct {
	Store     JobStore
	Cfg       research.Config
	NewRunner RunnerFactory
	Logger    *slog.Logger

	broker *broker
	wg     sync.WaitGroup
}

func NewService(store JobStore, cfg research.Config, newRunner RunnerFactory) *Service {
	return &Service{
		Store:     store,
		Cfg:       cfg,
		NewRunner: newRunner,
		Logger:    slog.Default(),
		broker:    newBroker(),
	}
}

type CreateJobRequest struct {
	Topic      string             `json:"topic"`
	Messages   []research.Message `json:"messages"`
	Breadth    int                `json:"breadth"`
	MaxResults int                `json:"max_results"`
}

var errEmptyRequest = errors.New("topic or messages is required")

func (r CreateJobRequest) conversation() []research.Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []research.Message{{Role: "user", Content: r.Topic}}
}

func (r CreateJobRequest) title() string {
	if t := strings.TrimSpace(r.Topic); t != "" {
		return t
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return strings.TrimSpace(r.Messages[i].Content)
		}
	}
	return strings.TrimSpace(r.Messages[len(r.Messages)-1].Content)
}

func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if strings.TrimSpace(req.Topic) == "" && len(req.Messages) == 0 {
		return nil, errEmptyRequest
	}

	cfg := s.Cfg
	if req.Breadth > 0 {
		cfg.Breadth = req.Breadth
	}
	if req.MaxResults > 0 {
		cfg.MaxResults = req.MaxResults
	}
	configJSON, _ := json.Marshal(map[string]interface{}{
		"breadth":     cfg.Breadth,
		"max_results": cfg.MaxResults,
		"domains":     cfg.Domains,
	})

	job := &Job{
		ID:     uuid.New(),
		Topic:  req.title(),
		Config: configJSON,
	}
	if err := s.Store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	// Start background worker
	h := s.broker.open(job.ID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.broker.finish(job.ID)
		s.runWorker(job.ID, cfg, req.conversation(), h)
	}()

	return job, nil
}

// Wait blocks until every started job has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.Store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context) ([]Job, error) {
	return s.Store.ListJobs(ctx, 50)
}

func (s *Service) GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	if _, err := s.Store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.Store.GetLogs(ctx, jobID)
}

// Subscribe returns the events stored so far and, while the job is still
// running, a channel of the events that follow. live is nil for finished
// jobs. cancel must be called when the caller stops reading.
func (s *Service) Subscribe(ctx context.Context, jobID uuid.UUID) (replay []StoredEvent, live <-chan StoredEvent, cancel func(), err error) {
	if _, err := s.Store.GetJob(ctx, jobID); err != nil {
		return nil, nil, nil, err
	}

	cancel = func() {}
	if h, ok := s.broker.get(jobID); ok {
		live, cancel = h.subscribe()
	}

	replay, err = s.Store.GetEvents(ctx, jobID, 0)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return replay, live, cancel, nil
}

func (s *Service) runWorker(jobID uuid.UUID, cfg research.Config, conversation []research.Message, h *hub) {
	ctx := context.Background()

	// Update status to running
	_ = s.Store.SetStatus(ctx, jobID, StatusRunning)

	// Configure runner with DB logger
	jobLogger := slog.New(NewJobLogHandler(s.Store, jobID, s.Logger.Handler())).With("job_id", jobID.String())

	runner, err := s.NewRunner(cfg, jobLogger)
	if err != nil {
		s.failJob(ctx, jobLogger, jobID, fmt.Sprintf("Failed to init research: %v", err))
		return
	}

	seq := 0
	sink := func(e research.Event) {
		data, err := research.EncodeEvent(e)
		if err != nil {
			jobLogger.Error("Failed to encode event", "type", e.EventType(), "error", err)
			return
		}
		seq++
		stored := StoredEvent{Seq: seq, Type: e.EventType(), Data: data, CreatedAt: time.Now()}
		if err := s.Store.AppendEvent(ctx, jobID, stored); err != nil {
			jobLogger.Error("Failed to store event", "error", err)
		}
		h.publish(stored)
	}

	result, err := runner.Run(ctx, conversation, sink)
	if err != nil {
		s.failJob(ctx, jobLogger, jobID, fmt.Sprintf("Research failed: %v", err))
		return
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		jobLogger.Error("Failed to marshal result", "error", err)
		resultJSON = nil
	}
	if err := s.Store.CompleteJob(ctx, jobID, result.Report, resultJSON); err != nil {
		jobLogger.Error("Failed to save final report", "error", err)
	}
}

func (s *Service) failJob(ctx context.Context, logger *slog.Logger, jobID uuid.UUID, reason string) {
	logger.Error(reason)
	if err := s.Store.FailJob(ctx, jobID, reason); err != nil {
		s.Logger.Error("Failed to mark job as failed", "job_id", jobID, "error", err)
	}
}
