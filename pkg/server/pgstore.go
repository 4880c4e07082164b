package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mikeboe/deep-research/pkg/database"
)

// PostgresStore keeps jobs in the research_jobs, research_logs and
// research_events tables.
type PostgresStore struct {
	DB *database.PostgresDB
}

func NewPostgresStore(db *database.PostgresDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const jobColumns = `id, topic, status, report, error, result, created_at, updated_at, config`

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	err := row.Scan(&job.ID, &job.Topic, &job.Status, &job.Report, &job.Error, &job.Result,
		&job.CreatedAt, &job.UpdatedAt, &job.Config)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (p *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO research_jobs (id, topic, status, config)
		VALUES ($1, $2, 'pending', $3)
		RETURNING status, created_at, updated_at
	`
	err := p.DB.Pool.QueryRow(ctx, query, job.ID, job.Topic, job.Config).Scan(
		&job.Status, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM research_jobs WHERE id = $1`
	job, err := scanJob(p.DB.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (p *PostgresStore) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM research_jobs ORDER BY created_at DESC LIMIT $1`
	rows, err := p.DB.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (p *PostgresStore) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := p.DB.Pool.Exec(ctx, "UPDATE research_jobs SET status = $2, updated_at = NOW() WHERE id = $1", id, status)
	return err
}

func (p *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, report string, result json.RawMessage) error {
	_, err := p.DB.Pool.Exec(ctx,
		"UPDATE research_jobs SET status = 'completed', report = $2, result = $3, updated_at = NOW() WHERE id = $1",
		id, report, result)
	return err
}

func (p *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := p.DB.Pool.Exec(ctx,
		"UPDATE research_jobs SET status = 'failed', error = $2, updated_at = NOW() WHERE id = $1",
		id, reason)
	return err
}

func (p *PostgresStore) AppendLog(ctx context.Context, id uuid.UUID, entry LogEntry) error {
	query := `
		INSERT INTO research_logs (job_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := p.DB.Pool.Exec(ctx, query, id, entry.Timestamp, entry.Level, entry.Message, entry.Metadata)
	return err
}

func (p *PostgresStore) GetLogs(ctx context.Context, id uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := p.DB.Pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			continue
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (p *PostgresStore) AppendEvent(ctx context.Context, id uuid.UUID, event StoredEvent) error {
	_, err := p.DB.Pool.Exec(ctx,
		"INSERT INTO research_events (job_id, seq, type, data, created_at) VALUES ($1, $2, $3, $4, $5)",
		id, event.Seq, event.Type, event.Data, event.CreatedAt)
	return err
}

func (p *PostgresStore) GetEvents(ctx context.Context, id uuid.UUID, afterSeq int) ([]StoredEvent, error) {
	rows, err := p.DB.Pool.Query(ctx, `
		SELECT seq, type, data, created_at
		FROM research_events
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, id, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.Seq, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
