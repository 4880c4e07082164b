package database

import (
	"context"
	"fmt"
)

type migration struct {
	name string
	sql  string
}

// schema is applied in order on every start; each statement is idempotent.
var schema = []migration{
	{"research_jobs table", `
		CREATE TABLE IF NOT EXISTS research_jobs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			topic TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			config JSONB,
			report TEXT,
			result JSONB,
			error TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`},
	// Tables created before results were stored lack these columns
	{"research_jobs result columns", `
		ALTER TABLE research_jobs
		ADD COLUMN IF NOT EXISTS result JSONB,
		ADD COLUMN IF NOT EXISTS error TEXT`},
	{"research_jobs created_at index",
		"CREATE INDEX IF NOT EXISTS idx_research_jobs_created_at ON research_jobs(created_at DESC)"},

	{"research_logs table", `
		CREATE TABLE IF NOT EXISTS research_logs (
			id SERIAL PRIMARY KEY,
			job_id UUID NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
			timestamp TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB
		)`},
	{"research_logs job_id index",
		"CREATE INDEX IF NOT EXISTS idx_research_logs_job_id ON research_logs(job_id)"},

	{"research_events table", `
		CREATE TABLE IF NOT EXISTS research_events (
			job_id UUID NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (job_id, seq)
		)`},
}

// InitSchema creates the job, log and event tables used by the server.
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	for _, m := range schema {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to apply %s: %w", m.name, err)
		}
	}
	return nil
}
