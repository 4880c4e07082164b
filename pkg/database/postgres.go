package database

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxConns = 25
	minConns = 2

	// HNSW indexes support at most this many dimensions; wider vectors fall
	// back to exact search.
	maxIndexedDimensions = 2000
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// PostgresDB wraps the database connection pool
type PostgresDB struct {
	Pool *pgxpool.Pool
}

// NewPostgresDB connects and pings the database at databaseURL.
func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = maxConns
	config.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{Pool: pool}, nil
}

func (db *PostgresDB) Close() {
	db.Pool.Close()
}

// chunkTable returns the statements that prepare a chunk table with
// embeddings of the given dimension.
func chunkTable(tableName string, dimension int) ([]migration, error) {
	if !validIdentifier.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name: %s", tableName)
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension: %d", dimension)
	}
	table := pgx.Identifier{tableName}.Sanitize()

	stmts := []migration{
		{"pgvector extension", "CREATE EXTENSION IF NOT EXISTS vector"},
		{tableName + " table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				content TEXT NOT NULL,
				metadata JSONB,
				embedding vector(%d),
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			)`, table, dimension)},
		// Rows are looked up and deleted per research run
		{tableName + " run_id index", fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s ((metadata->>'run_id'))",
			pgx.Identifier{tableName + "_run_id_idx"}.Sanitize(), table)},
	}
	if dimension <= maxIndexedDimensions {
		stmts = append(stmts, migration{tableName + " embedding index", fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)",
			pgx.Identifier{tableName + "_embedding_idx"}.Sanitize(), table)})
	}
	return stmts, nil
}

// EnsureChunkTable prepares the shared chunk table used by the pgvector
// index, enabling the extension when needed.
func (db *PostgresDB) EnsureChunkTable(ctx context.Context, tableName string, dimension int) error {
	stmts, err := chunkTable(tableName, dimension)
	if err != nil {
		return err
	}
	for _, m := range stmts {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to apply %s: %w", m.name, err)
		}
	}
	return nil
}
