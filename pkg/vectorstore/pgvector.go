package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

var (
	tableNamePattern = regexp.MustCompile(`^[a-z_][a-zA-Z0-9_]{0,62}$`)

	ErrInvalidTableName = errors.New("invalid table name: must contain only alphanumeric characters and underscores, start with a lowercase letter or underscore, and be 1-63 characters long")
	ErrEmptyFilter      = errors.New("refusing to delete without a filter")
)

// Document is one row of a chunk table.
type Document struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	Embedding []float32              `json:"embedding,omitempty"`
}

// Match is a document with its cosine similarity to the query.
type Match struct {
	Document   Document
	Similarity float64
}

// PGVectorStore reads and writes documents in a pgvector table created by
// database.EnsureChunkTable.
type PGVectorStore struct {
	pool      *pgxpool.Pool
	tableName string
}

func NewPGVectorStore(pool *pgxpool.Pool, tableName string) (*PGVectorStore, error) {
	if !tableNamePattern.MatchString(tableName) {
		return nil, ErrInvalidTableName
	}
	return &PGVectorStore{pool: pool, tableName: tableName}, nil
}

func (vs *PGVectorStore) table() string {
	return pgx.Identifier{vs.tableName}.Sanitize()
}

// AddDocuments inserts docs in one batch. Documents without an ID get one
// from the column default.
func (vs *PGVectorStore) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, doc := range docs {
		metadataJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		var id interface{}
		if doc.ID != "" {
			id = doc.ID
		}
		batch.Queue(fmt.Sprintf(
			"INSERT INTO %s (id, content, metadata, embedding) VALUES (COALESCE($1::uuid, gen_random_uuid()), $2, $3, $4)",
			vs.table()), id, doc.Content, metadataJSON, pgvector.NewVector(doc.Embedding))
	}

	if err := vs.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert documents: %w", err)
	}
	return nil
}

// similarityQuery builds the nearest-neighbour query. The query embedding is
// always $1.
func (vs *PGVectorStore) similarityQuery(queryEmbedding []float32, k int, filter Filter) (string, args, error) {
	a := args{pgvector.NewVector(queryEmbedding)}
	where, err := filter.where(&a)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build metadata query: %w", err)
	}
	limit := a.add(k)

	query := fmt.Sprintf(`
		SELECT id, content, metadata, embedding, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT %s
	`, vs.table(), where, limit)
	return query, a, nil
}

// SimilaritySearch returns up to k documents matching filter, nearest to
// queryEmbedding by cosine distance. Matches carry their embeddings.
func (vs *PGVectorStore) SimilaritySearch(ctx context.Context, queryEmbedding []float32, k int, filter Filter) ([]Match, error) {
	query, a, err := vs.similarityQuery(queryEmbedding, k, filter)
	if err != nil {
		return nil, err
	}

	rows, err := vs.pool.Query(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute similarity search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m            Match
			metadataJSON []byte
			embedding    pgvector.Vector
		)
		if err := rows.Scan(&m.Document.ID, &m.Document.Content, &metadataJSON, &embedding, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &m.Document.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		m.Document.Embedding = embedding.Slice()
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return matches, nil
}

// Delete removes every document matching filter and reports how many were
// removed. An empty filter is rejected.
func (vs *PGVectorStore) Delete(ctx context.Context, filter Filter) (int64, error) {
	if len(filter) == 0 {
		return 0, ErrEmptyFilter
	}

	var a args
	where, err := filter.where(&a)
	if err != nil {
		return 0, fmt.Errorf("failed to build metadata query: %w", err)
	}

	tag, err := vs.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", vs.table(), where), a...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return tag.RowsAffected(), nil
}
