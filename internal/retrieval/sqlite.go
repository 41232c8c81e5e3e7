package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Compile-time check that SQLiteBackend implements Backend.
var _ Backend = (*SQLiteBackend)(nil)

// SQLiteBackend stores chunks in the SQLite chunks table. It has no native
// similarity operator, so every search over it is scored locally.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend wraps an existing *sql.DB. The chunks table must already
// exist (created via storage migrations).
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

const chunkColumns = `id, source_id, chunk_index, content, embedding, metadata, created_at`

// InsertChunks adds chunks in a single transaction.
func (s *SQLiteBackend) InsertChunks(ctx context.Context, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (`+chunkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		md, err := encodeMetadata(c.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata for chunk %s: %w", c.ID, err)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.SourceID, c.Index, c.Content, encodeFloat32s(c.Embedding), md, createdAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// ScanChunks streams chunks to fn, reusing a single decode buffer. fn must
// not retain Embedding beyond the call.
func (s *SQLiteBackend) ScanChunks(ctx context.Context, sourceID string, fn func(Chunk) error) error {
	query := `SELECT ` + chunkColumns + ` FROM chunks`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var buf []float32
	for rows.Next() {
		c, blob, err := scanChunk(rows)
		if err != nil {
			return err
		}
		if buf, err = decodeFloat32sInto(buf, blob); err == nil {
			c.Embedding = buf
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating chunks: %w", err)
	}
	return nil
}

// ChunksBySource returns a source's chunks in index order.
func (s *SQLiteBackend) ChunksBySource(ctx context.Context, sourceID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE source_id = ? ORDER BY chunk_index ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks for %s: %w", sourceID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, blob, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		if c.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteBySource removes all chunks of a source.
func (s *SQLiteBackend) DeleteBySource(ctx context.Context, sourceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks for %s: %w", sourceID, err)
	}
	return res.RowsAffected()
}

// CountBySource returns the number of chunks stored for a source.
func (s *SQLiteBackend) CountBySource(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE source_id = ?`, sourceID).Scan(&n)
	return n, err
}

func scanChunk(rows *sql.Rows) (Chunk, []byte, error) {
	var (
		c         Chunk
		blob      []byte
		md        string
		createdAt string
	)
	if err := rows.Scan(&c.ID, &c.SourceID, &c.Index, &c.Content, &blob, &md, &createdAt); err != nil {
		return Chunk{}, nil, fmt.Errorf("scanning chunk: %w", err)
	}
	if err := json.Unmarshal([]byte(md), &c.Metadata); err != nil {
		return Chunk{}, nil, fmt.Errorf("decoding metadata for %s: %w", c.ID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Chunk{}, nil, fmt.Errorf("parsing created_at for %s: %w", c.ID, err)
	}
	c.CreatedAt = t
	return c, blob, nil
}

func encodeMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
