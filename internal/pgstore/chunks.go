package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/kalambet/groundwork/internal/retrieval"
)

const chunkColumns = `id, source_id, chunk_index, content, embedding, metadata, created_at`

// InsertChunks writes chunks in one transaction.
func (s *Store) InsertChunks(ctx context.Context, chunks []retrieval.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range chunks {
		md, err := encodeMetadata(c.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO chunks (`+chunkColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.SourceID, c.Index, c.Content, pgvector.NewVector(c.Embedding), md, c.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting chunks: %w", err)
	}
	return tx.Commit(ctx)
}

// ScanChunks streams chunks, restricted to sourceID when non-empty.
func (s *Store) ScanChunks(ctx context.Context, sourceID string, fn func(retrieval.Chunk) error) error {
	query := `SELECT ` + chunkColumns + ` FROM chunks`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = $1`
		args = append(args, sourceID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) ChunksBySource(ctx context.Context, sourceID string) ([]retrieval.Chunk, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE source_id = $1 ORDER BY chunk_index`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var out []retrieval.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBySource(ctx context.Context, sourceID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE source_id = $1`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountBySource(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE source_id = $1`, sourceID).Scan(&n)
	return n, err
}

// NativeSearch ranks chunks with the match_chunks SQL function.
func (s *Store) NativeSearch(ctx context.Context, query []float32, k int, threshold float32, sourceID string) ([]retrieval.ScoredChunk, error) {
	var filter *string
	if sourceID != "" {
		filter = &sourceID
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+chunkColumns+`, similarity FROM match_chunks($1, $2, $3, $4)`,
		pgvector.NewVector(query), float64(threshold), k, filter)
	if err != nil {
		return nil, classifyNative(err)
	}
	defer rows.Close()

	var out []retrieval.ScoredChunk
	for rows.Next() {
		var (
			c          retrieval.Chunk
			vec        pgvector.Vector
			md         []byte
			similarity float64
		)
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Index, &c.Content, &vec, &md, &c.CreatedAt, &similarity); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if c.Metadata, err = decodeMetadata(md); err != nil {
			return nil, err
		}
		c.Embedding = vec.Slice()
		out = append(out, retrieval.ScoredChunk{Chunk: c, Score: float32(min(max(similarity, -1), 1))})
	}
	// Errors raised while executing the function surface here.
	if err := rows.Err(); err != nil {
		return nil, classifyNative(err)
	}
	return out, nil
}

func scanChunk(rows pgx.Rows) (retrieval.Chunk, error) {
	var (
		c   retrieval.Chunk
		vec pgvector.Vector
		md  []byte
	)
	if err := rows.Scan(&c.ID, &c.SourceID, &c.Index, &c.Content, &vec, &md, &c.CreatedAt); err != nil {
		return retrieval.Chunk{}, fmt.Errorf("scanning chunk: %w", err)
	}
	var err error
	if c.Metadata, err = decodeMetadata(md); err != nil {
		return retrieval.Chunk{}, err
	}
	c.Embedding = vec.Slice()
	return c, nil
}
