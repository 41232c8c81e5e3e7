package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kalambet/groundwork/internal/storage"
)

const sourceColumns = `id, kind, title, status, error, content, chunk_count, metadata, created_at, updated_at`

func (s *Store) CreateSource(ctx context.Context, src storage.Source) error {
	if src.Status == "" {
		src.Status = storage.StatusPending
	}
	if src.Kind == "" {
		src.Kind = storage.KindDocument
	}
	md, err := encodeMetadata(src.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sources (`+sourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		src.ID, src.Kind, src.Title, src.Status, src.Error, src.Content, src.ChunkCount, md, src.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("inserting source: %w", err)
	}
	return nil
}

func (s *Store) GetSource(ctx context.Context, id string) (storage.Source, error) {
	return scanSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
}

// FindSource returns the most recent source of the given kind and title.
func (s *Store) FindSource(ctx context.Context, kind, title string) (storage.Source, error) {
	return scanSource(s.pool.QueryRow(ctx, `
		SELECT `+sourceColumns+` FROM sources
		WHERE kind = $1 AND title = $2
		ORDER BY created_at DESC LIMIT 1`, kind, title))
}

// ListSources returns sources newest first. An empty status lists all.
func (s *Store) ListSources(ctx context.Context, status string, limit int) ([]storage.Source, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sourceColumns+` FROM sources
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer rows.Close()

	var out []storage.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// MarkProcessing moves a source to processing unless a live run owns it.
// A processing row untouched for staleAfter may be taken over.
func (s *Store) MarkProcessing(ctx context.Context, id string, staleAfter time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources SET status = 'processing', updated_at = now()
		WHERE id = $1
		  AND (status <> 'processing'
		       OR ($2::float8 > 0 AND updated_at < now() - $2::float8 * interval '1 second'))`,
		id, staleAfter.Seconds())
	if err != nil {
		return fmt.Errorf("marking processing: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetSource(ctx, id); err != nil {
		return err
	}
	return storage.ErrAlreadyProcessing
}

func (s *Store) MarkReady(ctx context.Context, id string, chunkCount int) error {
	return s.update(ctx, `UPDATE sources SET status = 'ready', error = '', chunk_count = $2, updated_at = now() WHERE id = $1`, id, chunkCount)
}

func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	return s.update(ctx, `UPDATE sources SET status = 'failed', error = $2, updated_at = now() WHERE id = $1`, id, msg)
}

func (s *Store) UpdateSourceContent(ctx context.Context, id, content string) error {
	return s.update(ctx, `UPDATE sources SET content = $2, updated_at = now() WHERE id = $1`, id, content)
}

// DeleteSource removes a source and its queued jobs.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE source_id = $1 AND status IN ('pending', 'running')`, id); err != nil {
		return fmt.Errorf("deleting jobs: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanSource(row pgx.Row) (storage.Source, error) {
	var (
		src storage.Source
		md  []byte
	)
	err := row.Scan(&src.ID, &src.Kind, &src.Title, &src.Status, &src.Error, &src.Content, &src.ChunkCount, &md, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Source{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Source{}, fmt.Errorf("scanning source: %w", err)
	}
	if src.Metadata, err = decodeMetadata(md); err != nil {
		return storage.Source{}, err
	}
	return src, nil
}
