package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sourceColumns = `id, kind, title, status, error, content, chunk_count, metadata, created_at, updated_at`

// CreateSource inserts a new source. Empty status defaults to pending and
// empty kind to document.
func (s *Store) CreateSource(ctx context.Context, src Source) error {
	if src.Status == "" {
		src.Status = StatusPending
	}
	if src.Kind == "" {
		src.Kind = KindDocument
	}
	md, err := encodeMetadata(src.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sources (`+sourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Kind, src.Title, src.Status, src.Error, src.Content, src.ChunkCount, md,
		src.CreatedAt.UTC().Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSource(ctx context.Context, id string) (Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	return scanSource(row)
}

// FindSource returns the most recent source of the given kind and title.
func (s *Store) FindSource(ctx context.Context, kind, title string) (Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sourceColumns+` FROM sources
		WHERE kind = ? AND title = ?
		ORDER BY created_at DESC LIMIT 1`, kind, title)
	return scanSource(row)
}

// ListSources returns sources newest first. An empty status lists all.
func (s *Store) ListSources(ctx context.Context, status string, limit int) ([]Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, src)
	}
	return results, rows.Err()
}

// MarkProcessing moves a source to processing unless another run owns it.
// The error of a previous failed run is kept until MarkReady.
// A processing row untouched for longer than staleAfter is considered
// abandoned and may be taken over. staleAfter <= 0 disables takeover.
func (s *Store) MarkProcessing(ctx context.Context, id string, staleAfter time.Duration) error {
	now := time.Now().UTC()
	cutoff := ""
	if staleAfter > 0 {
		cutoff = now.Add(-staleAfter).Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sources SET status = 'processing', updated_at = ?
		WHERE id = ? AND (status != 'processing' OR updated_at < ?)`,
		now.Format(time.RFC3339), id, cutoff,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetSource(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyProcessing
}

// MarkReady records a successful run and its chunk count.
func (s *Store) MarkReady(ctx context.Context, id string, chunkCount int) error {
	return s.setStatus(ctx, `UPDATE sources SET status = 'ready', error = '', chunk_count = ?, updated_at = ? WHERE id = ?`,
		chunkCount, time.Now().UTC().Format(time.RFC3339), id)
}

// MarkFailed records a failed run. The message stays until a later run
// succeeds.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	return s.setStatus(ctx, `UPDATE sources SET status = 'failed', error = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now().UTC().Format(time.RFC3339), id)
}

// UpdateSourceContent replaces the stored text of a source.
func (s *Store) UpdateSourceContent(ctx context.Context, id, content string) error {
	return s.setStatus(ctx, `UPDATE sources SET content = ?, updated_at = ? WHERE id = ?`,
		content, time.Now().UTC().Format(time.RFC3339), id)
}

// DeleteSource removes a source and its queued jobs. Chunks are removed by
// the chunk store.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE source_id = ? AND status IN ('pending', 'running')`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) setStatus(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (Source, error) {
	var (
		src                  Source
		md                   string
		createdAt, updatedAt string
	)
	err := row.Scan(&src.ID, &src.Kind, &src.Title, &src.Status, &src.Error, &src.Content, &src.ChunkCount, &md, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, ErrNotFound
	}
	if err != nil {
		return Source{}, err
	}
	if err := json.Unmarshal([]byte(md), &src.Metadata); err != nil {
		return Source{}, fmt.Errorf("decoding metadata for source %s: %w", src.ID, err)
	}
	if src.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Source{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if src.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Source{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return src, nil
}

func encodeMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}
