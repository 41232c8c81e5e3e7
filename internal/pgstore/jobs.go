package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kalambet/groundwork/internal/storage"
)

const jobColumns = `id, type, source_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

func (s *Store) EnqueueJob(ctx context.Context, job storage.Job) error {
	now := time.Now().UTC()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	payload := job.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, source_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $7)`,
		job.ID, job.Type, job.SourceID, payload, maxAttempts, runAfter, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// ClaimNextJob moves the oldest runnable job of the given types to running.
// Concurrent workers skip rows another worker has locked.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= now() AND type = ANY($1)
			ORDER BY run_after, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, types))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE jobs SET status = 'completed', updated_at = now() WHERE id = $1`, id)
}

// FailJob records a failed attempt, retrying after 2^attempts seconds until
// max_attempts is reached.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}

	attempts++
	if attempts >= maxAttempts {
		_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'failed', attempts = $2, last_error = $3, updated_at = now() WHERE id = $1`,
			id, attempts, errMsg)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'pending', attempts = $2, last_error = $3, run_after = $4, updated_at = now() WHERE id = $1`,
			id, attempts, errMsg, time.Now().UTC().Add(backoff))
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FailJobPermanent marks a job failed without further retries.
func (s *Store) FailJobPermanent(ctx context.Context, id string, errMsg string) error {
	return s.update(ctx, `UPDATE jobs SET status = 'failed', attempts = attempts + 1, last_error = $2, updated_at = now() WHERE id = $1`,
		id, errMsg)
}

func (s *Store) LatestJobForSource(ctx context.Context, sourceID string) (*storage.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE source_id = $1 ORDER BY created_at DESC LIMIT 1`, sourceID))
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJob(row pgx.Row) (storage.Job, error) {
	var (
		j         storage.Job
		lastError *string
	)
	err := row.Scan(&j.ID, &j.Type, &j.SourceID, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Job{}, err
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return j, nil
}
