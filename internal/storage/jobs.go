package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenWCS/internal/jobs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, pallet_id, station, callback_url, state, created_at, updated_at`

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var j jobs.Job
	var state string
	if err := row.Scan(&j.ID, &j.PalletID, &j.Station, &j.CallbackURL, &state, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.State = jobs.JobState(state)
	return &j, nil
}

// AddJob inserts a new job
func (p *PostgresClient) AddJob(ctx context.Context, j *jobs.Job) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, j.ID, j.PalletID, j.Station, j.CallbackURL, string(j.State), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// SaveJob persists the mutable fields of a job
func (p *PostgresClient) SaveJob(ctx context.Context, j *jobs.Job) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, updated_at = $3 WHERE id = $1
	`, j.ID, string(j.State), j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", j.ID, jobs.ErrNotFound)
	}
	return nil
}

func (p *PostgresClient) GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, jobs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return j, nil
}

// FindScheduledJobByPallet returns the oldest scheduled job for a pallet.
func (p *PostgresClient) FindScheduledJobByPallet(ctx context.Context, palletID string) (*jobs.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE pallet_id = $1 AND state = $2
		ORDER BY created_at
		LIMIT 1
	`, palletID, string(jobs.JobScheduled)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scheduled job for pallet %s: %w", palletID, jobs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return j, nil
}

// DispatchJob stores a job that moved to Dispatched together with the
// command that starts it. The update is guarded on the job still being
// scheduled, so two scanner reads cannot dispatch the same job twice.
func (p *PostgresClient) DispatchJob(ctx context.Context, j *jobs.Job, cmd *jobs.Command) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET state = $2, updated_at = $3
		WHERE id = $1 AND state = $4
	`, j.ID, string(j.State), j.UpdatedAt, string(jobs.JobScheduled))
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is no longer scheduled: %w", j.ID, jobs.ErrInvalidTransition)
	}

	if err := insertCommand(ctx, tx, cmd); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
