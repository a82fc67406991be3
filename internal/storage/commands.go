package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenWCS/internal/jobs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const commandColumns = `id, job_id, device_code, name, args, request_id, state, created_at, completed_at, note`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanCommand(row pgx.Row) (*jobs.Command, error) {
	var c jobs.Command
	var state string
	var args []byte
	if err := row.Scan(&c.ID, &c.JobID, &c.DeviceCode, &c.Name, &args, &c.RequestID, &state, &c.CreatedAt, &c.CompletedAt, &c.Note); err != nil {
		return nil, err
	}
	c.State = jobs.CommandState(state)
	if len(args) > 0 {
		c.Args = json.RawMessage(args)
	}
	return &c, nil
}

func argsParam(args json.RawMessage) any {
	if len(args) == 0 {
		return nil
	}
	return []byte(args)
}

func insertCommand(ctx context.Context, db execer, c *jobs.Command) error {
	_, err := db.Exec(ctx, `
		INSERT INTO commands (`+commandColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.JobID, c.DeviceCode, c.Name, argsParam(c.Args), c.RequestID, string(c.State), c.CreatedAt, c.CompletedAt, c.Note)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

func updateCommand(ctx context.Context, db execer, c *jobs.Command, requireState jobs.CommandState) error {
	query := `UPDATE commands SET state = $2, completed_at = $3, note = $4 WHERE id = $1`
	args := []any{c.ID, string(c.State), c.CompletedAt, c.Note}
	if requireState != "" {
		query += ` AND state = $5`
		args = append(args, string(requireState))
	}

	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if requireState != "" {
			return fmt.Errorf("command %s is no longer %s: %w", c.ID, requireState, jobs.ErrInvalidTransition)
		}
		return fmt.Errorf("command %s: %w", c.ID, jobs.ErrNotFound)
	}
	return nil
}

func (p *PostgresClient) AddCommand(ctx context.Context, c *jobs.Command) error {
	return insertCommand(ctx, p.pool, c)
}

func (p *PostgresClient) SaveCommand(ctx context.Context, c *jobs.Command) error {
	return updateCommand(ctx, p.pool, c, "")
}

func (p *PostgresClient) GetCommand(ctx context.Context, id uuid.UUID) (*jobs.Command, error) {
	c, err := scanCommand(p.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w", id, jobs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query command: %w", err)
	}
	return c, nil
}

func (p *PostgresClient) PendingCommands(ctx context.Context, limit int) ([]*jobs.Command, error) {
	return p.commandsInState(ctx, jobs.CommandPending, limit)
}

func (p *PostgresClient) SentCommands(ctx context.Context, limit int) ([]*jobs.Command, error) {
	return p.commandsInState(ctx, jobs.CommandSent, limit)
}

func (p *PostgresClient) commandsInState(ctx context.Context, state jobs.CommandState, limit int) ([]*jobs.Command, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE state = $1
		ORDER BY created_at
		LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read commands: %w", err)
	}
	return out, nil
}

// CompleteCommand stores an acknowledged command and, when given, the job
// it completed, in one transaction. Both updates are guarded on the prior
// state so a concurrent writer makes the whole step fail.
func (p *PostgresClient) CompleteCommand(ctx context.Context, c *jobs.Command, j *jobs.Job) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateCommand(ctx, tx, c, jobs.CommandSent); err != nil {
		return err
	}

	if j != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET state = $2, updated_at = $3
			WHERE id = $1 AND state = $4
		`, j.ID, string(j.State), j.UpdatedAt, string(jobs.JobDispatched))
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("job %s is no longer dispatched: %w", j.ID, jobs.ErrInvalidTransition)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
