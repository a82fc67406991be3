package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/equipment"
	"github.com/jackc/pgx/v5"
)

const equipmentColumns = `id, name, device_id, is_running, has_fault, is_blocked, speed, temperature, error_code, mode, last_status_changed_at`

func scanEquipment(row pgx.Row) (*equipment.Equipment, error) {
	var e equipment.Equipment
	var mode string
	var changedAt *time.Time
	if err := row.Scan(&e.ID, &e.Name, &e.DeviceID, &e.IsRunning, &e.HasFault, &e.IsBlocked,
		&e.Speed, &e.Temperature, &e.ErrorCode, &mode, &changedAt); err != nil {
		return nil, err
	}

	parsed, err := equipment.ParseMode(mode)
	if err != nil {
		return nil, fmt.Errorf("equipment %s: %w", e.ID, err)
	}
	e.Mode = parsed
	if changedAt != nil {
		e.LastStatusChangedAt = *changedAt
	}
	return &e, nil
}

func (p *PostgresClient) GetEquipment(ctx context.Context, id string) (*equipment.Equipment, error) {
	e, err := scanEquipment(p.pool.QueryRow(ctx, `SELECT `+equipmentColumns+` FROM equipment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("equipment %s: %w", id, equipment.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query equipment: %w", err)
	}
	return e, nil
}

// SaveEquipment inserts or replaces the stored status of e.
func (p *PostgresClient) SaveEquipment(ctx context.Context, e *equipment.Equipment) error {
	var changedAt *time.Time
	if !e.LastStatusChangedAt.IsZero() {
		changedAt = &e.LastStatusChangedAt
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO equipment (`+equipmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			device_id = EXCLUDED.device_id,
			is_running = EXCLUDED.is_running,
			has_fault = EXCLUDED.has_fault,
			is_blocked = EXCLUDED.is_blocked,
			speed = EXCLUDED.speed,
			temperature = EXCLUDED.temperature,
			error_code = EXCLUDED.error_code,
			mode = EXCLUDED.mode,
			last_status_changed_at = EXCLUDED.last_status_changed_at
	`, e.ID, e.Name, e.DeviceID, e.IsRunning, e.HasFault, e.IsBlocked,
		e.Speed, e.Temperature, e.ErrorCode, e.Mode.String(), changedAt)
	if err != nil {
		return fmt.Errorf("failed to save equipment: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListEquipment(ctx context.Context) ([]*equipment.Equipment, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+equipmentColumns+` FROM equipment ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query equipment: %w", err)
	}
	defer rows.Close()

	var out []*equipment.Equipment
	for rows.Next() {
		e, err := scanEquipment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan equipment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
