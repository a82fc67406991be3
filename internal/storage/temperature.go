package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenWCS/internal/temperature"
	"github.com/jackc/pgx/v5"
)

// AddTemperatureReadings bulk-loads readings with COPY.
func (p *PostgresClient) AddTemperatureReadings(ctx context.Context, readings []temperature.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"temperature_readings"},
		[]string{"id", "sensor_id", "value", "recorded_at"},
		pgx.CopyFromSlice(len(readings), func(i int) ([]any, error) {
			r := readings[i]
			return []any{r.ID, r.SensorID, r.Value, r.Timestamp}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to insert temperature readings: %w", err)
	}
	return nil
}

// RecentTemperatureReadings returns up to count readings, newest first.
func (p *PostgresClient) RecentTemperatureReadings(ctx context.Context, count int) ([]temperature.Reading, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, sensor_id, value, recorded_at FROM temperature_readings
		ORDER BY recorded_at DESC, sensor_id
		LIMIT $1
	`, count)
	if err != nil {
		return nil, fmt.Errorf("failed to query temperature readings: %w", err)
	}
	defer rows.Close()

	var out []temperature.Reading
	for rows.Next() {
		var r temperature.Reading
		if err := rows.Scan(&r.ID, &r.SensorID, &r.Value, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan temperature reading: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read temperature readings: %w", err)
	}
	return out, nil
}
