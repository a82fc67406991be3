package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenWCS/internal/types"
)

const fieldTagColumns = `id, device_id, data_type, direction, address, bit_index, description, equipment_id, property_name`

// GetAllFieldTags returns every stored tag ordered by id.
func (p *PostgresClient) GetAllFieldTags(ctx context.Context) ([]types.FieldTag, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+fieldTagColumns+` FROM field_tags ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query field tags: %w", err)
	}
	defer rows.Close()

	tags := []types.FieldTag{}
	for rows.Next() {
		var t types.FieldTag
		var dataType, direction string
		var address int32
		var bitIndex *int16
		if err := rows.Scan(&t.ID, &t.DeviceID, &dataType, &direction, &address, &bitIndex,
			&t.Description, &t.EquipmentID, &t.PropertyName); err != nil {
			return nil, fmt.Errorf("failed to scan field tag: %w", err)
		}
		t.DataType = types.DataType(dataType)
		t.Direction = types.Direction(direction)
		t.Address = uint16(address)
		if bitIndex != nil {
			t.BitIndex = types.BitIndexPtr(uint8(*bitIndex))
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read field tags: %w", err)
	}
	return tags, nil
}

// UpsertFieldTags writes tags in one transaction, replacing rows with the
// same id.
func (p *PostgresClient) UpsertFieldTags(ctx context.Context, tags []types.FieldTag) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range tags {
		var bitIndex *int16
		if t.BitIndex != nil {
			b := int16(*t.BitIndex)
			bitIndex = &b
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO field_tags (`+fieldTagColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				device_id = EXCLUDED.device_id,
				data_type = EXCLUDED.data_type,
				direction = EXCLUDED.direction,
				address = EXCLUDED.address,
				bit_index = EXCLUDED.bit_index,
				description = EXCLUDED.description,
				equipment_id = EXCLUDED.equipment_id,
				property_name = EXCLUDED.property_name
		`, t.ID, t.DeviceID, string(t.DataType), string(t.Direction), int32(t.Address), bitIndex,
			t.Description, t.EquipmentID, t.PropertyName)
		if err != nil {
			return fmt.Errorf("failed to upsert tag %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TagRegistry exposes the field_tags table as a tag registry.
type TagRegistry struct {
	client *PostgresClient
}

func NewTagRegistry(client *PostgresClient) *TagRegistry {
	return &TagRegistry{client: client}
}

func (r *TagRegistry) GetAll(ctx context.Context) ([]types.FieldTag, error) {
	return r.client.GetAllFieldTags(ctx)
}
