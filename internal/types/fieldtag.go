package types

import (
	"errors"
	"fmt"
)

type DataType string

const (
	DataTypeCoil            DataType = "coil"
	DataTypeDiscreteInput   DataType = "discrete_input"
	DataTypeHoldingRegister DataType = "holding_register"
	DataTypeInputRegister   DataType = "input_register"
)

func (d DataType) Valid() bool {
	switch d {
	case DataTypeCoil, DataTypeDiscreteInput, DataTypeHoldingRegister, DataTypeInputRegister:
		return true
	}
	return false
}

// IsBit reports whether the address space holds single-bit points.
func (d DataType) IsBit() bool {
	return d == DataTypeCoil || d == DataTypeDiscreteInput
}

// IsRegister reports whether the address space holds 16-bit words.
func (d DataType) IsRegister() bool {
	return d == DataTypeHoldingRegister || d == DataTypeInputRegister
}

// prefix is the leading digit of classic Modbus reference notation.
func (d DataType) prefix() int {
	switch d {
	case DataTypeDiscreteInput:
		return 1
	case DataTypeInputRegister:
		return 3
	case DataTypeHoldingRegister:
		return 4
	}
	return 0
}

type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// FieldTag describes one addressable point on the field bus.
type FieldTag struct {
	ID           string    `json:"id" yaml:"id"`
	DeviceID     string    `json:"device_id" yaml:"device_id"`
	DataType     DataType  `json:"data_type" yaml:"data_type"`
	Direction    Direction `json:"direction" yaml:"direction"`
	Address      uint16    `json:"address" yaml:"address"`
	BitIndex     *uint8    `json:"bit_index,omitempty" yaml:"bit_index,omitempty"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	EquipmentID  string    `json:"equipment_id,omitempty" yaml:"equipment_id,omitempty"`
	PropertyName string    `json:"property_name,omitempty" yaml:"property_name,omitempty"`
}

var ErrInvalidTag = errors.New("invalid field tag")

// Mappable reports whether the tag feeds an equipment property.
func (t FieldTag) Mappable() bool {
	return t.EquipmentID != "" && t.PropertyName != ""
}

// Polled reports whether the acquisition loop reads this tag.
func (t FieldTag) Polled() bool {
	return t.Direction == DirectionInput
}

// Reference renders the tag address in 1-based Modbus notation, e.g. 40001.
func (t FieldTag) Reference() string {
	return fmt.Sprintf("%d%04d", t.DataType.prefix(), int(t.Address)+1)
}

func (t FieldTag) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTag)
	}
	if t.DeviceID == "" {
		return fmt.Errorf("%w: %s: empty device id", ErrInvalidTag, t.ID)
	}
	if !t.DataType.Valid() {
		return fmt.Errorf("%w: %s: unknown data type %q", ErrInvalidTag, t.ID, t.DataType)
	}
	if t.Direction != DirectionInput && t.Direction != DirectionOutput {
		return fmt.Errorf("%w: %s: unknown direction %q", ErrInvalidTag, t.ID, t.Direction)
	}
	if t.BitIndex != nil {
		if !t.DataType.IsRegister() {
			return fmt.Errorf("%w: %s: bit index only allowed on register types", ErrInvalidTag, t.ID)
		}
		if *t.BitIndex > 15 {
			return fmt.Errorf("%w: %s: bit index %d out of range 0..15", ErrInvalidTag, t.ID, *t.BitIndex)
		}
	}
	return nil
}

// ValidateTags checks every tag and rejects duplicate ids.
func ValidateTags(tags []FieldTag) error {
	var errs []error
	seen := make(map[string]struct{}, len(tags))

	for _, t := range tags {
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[t.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate id %s", ErrInvalidTag, t.ID))
			continue
		}
		seen[t.ID] = struct{}{}
	}

	return errors.Join(errs...)
}

// BitIndexPtr is a convenience for building tags in code.
func BitIndexPtr(i uint8) *uint8 {
	return &i
}
