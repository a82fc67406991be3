package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldTagValidate(t *testing.T) {
	valid := FieldTag{ID: "T1", DeviceID: "PLC01", DataType: DataTypeHoldingRegister, Direction: DirectionInput, Address: 3}

	tests := []struct {
		name    string
		mutate  func(t *FieldTag)
		wantErr bool
	}{
		{"valid", func(t *FieldTag) {}, false},
		{"bit index on register", func(t *FieldTag) { t.BitIndex = BitIndexPtr(15) }, false},
		{"bit index too large", func(t *FieldTag) { t.BitIndex = BitIndexPtr(16) }, true},
		{"bit index on coil", func(t *FieldTag) { t.DataType = DataTypeCoil; t.BitIndex = BitIndexPtr(0) }, true},
		{"missing id", func(t *FieldTag) { t.ID = "" }, true},
		{"missing device", func(t *FieldTag) { t.DeviceID = "" }, true},
		{"unknown data type", func(t *FieldTag) { t.DataType = "analog" }, true},
		{"unknown direction", func(t *FieldTag) { t.Direction = "both" }, true},
		{"partial mapping allowed", func(t *FieldTag) { t.EquipmentID = "CV01" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag := valid
			tt.mutate(&tag)
			err := tag.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTag)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFieldTagMappable(t *testing.T) {
	assert.False(t, FieldTag{EquipmentID: "CV01"}.Mappable())
	assert.False(t, FieldTag{PropertyName: "IsRunning"}.Mappable())
	assert.True(t, FieldTag{EquipmentID: "CV01", PropertyName: "IsRunning"}.Mappable())
}

func TestFieldTagReference(t *testing.T) {
	assert.Equal(t, "00001", FieldTag{DataType: DataTypeCoil, Address: 0}.Reference())
	assert.Equal(t, "10002", FieldTag{DataType: DataTypeDiscreteInput, Address: 1}.Reference())
	assert.Equal(t, "30011", FieldTag{DataType: DataTypeInputRegister, Address: 10}.Reference())
	assert.Equal(t, "40100", FieldTag{DataType: DataTypeHoldingRegister, Address: 99}.Reference())
}

func TestValidateTagsReportsDuplicates(t *testing.T) {
	tag := FieldTag{ID: "T1", DeviceID: "PLC01", DataType: DataTypeCoil, Direction: DirectionInput}

	assert.NoError(t, ValidateTags([]FieldTag{tag}))
	assert.ErrorIs(t, ValidateTags([]FieldTag{tag, tag}), ErrInvalidTag)
}
