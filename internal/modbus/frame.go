package modbus

import (
	"encoding/binary"
	"fmt"
)

// MBAP Header (7 Bytes) + Function Code + Data
type Frame struct {
	TransactionID uint16 // Request/Response Korrelation
	ProtocolID    uint16 // Immer 0x0000 für Modbus
	Length        uint16 // Anzahl folgender Bytes (UnitID + PDU)
	UnitID        uint8  // Slave Address
	FunctionCode  uint8
	Data          []byte
}

const (
	headerSize   = 7
	maxFrameSize = 260

	// MaxReadBits is the largest quantity accepted by FC 0x01/0x02.
	MaxReadBits = 2000
	// MaxReadRegisters is the largest quantity accepted by FC 0x03/0x04.
	MaxReadRegisters = 125
)

// Modbus Function Codes
const (
	FuncCodeReadCoils            uint8 = 0x01
	FuncCodeReadDiscreteInputs   uint8 = 0x02
	FuncCodeReadHoldingRegisters uint8 = 0x03
	FuncCodeReadInputRegisters   uint8 = 0x04
	FuncCodeWriteSingleCoil      uint8 = 0x05
	FuncCodeWriteSingleRegister  uint8 = 0x06

	exceptionFlag uint8 = 0x80
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// Encode builds the complete TCP frame.
func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // +2 für UnitID + FunctionCode

	frame := make([]byte, headerSize+1+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// DecodeFrame parses a complete frame (MBAP header plus PDU).
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < headerSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}
	if int(frame.Length)+6 != len(data) {
		return nil, fmt.Errorf("length field %d does not match frame size %d", frame.Length, len(data))
	}

	if len(data) > headerSize+1 {
		frame.Data = data[headerSize+1:]
	}

	return frame, nil
}

// NewReadRequest builds a request for one of the four read function codes.
func NewReadRequest(functionCode, unitID uint8, startAddr, quantity uint16) *Frame {
	return newAddressValueFrame(functionCode, unitID, startAddr, quantity)
}

// WriteSingleCoilRequest erstellt Request für Function Code 0x05
func WriteSingleCoilRequest(unitID uint8, addr uint16, value bool) *Frame {
	v := coilOff
	if value {
		v = coilOn
	}
	return newAddressValueFrame(FuncCodeWriteSingleCoil, unitID, addr, v)
}

// WriteSingleRegisterRequest erstellt Request für Function Code 0x06
func WriteSingleRegisterRequest(unitID uint8, addr uint16, value uint16) *Frame {
	return newAddressValueFrame(FuncCodeWriteSingleRegister, unitID, addr, value)
}

func newAddressValueFrame(functionCode, unitID uint8, addr, value uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)

	return &Frame{
		ProtocolID:   0x0000,
		UnitID:       unitID,
		FunctionCode: functionCode,
		Data:         data,
	}
}

// IsException reports whether the device answered with an exception PDU.
func (f *Frame) IsException() bool {
	return f.FunctionCode&exceptionFlag != 0
}

// Exception converts an exception response into a ProtocolError.
func (f *Frame) Exception() *ProtocolError {
	code := uint8(0)
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ProtocolError{
		Function:      f.FunctionCode &^ exceptionFlag,
		ExceptionCode: code,
	}
}

// ParseBitResponse unpacks a coil/discrete input response. Bits are packed
// LSB first, eight per byte.
func (f *Frame) ParseBitResponse(quantity uint16) ([]bool, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("%w: bit response too short", ErrInvalidResponse)
	}

	byteCount := int(f.Data[0])
	expected := (int(quantity) + 7) / 8
	if byteCount != expected || len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("%w: expected %d data bytes, got %d", ErrInvalidResponse, expected, byteCount)
	}

	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = f.Data[1+i/8]&(1<<(i%8)) != 0
	}

	return bits, nil
}

// ParseRegisterResponse parses a holding/input register response.
func (f *Frame) ParseRegisterResponse(quantity uint16) ([]uint16, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("%w: register response too short", ErrInvalidResponse)
	}

	byteCount := int(f.Data[0])
	if byteCount != int(quantity)*2 || len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("%w: expected %d data bytes, got %d", ErrInvalidResponse, int(quantity)*2, byteCount)
	}

	registers := make([]uint16, quantity)
	for i := range registers {
		offset := 1 + i*2
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}

// checkEcho validates the echo a device sends back for FC 0x05/0x06.
func (f *Frame) checkEcho(addr, value uint16) error {
	if len(f.Data) < 4 {
		return fmt.Errorf("%w: write response too short", ErrInvalidResponse)
	}
	gotAddr := binary.BigEndian.Uint16(f.Data[0:2])
	gotValue := binary.BigEndian.Uint16(f.Data[2:4])
	if gotAddr != addr || gotValue != value {
		return fmt.Errorf("%w: write echo mismatch (addr %d value 0x%04X)", ErrInvalidResponse, gotAddr, gotValue)
	}
	return nil
}
