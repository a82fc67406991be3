package modbus

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable is returned when the TCP session could not be
	// established or broke during a request.
	ErrTransportUnavailable = errors.New("modbus transport unavailable")

	// ErrInvalidResponse marks a response that could not be framed or did not
	// match its request. The session is reset after such a response.
	ErrInvalidResponse = errors.New("invalid modbus response")

	// ErrInvalidRequest is returned before any I/O for out-of-range quantities.
	ErrInvalidRequest = errors.New("invalid modbus request")
)

// ProtocolError is an exception response returned by the remote device.
type ProtocolError struct {
	Function      uint8
	ExceptionCode uint8
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X (%s) for function 0x%02X",
		e.ExceptionCode, exceptionName(e.ExceptionCode), e.Function)
}

func exceptionName(code uint8) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x05:
		return "acknowledge"
	case 0x06:
		return "server device busy"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target failed to respond"
	default:
		return "unknown"
	}
}

// IsProtocolError reports whether err carries a device exception.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
