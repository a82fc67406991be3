package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Client owns a single Modbus-TCP session. The session supports one
// in-flight request, so every call goes through a single-slot semaphore
// that also honours the caller's context.
type Client struct {
	address       string
	timeout       time.Duration
	logger        *zap.Logger
	slot          chan struct{}
	conn          net.Conn
	transactionID uint16
	// open mirrors conn != nil and is readable without the slot
	open atomic.Bool
}

func NewClient(address string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		address: address,
		timeout: timeout,
		logger:  logger,
		slot:    make(chan struct{}, 1),
	}
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.slot
}

// Connect opens the session eagerly. Requests connect lazily, so calling
// this is optional.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	_, err := c.ensureConnected(ctx)
	return err
}

// Close waits for any in-flight request and closes the session.
func (c *Client) Close() error {
	c.slot <- struct{}{}
	defer c.release()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.open.Store(false)
	return err
}

// Connected reports whether a session is currently open. A dial in
// progress reports false.
func (c *Client) Connected() bool {
	return c.open.Load()
}

func (c *Client) ensureConnected(ctx context.Context) (fresh bool, err error) {
	if c.conn != nil {
		return false, nil
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: dial %s: %w", ErrTransportUnavailable, c.address, err)
	}

	c.conn = conn
	c.open.Store(true)
	c.logger.Info("Modbus connection established", zap.String("address", c.address))
	return true, nil
}

func (c *Client) resetLocked(reason error) {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.open.Store(false)
	c.logger.Warn("Modbus connection reset",
		zap.String("address", c.address),
		zap.Error(reason))
}

// SendFrame sends a request and waits for the matching response. A broken
// session that had been reused is re-dialed once before the error is
// surfaced, so a peer restart between polls does not cost a cycle.
func (c *Client) SendFrame(ctx context.Context, request *Frame) (*Frame, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	for attempt := 0; ; attempt++ {
		fresh, err := c.ensureConnected(ctx)
		if err != nil {
			return nil, err
		}

		response, err := c.roundTrip(ctx, request)
		if err == nil {
			if response.IsException() {
				return nil, response.Exception()
			}
			return response, nil
		}

		c.resetLocked(err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrTransportUnavailable) && !fresh && attempt == 0 {
			continue
		}
		return nil, err
	}
}

func (c *Client) roundTrip(ctx context.Context, request *Frame) (*Frame, error) {
	conn := c.conn

	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %w", ErrTransportUnavailable, err)
	}

	// Cancellation unblocks a pending read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(request.Encode()); err != nil {
		return nil, fmt.Errorf("%w: write: %w", ErrTransportUnavailable, err)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrTransportUnavailable, err)
	}

	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length+6 > maxFrameSize {
		return nil, fmt.Errorf("%w: length field %d", ErrInvalidResponse, length)
	}

	raw := make([]byte, 6+length)
	copy(raw, header)
	if _, err := io.ReadFull(conn, raw[headerSize:]); err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransportUnavailable, err)
	}

	response, err := DecodeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	if response.TransactionID != request.TransactionID {
		return nil, fmt.Errorf("%w: transaction ID mismatch: expected %d, got %d",
			ErrInvalidResponse, request.TransactionID, response.TransactionID)
	}
	if response.FunctionCode&^exceptionFlag != request.FunctionCode {
		return nil, fmt.Errorf("%w: function code mismatch: expected 0x%02X, got 0x%02X",
			ErrInvalidResponse, request.FunctionCode, response.FunctionCode)
	}

	return response, nil
}

// ReadCoils reads coils (0xxxx).
func (c *Client) ReadCoils(ctx context.Context, slaveID uint8, startAddr, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, FuncCodeReadCoils, slaveID, startAddr, quantity)
}

// ReadDiscreteInputs reads discrete inputs (1xxxx).
func (c *Client) ReadDiscreteInputs(ctx context.Context, slaveID uint8, startAddr, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, FuncCodeReadDiscreteInputs, slaveID, startAddr, quantity)
}

// ReadHoldingRegisters reads holding registers (4xxxx).
func (c *Client) ReadHoldingRegisters(ctx context.Context, slaveID uint8, startAddr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncCodeReadHoldingRegisters, slaveID, startAddr, quantity)
}

// ReadInputRegisters reads input registers (3xxxx).
func (c *Client) ReadInputRegisters(ctx context.Context, slaveID uint8, startAddr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncCodeReadInputRegisters, slaveID, startAddr, quantity)
}

// WriteSingleCoil writes one coil and checks the echo.
func (c *Client) WriteSingleCoil(ctx context.Context, slaveID uint8, addr uint16, value bool) error {
	request := WriteSingleCoilRequest(slaveID, addr, value)
	echo := coilOff
	if value {
		echo = coilOn
	}

	response, err := c.SendFrame(ctx, request)
	if err != nil {
		return err
	}
	return response.checkEcho(addr, echo)
}

// WriteSingleRegister writes one holding register and checks the echo.
func (c *Client) WriteSingleRegister(ctx context.Context, slaveID uint8, addr uint16, value uint16) error {
	response, err := c.SendFrame(ctx, WriteSingleRegisterRequest(slaveID, addr, value))
	if err != nil {
		return err
	}
	return response.checkEcho(addr, value)
}

func (c *Client) readBits(ctx context.Context, functionCode, slaveID uint8, startAddr, quantity uint16) ([]bool, error) {
	if err := checkRange(startAddr, quantity, MaxReadBits); err != nil {
		return nil, err
	}

	response, err := c.SendFrame(ctx, NewReadRequest(functionCode, slaveID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseBitResponse(quantity)
}

func (c *Client) readRegisters(ctx context.Context, functionCode, slaveID uint8, startAddr, quantity uint16) ([]uint16, error) {
	if err := checkRange(startAddr, quantity, MaxReadRegisters); err != nil {
		return nil, err
	}

	response, err := c.SendFrame(ctx, NewReadRequest(functionCode, slaveID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseRegisterResponse(quantity)
}

func checkRange(startAddr, quantity uint16, max int) error {
	if quantity == 0 || int(quantity) > max {
		return fmt.Errorf("%w: quantity %d out of range 1..%d", ErrInvalidRequest, quantity, max)
	}
	if int(startAddr)+int(quantity) > 0x10000 {
		return fmt.Errorf("%w: range %d+%d exceeds address space", ErrInvalidRequest, startAddr, quantity)
	}
	return nil
}
