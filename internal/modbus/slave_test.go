package modbus

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSlave is a minimal in-process Modbus-TCP server.
type fakeSlave struct {
	ln net.Listener

	mu        sync.Mutex
	coils     []bool
	discrete  []bool
	holding   []uint16
	input     []uint16
	exception map[uint8]uint8
	dropNext  bool
	stall     bool
	accepted  int
	requests  int
}

func newFakeSlave(t *testing.T) *fakeSlave {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeSlave{
		ln:        ln,
		coils:     make([]bool, 32),
		discrete:  make([]bool, 32),
		holding:   make([]uint16, 32),
		input:     make([]uint16, 32),
		exception: make(map[uint8]uint8),
	}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })

	return s
}

func (s *fakeSlave) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeSlave) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *fakeSlave) handle(conn net.Conn) {
	defer conn.Close()

	for {
		header := make([]byte, 7)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		body := make([]byte, int(binary.BigEndian.Uint16(header[4:6]))-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		s.mu.Lock()
		s.requests++
		if s.dropNext {
			s.dropNext = false
			s.mu.Unlock()
			return
		}
		if s.stall {
			s.mu.Unlock()
			continue
		}
		pdu := s.respond(body[0], body[1:])
		s.mu.Unlock()

		resp := make([]byte, 7+len(pdu))
		copy(resp[0:2], header[0:2])
		binary.BigEndian.PutUint16(resp[4:6], uint16(len(pdu)+1))
		resp[6] = header[6]
		copy(resp[7:], pdu)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (s *fakeSlave) respond(fc uint8, data []byte) []byte {
	if code, ok := s.exception[fc]; ok {
		return []byte{fc | 0x80, code}
	}

	addr := int(binary.BigEndian.Uint16(data[0:2]))
	val := binary.BigEndian.Uint16(data[2:4])

	switch fc {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		src := s.coils
		if fc == FuncCodeReadDiscreteInputs {
			src = s.discrete
		}
		packed := make([]byte, (int(val)+7)/8)
		for i := 0; i < int(val); i++ {
			if src[addr+i] {
				packed[i/8] |= 1 << (i % 8)
			}
		}
		return append([]byte{fc, byte(len(packed))}, packed...)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		src := s.holding
		if fc == FuncCodeReadInputRegisters {
			src = s.input
		}
		out := []byte{fc, byte(2 * val)}
		for i := 0; i < int(val); i++ {
			out = binary.BigEndian.AppendUint16(out, src[addr+i])
		}
		return out
	case FuncCodeWriteSingleCoil:
		s.coils[addr] = val == coilOn
		return append([]byte{fc}, data[:4]...)
	case FuncCodeWriteSingleRegister:
		s.holding[addr] = val
		return append([]byte{fc}, data[:4]...)
	}
	return []byte{fc | 0x80, 0x01}
}

func (s *fakeSlave) counts() (accepted, requests int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted, s.requests
}

func (s *fakeSlave) set(fn func(s *fakeSlave)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}
