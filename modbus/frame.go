// Package modbus implements the request/response framing spoken by Renogy BT-1/BT-2
// modules: a Modbus RTU subset carried over BLE GATT writes and notifications.
package modbus

import (
	"encoding/binary"
	"fmt"
)

const (
	FuncReadHolding byte = 0x03
	FuncWriteSingle byte = 0x06

	exceptionFlag byte = 0x80

	FuncReadException  = FuncReadHolding | exceptionFlag
	FuncWriteException = FuncWriteSingle | exceptionFlag

	// MaxReadWords is the largest word count a single read request may ask for.
	MaxReadWords = 125

	requestLen = 8
	// slave id, function, byte count (or exception code), then the CRC pair.
	minResponseLen = 5
	readHeaderLen  = 3
)

// Request is a decoded request frame. Argument holds the word count for reads and
// the value for writes.
type Request struct {
	SlaveID  uint8
	Function byte
	Register uint16
	Argument uint16
}

func (r Request) String() string {
	return fmt.Sprintf("Request[Slave=%d,Func=0x%02x,Register=%d,Argument=%d]",
		r.SlaveID, r.Function, r.Register, r.Argument)
}

// Response is a successfully decoded read response. Data holds the register words,
// big-endian, without the header or the trailing bytes.
type Response struct {
	SlaveID  uint8
	Function byte
	Data     []byte
}

func encode(slaveID uint8, function byte, register, argument uint16) []byte {
	b := make([]byte, requestLen)

	b[0] = slaveID
	b[1] = function
	binary.BigEndian.PutUint16(b[2:], register)
	binary.BigEndian.PutUint16(b[4:], argument)
	binary.LittleEndian.PutUint16(b[6:], CRC16(b[:6]))

	return b
}

// EncodeRead builds a "read holding registers" request for words registers starting
// at register.
func EncodeRead(slaveID uint8, register, words uint16) []byte {
	return encode(slaveID, FuncReadHolding, register, words)
}

// EncodeWrite builds a "write single register" request.
func EncodeWrite(slaveID uint8, register, value uint16) []byte {
	return encode(slaveID, FuncWriteSingle, register, value)
}

// DecodeRequest parses a request frame produced by EncodeRead or EncodeWrite,
// verifying its CRC.
func DecodeRequest(b []byte) (r Request, err error) {
	if len(b) != requestLen {
		return r, fmt.Errorf("%w: request has length %d, want %d", ErrMalformed, len(b), requestLen)
	}

	want := CRC16(b[:6])
	got := binary.LittleEndian.Uint16(b[6:])

	if want != got {
		return r, fmt.Errorf("%w: want 0x%04x, got 0x%04x", ErrChecksum, want, got)
	}

	r.SlaveID = b[0]
	r.Function = b[1]
	r.Register = binary.BigEndian.Uint16(b[2:])
	r.Argument = binary.BigEndian.Uint16(b[4:])

	return r, nil
}

// DecodeResponse validates a notification received in response to a read of words
// registers. The trailing two bytes are not checked: not every BT module family
// appends a valid CRC to its notifications.
func DecodeResponse(b []byte, words uint16) (r Response, err error) {
	if len(b) < minResponseLen {
		return r, fmt.Errorf("%w: response has length %d, want at least %d",
			ErrMalformed, len(b), minResponseLen)
	}

	r.SlaveID = b[0]
	r.Function = b[1]

	switch r.Function {
	case FuncReadHolding:
		want := int(words)*2 + minResponseLen

		if len(b) != want {
			return r, fmt.Errorf("%w: read response has length %d, want %d for %d words",
				ErrMalformed, len(b), want, words)
		}

		r.Data = b[readHeaderLen : readHeaderLen+int(words)*2]

		return r, nil
	case FuncReadException:
		return r, &ExceptionError{Function: r.Function, Code: b[2]}
	default:
		return r, fmt.Errorf("%w: 0x%02x", ErrUnknownFunction, r.Function)
	}
}

// DecodeWriteAck parses the echo a slave sends after a "write single register"
// request.
func DecodeWriteAck(b []byte) (register, value uint16, err error) {
	if len(b) < minResponseLen {
		return 0, 0, fmt.Errorf("%w: write ack has length %d, want at least %d",
			ErrMalformed, len(b), minResponseLen)
	}

	switch b[1] {
	case FuncWriteSingle:
		if len(b) < 6 {
			return 0, 0, fmt.Errorf("%w: write ack has length %d, want at least 6", ErrMalformed, len(b))
		}

		return binary.BigEndian.Uint16(b[2:]), binary.BigEndian.Uint16(b[4:]), nil
	case FuncWriteException:
		return 0, 0, &ExceptionError{Function: b[1], Code: b[2]}
	default:
		return 0, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFunction, b[1])
	}
}
