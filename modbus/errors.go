package modbus

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed       = errors.New("malformed frame")
	ErrUnknownFunction = errors.New("unknown function code")
	ErrDeviceException = errors.New("device exception")
	ErrChecksum        = errors.New("checksum mismatch")
)

// ExceptionError is returned when the slave answers with the exception bit set on the
// function code. It matches ErrDeviceException with errors.Is.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("%v: function 0x%02x, exception code 0x%02x",
		ErrDeviceException, e.Function, e.Code)
}

func (e *ExceptionError) Is(target error) bool {
	return target == ErrDeviceException
}
