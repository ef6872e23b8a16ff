package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robertof/go-renogy-exporter/connection"
	"github.com/robertof/go-renogy-exporter/modbus"
)

var (
	ErrReadTimeout        = errors.New("read timed out")
	ErrWriteTimeout       = errors.New("write acknowledgement timed out")
	ErrRequestOutstanding = errors.New("a request is already outstanding")
)

// Fields maps field names to decoded values: float64 for numbers, string for
// strings and enums.
type Fields map[string]any

// Snapshot is the result of one complete polling cycle. It must not be modified
// once emitted.
type Snapshot struct {
	Alias  string
	Fields Fields
	Time   time.Time
}

func (s *Snapshot) String() string {
	keys := make([]string, 0, len(s.Fields))

	for k := range s.Fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	fields := make([]string, 0, len(keys))

	for _, k := range keys {
		fields = append(fields, fmt.Sprintf("%s=%v", k, s.Fields[k]))
	}

	return fmt.Sprintf("Snapshot[Alias=%s,%v]", s.Alias, strings.Join(fields, ","))
}

type ErrorKind uint8

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindDiscoveryFailure
	ErrorKindConnectionFailure
	ErrorKindServiceResolutionIncomplete
	ErrorKindWriteFailure
	ErrorKindReadTimeout
	ErrorKindMalformedResponse
	ErrorKindDeviceException
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindDiscoveryFailure:
		return "DiscoveryFailure"
	case ErrorKindConnectionFailure:
		return "ConnectionFailure"
	case ErrorKindServiceResolutionIncomplete:
		return "ServiceResolutionIncomplete"
	case ErrorKindWriteFailure:
		return "WriteFailure"
	case ErrorKindReadTimeout:
		return "ReadTimeout"
	case ErrorKindMalformedResponse:
		return "MalformedResponse"
	case ErrorKindDeviceException:
		return "DeviceException"
	default:
		return "Unknown"
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// KindOf classifies err, which may wrap several sentinels. The most specific one
// wins: an exhausted connect that failed during discovery is a DiscoveryFailure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindUnknown
	case errors.Is(err, modbus.ErrDeviceException):
		return ErrorKindDeviceException
	case errors.Is(err, ErrReadTimeout), errors.Is(err, ErrWriteTimeout):
		return ErrorKindReadTimeout
	case errors.Is(err, modbus.ErrMalformed),
		errors.Is(err, modbus.ErrUnknownFunction),
		errors.Is(err, ErrInvalidField):
		return ErrorKindMalformedResponse
	case errors.Is(err, connection.ErrDiscoveryFailed):
		return ErrorKindDiscoveryFailure
	case errors.Is(err, connection.ErrServiceResolution):
		return ErrorKindServiceResolutionIncomplete
	case errors.Is(err, connection.ErrWriteFailed):
		return ErrorKindWriteFailure
	case errors.Is(err, connection.ErrConnectionFailed),
		errors.Is(err, connection.ErrNotConnected),
		errors.Is(err, connection.ErrAttemptsExhausted):
		return ErrorKindConnectionFailure
	default:
		return ErrorKindUnknown
	}
}

// PollError is the error event emitted for a failed cycle, connect or write.
type PollError struct {
	Kind    ErrorKind
	Message string
	Time    time.Time

	err error
}

func NewPollError(err error) *PollError {
	return &PollError{
		Kind:    KindOf(err),
		Message: err.Error(),
		Time:    time.Now(),
		err:     err,
	}
}

func (e *PollError) Error() string {
	return e.Kind.String() + ": " + e.Message
}

func (e *PollError) Unwrap() error {
	return e.err
}

// Event carries exactly one of Snapshot or Err.
type Event struct {
	Snapshot *Snapshot
	Err      *PollError
}
