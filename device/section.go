package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/robertof/go-renogy-exporter/modbus"
)

var (
	ErrInvalidSection = errors.New("invalid register section")
	ErrInvalidField   = errors.New("invalid field data")
)

type FieldKind uint8

const (
	FieldUint FieldKind = iota
	FieldInt
	// one byte, bit 7 is the sign, bits 0-6 the magnitude. Used for temperatures.
	FieldSignMag
	FieldString
	FieldEnum
)

var fieldKindNames = map[FieldKind]string{
	FieldUint:    "uint",
	FieldInt:     "int",
	FieldSignMag: "signmag",
	FieldString:  "string",
	FieldEnum:    "enum",
}

func (k FieldKind) String() string {
	if name, ok := fieldKindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("FieldKind(%d)", uint8(k))
}

func (k *FieldKind) UnmarshalText(text []byte) error {
	for kind, name := range fieldKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}

	return fmt.Errorf("unknown field kind %q", text)
}

// Field decodes one value from a section's register data. Offset and Size are in
// bytes, relative to the first register of the section.
type Field struct {
	Name   string         `yaml:"name"`
	Kind   FieldKind      `yaml:"kind"`
	Offset int            `yaml:"offset"`
	Size   int            `yaml:"size"`
	Shift  uint           `yaml:"shift"`
	Scale  float64        `yaml:"scale"`
	Values map[int]string `yaml:"values"`
	// When set, the field is repeated as many times as the value of the named
	// (earlier) field, producing Name_0, Name_1, ... at consecutive offsets.
	CountFrom string `yaml:"count_from"`
}

// Section is one poll unit: a contiguous run of holding registers and the fields
// decoded from it.
type Section struct {
	Name     string  `yaml:"name"`
	Register uint16  `yaml:"register"`
	Words    uint16  `yaml:"words"`
	Fields   []Field `yaml:"fields"`
}

func (s Section) String() string {
	return fmt.Sprintf("%s@%d", s.Name, s.Register)
}

func (s Section) Validate() error {
	if s.Words == 0 || s.Words > modbus.MaxReadWords {
		return fmt.Errorf("%w: section %v reads %d words, must be within 1..%d",
			ErrInvalidSection, s, s.Words, modbus.MaxReadWords)
	}

	seen := map[string]bool{}

	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: section %v has an unnamed field", ErrInvalidSection, s)
		}

		switch f.Kind {
		case FieldUint, FieldInt, FieldEnum:
			if f.Size != 1 && f.Size != 2 && f.Size != 4 {
				return fmt.Errorf("%w: field %s has size %d, must be 1, 2 or 4", ErrInvalidSection, f.Name, f.Size)
			}
		case FieldSignMag:
			if f.Size != 1 {
				return fmt.Errorf("%w: sign-magnitude field %s must have size 1", ErrInvalidSection, f.Name)
			}
		case FieldString:
			if f.Size <= 0 {
				return fmt.Errorf("%w: string field %s has no size", ErrInvalidSection, f.Name)
			}
		default:
			return fmt.Errorf("%w: field %s has unknown kind %v", ErrInvalidSection, f.Name, f.Kind)
		}

		if f.CountFrom != "" && !seen[f.CountFrom] {
			return fmt.Errorf("%w: field %s counts from %q which is not decoded before it",
				ErrInvalidSection, f.Name, f.CountFrom)
		}

		if f.CountFrom == "" && f.Offset+f.Size > int(s.Words)*2 {
			return fmt.Errorf("%w: field %s (offset %d, size %d) exceeds the %d bytes of section %v",
				ErrInvalidSection, f.Name, f.Offset, f.Size, s.Words*2, s)
		}

		seen[f.Name] = true
	}

	return nil
}

// Decode decodes every field of the section from data into out. data holds the
// register words only, as returned by modbus.DecodeResponse.
func (s Section) Decode(data []byte, out Fields) error {
	for _, f := range s.Fields {
		if f.CountFrom == "" {
			v, err := f.decode(data, f.Offset)

			if err != nil {
				return err
			}

			out[f.Name] = v
			continue
		}

		count, ok := out[f.CountFrom].(float64)

		if !ok || count < 0 {
			return errors.Wrapf(ErrInvalidField, "field %s: count field %q is not a number", f.Name, f.CountFrom)
		}

		for i := 0; i < int(count); i += 1 {
			v, err := f.decode(data, f.Offset+i*f.Size)

			if err != nil {
				return err
			}

			out[fmt.Sprintf("%s_%d", f.Name, i)] = v
		}
	}

	return nil
}

func (f Field) decode(data []byte, offset int) (any, error) {
	if offset < 0 || offset+f.Size > len(data) {
		return nil, errors.Wrapf(ErrInvalidField, "field %s: range %d..%d outside of %d bytes",
			f.Name, offset, offset+f.Size, len(data))
	}

	raw := data[offset : offset+f.Size]

	switch f.Kind {
	case FieldString:
		return strings.TrimSpace(string(bytes.Trim(raw, "\x00"))), nil
	case FieldSignMag:
		v := float64(raw[0] & 0x7f)

		if raw[0]&0x80 != 0 {
			v = -v
		}

		return f.scale(v), nil
	case FieldInt:
		var v int64

		switch f.Size {
		case 1:
			v = int64(int8(raw[0]))
		case 2:
			v = int64(int16(binary.BigEndian.Uint16(raw)))
		case 4:
			v = int64(int32(binary.BigEndian.Uint32(raw)))
		}

		return f.scale(float64(v >> f.Shift)), nil
	case FieldUint, FieldEnum:
		v := unsigned(raw) >> f.Shift

		if f.Kind == FieldUint {
			return f.scale(float64(v)), nil
		}

		if name, ok := f.Values[int(v)]; ok {
			return name, nil
		}

		return "unknown", nil
	default:
		return nil, errors.Wrapf(ErrInvalidField, "field %s: unknown kind %v", f.Name, f.Kind)
	}
}

func unsigned(raw []byte) uint64 {
	switch len(raw) {
	case 1:
		return uint64(raw[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(raw))
	case 4:
		return uint64(binary.BigEndian.Uint32(raw))
	default:
		return 0
	}
}

// scales below one divide by their inverse so that e.g. 133 * 0.1 yields 13.3.
func (f Field) scale(v float64) float64 {
	switch {
	case f.Scale == 0 || f.Scale == 1:
		return v
	case f.Scale < 1:
		return v / math.Round(1/f.Scale)
	default:
		return v * f.Scale
	}
}
