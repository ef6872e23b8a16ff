package device

import (
	"context"
	"encoding/binary"

	"github.com/robertof/go-renogy-exporter/modbus"
	"github.com/rs/zerolog/log"
)

// WriteRegister writes a single holding register and waits for the device to echo
// it back. The link is reconnected first if needed. It shares the request slot with polling: a write issued while a section
// read is outstanding waits for it to resolve.
func (d *Device) WriteRegister(ctx context.Context, register, value uint16) error {
	p := &pendingRequest{
		function: modbus.FuncWriteSingle,
		register: register,
		accept: func(b []byte) bool {
			if len(b) < 4 {
				return false
			}

			switch b[1] {
			case modbus.FuncWriteException:
				return true
			case modbus.FuncWriteSingle:
				return binary.BigEndian.Uint16(b[2:]) == register
			default:
				return false
			}
		},
	}

	frame := modbus.EncodeWrite(d.cfg.SlaveID, register, value)
	b, err := d.request(ctx, p, frame, d.writeTimeout, ErrWriteTimeout)

	if err == nil {
		var got uint16

		if _, got, err = modbus.DecodeWriteAck(b); err == nil && got != value {
			log.Warn().
				Stringer("Device", d).
				Uint16("Register", register).
				Uint16("Wanted", value).
				Uint16("Got", got).
				Msg("Device acknowledged a different register value")
		}
	}

	if err != nil {
		if ctx.Err() == nil {
			d.emitError(ctx, err)
		}

		return err
	}

	log.Info().
		Stringer("Device", d).
		Uint16("Register", register).
		Uint16("Value", value).
		Msg("Wrote register")

	return nil
}
