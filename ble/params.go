package ble

import (
	"fmt"
	"slices"

	"github.com/go-ble/ble/linux/hci/cmd"
)

type ConnParams string

const (
	ConnParamsDefault     ConnParams = "default"
	ConnParamsPowerSaving ConnParams = "power-saving"
)

var allConnParams = []ConnParams{ConnParamsDefault, ConnParamsPowerSaving}

// *flag.Value
func (c *ConnParams) String() string {
	return string(*c)
}

func (c *ConnParams) Set(v string) error {
	if v == "" {
		*c = ConnParamsDefault
		return nil
	}

	p := ConnParams(v)

	if !slices.Contains(allConnParams, p) {
		return fmt.Errorf("unknown connection param %v (must be one of %v)", p, allConnParams)
	}

	*c = p
	return nil
}

// encoding.TextUnmarshaler, used by the YAML config file.
func (c *ConnParams) UnmarshalText(text []byte) error {
	return c.Set(string(text))
}

func (c ConnParams) AdapterOptions() cmd.LECreateConnection {
	p := cmd.LECreateConnection{
		LEScanInterval:        0x0010,    // 0x0004 - 0x4000; N * 0.625 msec
		LEScanWindow:          0x0010,    // 0x0004 - 0x4000; N * 0.625 msec
		InitiatorFilterPolicy: 0x00,      // White list is not used
		PeerAddressType:       0x00,      // Public Device Address
		PeerAddress:           [6]byte{}, //
		OwnAddressType:        0x00,      // Public Device Address
		ConnIntervalMin:       0x0018,    // 0x0006 - 0x0C80; N * 1.25 msec
		ConnIntervalMax:       0x0028,    // 0x0006 - 0x0C80; N * 1.25 msec
		ConnLatency:           0x0000,    // 0x0000 - 0x01F3; N * 1.25 msec
		SupervisionTimeout:    0x01f4,    // 0x000A - 0x0C80; N * 10 msec
		MinimumCELength:       0x0000,    // 0x0000 - 0xFFFF; N * 0.625 msec
		MaximumCELength:       0x0000,    // 0x0000 - 0xFFFF; N * 0.625 msec
	}

	switch c {
	case ConnParamsDefault:
		// 30-50ms interval, 5s supervision timeout. BT-1 modules drop links
		// that stay idle for too long under a short supervision timeout.
	case ConnParamsPowerSaving:
		// interval max * (latency + 1) must stay below half the supervision
		// timeout. Reads still complete well within the read deadline.
		p.ConnIntervalMin = 0x0050    // 100ms
		p.ConnIntervalMax = 0x00a0    // 200ms
		p.ConnLatency = 0x0004        // 4
		p.SupervisionTimeout = 0x0708 // 18s
	default:
		panic("unknown Bluetooth connection param: " + c)
	}

	return p
}
