package device

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DeviceSpec is the "key=value,key=value" form used to declare devices on the
// command line, e.g. "addr=c4:d3:6a:00:11:22,name=rover,id=255".
type DeviceSpec map[string]string

const (
	DeviceSpecFieldName    = "name"
	DeviceSpecFieldAddress = "addr"
	DeviceSpecFieldSlaveID = "id"
	DeviceSpecFieldKey     = "key"
)

func NewDeviceSpec(s string) DeviceSpec {
	spec := DeviceSpec{}
	entries := strings.Split(s, ",")

	for _, entry := range entries {
		parts := strings.SplitN(entry, "=", 2)

		if len(parts) != 2 {
			log.Warn().Str("Entry", entry).Msg("Skipping invalid device spec entry")
			continue
		}

		spec[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	return spec
}

func (ds DeviceSpec) Name() string {
	return ds[DeviceSpecFieldName]
}

func (ds DeviceSpec) Addr() string {
	return ds[DeviceSpecFieldAddress]
}

// Key is the name the device is registered under, defaulting to its alias.
func (ds DeviceSpec) Key() string {
	if k := ds[DeviceSpecFieldKey]; k != "" {
		return k
	}

	return ds.Name()
}

func (ds DeviceSpec) SlaveID() (uint8, error) {
	v, ok := ds[DeviceSpecFieldSlaveID]

	if !ok {
		return DefaultSlaveID, nil
	}

	id, err := strconv.ParseUint(v, 0, 8)

	if err != nil {
		return 0, fmt.Errorf("invalid slave id %q: %w", v, err)
	}

	return uint8(id), nil
}

func (ds DeviceSpec) Config() (c Config, err error) {
	if ds.Addr() == "" && ds.Name() == "" {
		return c, fmt.Errorf("device spec %v needs at least one of %q or %q",
			map[string]string(ds), DeviceSpecFieldAddress, DeviceSpecFieldName)
	}

	if addr := ds.Addr(); addr != "" {
		if _, err := net.ParseMAC(addr); err != nil {
			return c, fmt.Errorf("invalid addr: %w", err)
		}

		c.Address = strings.ToLower(addr)
	}

	c.Alias = ds.Name()

	if c.SlaveID, err = ds.SlaveID(); err != nil {
		return c, err
	}

	return c, nil
}
