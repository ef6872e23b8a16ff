package ble

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-renogy-exporter/utils"
	"github.com/rs/zerolog/log"
)

type Advertisement = ble.Advertisement
type Characteristic = ble.Characteristic
type NotificationHandler = ble.NotificationHandler
type Profile = ble.Profile
type Service = ble.Service
type UUID = ble.UUID

// Transport is the part of the host adapter used by connections: scanning for
// advertisements and dialing a peripheral by address.
type Transport interface {
	ScanAll(ctx context.Context, onDevice func(Advertisement)) error
	Dial(ctx context.Context, addr string) (Link, error)
}

// Link is an open GATT client connection. ble.Client satisfies it.
type Link interface {
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	DiscoverProfile(force bool) (*Profile, error)
	Subscribe(c *Characteristic, ind bool, h NotificationHandler) error
	WriteCharacteristic(c *Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

type Handle struct {
	dev *linux.Device
}

var baseUUID = ble.MustParse("00000000-0000-1000-8000-00805f9b34fb")

func ParseUUID(s string) (UUID, error) {
	return ble.Parse(s)
}

func MustParseUUID(s string) UUID {
	return ble.MustParse(s)
}

func UUID16(i uint16) UUID {
	return ble.UUID16(i)
}

// shortUUID collapses a 128-bit UUID derived from the Bluetooth base UUID into its
// 16-bit form. UUIDs are stored little-endian, so the short value sits at 12..13.
func shortUUID(u UUID) UUID {
	if len(u) != 16 {
		return u
	}

	if !bytes.Equal(u[:12], baseUUID[:12]) || !bytes.Equal(u[14:], baseUUID[14:]) {
		return u
	}

	return u[12:14]
}

// UUIDEqual compares two UUIDs, treating the 16-bit and 128-bit forms of the same
// base-derived UUID as equal.
func UUIDEqual(a, b UUID) bool {
	return shortUUID(a).Equal(shortUUID(b))
}

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		successfulConnectionsCounter,
		failedConnectionsCounter,
		disconnectsCounter,
	)
}

func Init(deviceId int, flags Flags) (*Handle, error) {
	return InitWithConnParams(
		deviceId,
		ConnParamsDefault,
		flags,
	)
}

func InitWithConnParams(deviceId int, connParams ConnParams, flags Flags) (*Handle, error) {
	var scanType scanType = scanTypePassive
	var filterPolicy filterPolicy = filterPolicyAcceptAll

	if flags&FlagScanTypeActive == FlagScanTypeActive {
		scanType = scanTypeActive
	}

	if flags&FlagEnableDeviceAllowList == FlagEnableDeviceAllowList {
		filterPolicy = filterPolicyAllowListedOnly
	}

	log.Debug().
		Stringer("ScanType", scanType).
		Stringer("FilterPolicy", filterPolicy).
		Stringer("ConnParams", &connParams).
		Stringer("Flags", flags).
		Int("DeviceID", deviceId).
		Msg("Initializing Bluetooth device")

	dev, err := linux.NewDevice(
		ble.OptDeviceID(deviceId),
		ble.OptScanParams(cmd.LESetScanParameters{
			LEScanType:           uint8(scanType),
			LEScanInterval:       0x0010, // N * 0.625msec
			LEScanWindow:         0x0010, // N * 0.625msec
			OwnAddressType:       0x00,   // public
			ScanningFilterPolicy: uint8(filterPolicy),
		}),
		ble.OptConnParams(connParams.AdapterOptions()),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to init bluetooth device: %w", err)
	}

	ble.SetDefaultDevice(dev)

	return &Handle{dev: dev}, nil
}

// SetAllowListedAddresses restricts scanning to the provided controllers. Only
// effective when the handle was created with FlagEnableDeviceAllowList.
func (h *Handle) SetAllowListedAddresses(a []net.HardwareAddr) error {
	log.Debug().
		Array("DeviceAddresses", utils.ToZeroLogArray(a)).
		Msg("Allow-listing the requested Bluetooth devices")

	var res cmd.LEClearWhiteListRP

	if err := h.dev.HCI.Send(&cmd.LEClearWhiteList{}, &res); err != nil {
		return fmt.Errorf("failed to clear allow-list: %w", err)
	}

	if res.Status != 0 {
		return fmt.Errorf("failed to clear allow-list: got status: %v", res.Status)
	}

	for _, addr := range a {
		if len(addr) != 6 {
			return fmt.Errorf("refusing to allow-list %q: not a 6-byte MAC address", addr.String())
		}

		var res cmd.LEAddDeviceToWhiteListRP
		cmdAddr := [6]byte{}

		// HCI wants the address least significant byte first.
		copy(cmdAddr[:], utils.Reverse(addr))

		err := h.dev.HCI.Send(&cmd.LEAddDeviceToWhiteList{
			AddressType: 0x00, // public
			Address:     cmdAddr,
		}, &res)

		if err != nil {
			return fmt.Errorf("failed to allow-list device %q: %w", addr.String(), err)
		}

		if res.Status != 0 {
			return fmt.Errorf("failed to allow-list device %q: got status: %v", addr.String(), res.Status)
		}
	}

	return nil
}

func (h *Handle) Stop() {
	if err := h.dev.Stop(); err != nil {
		log.Warn().Err(err).Msg("ble: failed to stop Bluetooth device")
	}
}
