package main

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/robertof/go-renogy-exporter/ble"
	"github.com/robertof/go-renogy-exporter/device/profile"
)

const discoveryWindow = 10 * time.Second

// guessProfile returns the built-in profile whose alias prefixes match name.
func guessProfile(name string) string {
	for _, n := range profile.BuiltinNames() {
		p, err := profile.Builtin(n)

		if err != nil {
			continue
		}

		for _, prefix := range p.AliasPrefixes {
			if strings.HasPrefix(name, prefix) {
				return p.Name
			}
		}
	}

	return ""
}

func doDeviceDiscovery(cfg config) {
	log.Info().Dur("Window", discoveryWindow).Msg("Starting in device discovery mode - collecting devices...")

	handle, err := ble.Init(cfg.BluetoothDeviceId, ble.FlagScanTypeActive)

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
	}

	defer handle.Stop()

	ctx := ble.WrapContextWithSigHandler(
		context.WithTimeout(
			context.Background(),
			discoveryWindow,
		),
	)

	type deviceInfo struct {
		name        string
		connectable bool
		rssi        int
		services    map[string]bool
	}

	devices := make(map[string]*deviceInfo)

	err = handle.ScanAll(ctx, func(a ble.Advertisement) {
		addr := a.Addr().String()
		info, ok := devices[addr]

		if !ok {
			info = &deviceInfo{services: make(map[string]bool)}
			devices[addr] = info
		}

		// names only show up in scan responses, keep the first one seen
		if info.name == "" {
			info.name = a.LocalName()
		}

		info.connectable = a.Connectable()
		info.rssi = a.RSSI()

		for _, uuid := range a.Services() {
			info.services[uuid.String()] = true
		}

		log.Trace().
			Str("Addr", addr).
			Str("Name", a.LocalName()).
			Int("RSSI", a.RSSI()).
			Hex("ManufacturerData", a.ManufacturerData()).
			Msg("Received device advertisement")
	})

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatal().Err(err).Msg("Failed to initiate scan")
	}

	addrs := maps.Keys(devices)
	sort.Strings(addrs)
	renogy := 0

	for _, addr := range addrs {
		data := devices[addr]
		services := maps.Keys(data.services)
		sort.Strings(services)

		if guess := guessProfile(data.name); guess != "" {
			renogy++

			log.Info().
				Str("Addr", addr).
				Str("Name", data.name).
				Int("RSSI", data.rssi).
				Str("Profile", guess).
				Msgf("Found Renogy module, use with -%s addr=%s,name=%s", guess, addr, data.name)

			continue
		}

		log.Debug().
			Str("Addr", addr).
			Str("Name", data.name).
			Bool("Connectable", data.connectable).
			Strs("Services", services).
			Msg("Found device")
	}

	log.Info().Int("Found", len(devices)).Int("Renogy", renogy).Msg("Finished device discovery")
}
