package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertof/go-renogy-exporter/ble"
	"github.com/robertof/go-renogy-exporter/connection"
	"github.com/robertof/go-renogy-exporter/device"
	"github.com/robertof/go-renogy-exporter/device/profile"
	"github.com/robertof/go-renogy-exporter/manager"
	"github.com/robertof/go-renogy-exporter/metrics"
	"github.com/robertof/go-renogy-exporter/publish"
	"github.com/robertof/go-renogy-exporter/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.DurationFieldUnit = time.Second
	zerolog.TimeFieldFormat = time.RFC3339Nano

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
	})

	cfg := ParseArgs()

	if cfg.Trace || os.Getenv("TRACE") != "" {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else if cfg.Debug || os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.DiscoverDevices {
		doDeviceDiscovery(cfg)
		return
	}

	log.Info().
		Str("BindAddr", cfg.BindAddress).
		Array("Devices", utils.ToZeroLogArray(cfg.Devices)).
		Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
		Dur("Interval", cfg.PollInterval).
		Msg("Starting with the specified configuration")

	ctx, cancel := context.WithCancel(context.Background())
	ctx = ble.WrapContextWithSigHandler(ctx, cancel)
	defer cancel()

	bleHandle := initBle(cfg)
	defer bleHandle.Stop()

	registry := prometheus.NewRegistry()

	if cfg.EnableMetamonitoring {
		ble.RegisterMetrics(registry)
		connection.RegisterMetrics(registry)
		device.RegisterMetrics(registry)

		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	metrics.RegisterMetrics(registry)

	mgr := manager.New()
	commands := make(map[string]map[string]uint16)

	for _, decl := range cfg.Devices {
		dev, p, err := buildDevice(bleHandle, cfg, decl)

		if err != nil {
			log.Fatal().Err(err).Stringer("Device", decl).Msg("Failed to set up device")
		}

		key := decl.Key

		if key == "" {
			key = dev.Alias()
		}

		if err := mgr.AddDevice(key, dev); err != nil {
			log.Fatal().Err(err).Str("Key", key).Msg("Failed to register device")
		}

		if len(p.Commands) > 0 {
			commands[key] = p.Commands
		}

		log.Info().Str("Key", key).Stringer("Device", dev).Stringer("Profile", p).Msg("Registered device")
	}

	store := metrics.NewStore()
	mgr.AddDataHandler(store.HandleSnapshot)
	mgr.AddErrorHandler(store.HandleError)
	metrics.RegisterCollector(store, mgr, registry)

	if cfg.MQTT.Broker != "" {
		pub := initPublisher(ctx, cfg, mgr, commands)
		defer pub.Close()
	}

	go mgr.Run(ctx)

	srv := startServer(cfg, registry)

	if !mgr.ConnectAll(ctx, cfg.ConnectAttempts) {
		log.Warn().Msg("Not every device could be connected, retrying them in the background")
	}

	started := mgr.StartPolling(ctx, cfg.PollInterval, cfg.StartSpacing)
	log.Info().Int("Started", started).Int("Total", len(cfg.Devices)).Msg("Polling started")

	ticker := time.NewTicker(cfg.ReviveInterval)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			mgr.Revive(ctx, cfg.ConnectAttempts, cfg.PollInterval, cfg.StartSpacing)
		}
	}

	ticker.Stop()
	log.Info().Msg("Shutting down")

	if err := mgr.StopAll(); err != nil {
		log.Error().Err(err).Msg("Failed to stop every device cleanly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop the Prometheus server")
	}
}

func loadProfile(name string) (*profile.Profile, error) {
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
		return profile.Load(name)
	}

	return profile.Builtin(name)
}

func buildDevice(h *ble.Handle, cfg config, decl deviceDecl) (*device.Device, *profile.Profile, error) {
	p, err := loadProfile(decl.Profile)

	if err != nil {
		return nil, nil, err
	}

	dcfg := decl.Config()

	if dcfg.Address == "" && dcfg.Alias == "" {
		return nil, nil, fmt.Errorf("device %v needs an address or an alias", decl)
	}

	opts := connection.DefaultOptions()
	opts.DiscoveryTimeout = cfg.DiscoveryTimeout

	conn := connection.New(h, connection.Target{Address: dcfg.Address, Name: dcfg.Alias}, opts)
	dev, err := device.New(dcfg, p.Sections, conn)

	if err != nil {
		return nil, nil, err
	}

	return dev, p, nil
}

func initBle(cfg config) *ble.Handle {
	var bleFlags ble.Flags
	deviceAddresses := make([]net.HardwareAddr, 0, len(cfg.Devices))

	for _, decl := range cfg.Devices {
		if decl.Address == "" {
			// name matching needs the scan responses
			bleFlags |= ble.FlagScanTypeActive
			continue
		}

		addr, err := net.ParseMAC(decl.Address)

		if err != nil {
			log.Fatal().Err(err).Stringer("Device", decl).Msg("Invalid device address")
		}

		deviceAddresses = append(deviceAddresses, addr)
	}

	allAddressed := len(deviceAddresses) == len(cfg.Devices)

	if allAddressed {
		bleFlags |= ble.FlagEnableDeviceAllowList
	}

	bleHandle, err := ble.InitWithConnParams(cfg.BluetoothDeviceId, cfg.BluetoothConnParams, bleFlags)

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
	}

	if allAddressed {
		if err := bleHandle.SetAllowListedAddresses(deviceAddresses); err != nil {
			log.Error().Err(err).Msg("Failed to set device allow list")
		}
	}

	return bleHandle
}

func initPublisher(ctx context.Context, cfg config, mgr *manager.Manager, commands map[string]map[string]uint16) *publish.Publisher {
	pub, err := publish.Connect(cfg.MQTT)

	if err != nil {
		log.Fatal().Err(err).Str("Broker", cfg.MQTT.Broker).Msg("Failed to connect to MQTT broker")
	}

	mgr.AddDataHandler(pub.HandleSnapshot)
	mgr.AddErrorHandler(pub.HandleError)

	for key, cmds := range commands {
		if err := pub.SubscribeCommands(ctx, key, mgr.Device(key), cmds); err != nil {
			log.Error().Err(err).Str("Key", key).Msg("Failed to subscribe to device commands")
		}
	}

	log.Info().Str("Broker", cfg.MQTT.Broker).Msg("Publishing to MQTT")

	return pub
}

func startServer(cfg config, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.BindAddress, Handler: mux}

	log.Info().
		Str("ListenAddress", cfg.BindAddress).
		Msg("Starting Prometheus server")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Unable to bind on requested address")
		}
	}()

	return srv
}
