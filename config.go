package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robertof/go-renogy-exporter/ble"
	"github.com/robertof/go-renogy-exporter/device"
	"github.com/robertof/go-renogy-exporter/device/profile"
	"github.com/robertof/go-renogy-exporter/publish"
	"gopkg.in/yaml.v3"
)

// deviceDecl declares one device, either from a flag or from the config file.
type deviceDecl struct {
	Key     string `yaml:"key"`
	Profile string `yaml:"profile"`
	Address string `yaml:"address"`
	Alias   string `yaml:"alias"`
	SlaveID *uint8 `yaml:"slave_id"`
}

func (d deviceDecl) String() string {
	id := d.Address

	if id == "" {
		id = d.Alias
	}

	return d.Profile + "[" + id + "]"
}

func (d deviceDecl) Config() device.Config {
	c := device.Config{
		Address: d.Address,
		Alias:   d.Alias,
		SlaveID: device.DefaultSlaveID,
	}

	if d.SlaveID != nil {
		c.SlaveID = *d.SlaveID
	}

	return c
}

type config struct {
	Debug, Trace         bool
	ConfigFile           string
	BindAddress          string
	EnableMetamonitoring bool
	DiscoverDevices      bool
	BluetoothDeviceId    int
	BluetoothConnParams  ble.ConnParams
	PollInterval         time.Duration
	StartSpacing         time.Duration
	ReviveInterval       time.Duration
	DiscoveryTimeout     time.Duration
	ConnectAttempts      int
	MQTT                 publish.Config
	Devices              []deviceDecl
}

// fileConfig is the layout of the optional YAML config file. Flags given on the
// command line win over its values; devices from both sources are merged.
type fileConfig struct {
	Bind                string         `yaml:"bind"`
	BluetoothDevice     *int           `yaml:"bluetooth_device"`
	BluetoothConnParams ble.ConnParams `yaml:"bluetooth_connection_params"`
	Interval            time.Duration  `yaml:"interval"`
	Spacing             time.Duration  `yaml:"spacing"`
	ReviveInterval      time.Duration  `yaml:"revive_interval"`
	DiscoveryTimeout    time.Duration  `yaml:"discovery_timeout"`
	ConnectAttempts     *int           `yaml:"connect_attempts"`
	MQTT                publish.Config `yaml:"mqtt"`
	Devices             []deviceDecl   `yaml:"devices"`
}

type boundDeviceList struct {
	profile string
	list    *[]deviceDecl
}

func (d *boundDeviceList) String() string {
	return ""
}

func (d *boundDeviceList) Set(v string) error {
	ds := device.NewDeviceSpec(v)

	c, err := ds.Config()
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	*d.list = append(*d.list, deviceDecl{
		Key:     ds.Key(),
		Profile: d.profile,
		Address: c.Address,
		Alias:   c.Alias,
		SlaveID: &c.SlaveID,
	})

	return nil
}

func loadConfigFile(path string) (fc fileConfig, err error) {
	b, err := os.ReadFile(path)

	if err != nil {
		return fc, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	// an empty file is a valid, if useless, config.
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fc, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return fc, nil
}

// merge applies the values of fc that were not overridden by a flag.
func (cfg *config) merge(fc fileConfig, set map[string]bool) {
	if fc.Bind != "" && !set["bind"] {
		cfg.BindAddress = fc.Bind
	}

	if fc.BluetoothDevice != nil && !set["bluetooth-device"] {
		cfg.BluetoothDeviceId = *fc.BluetoothDevice
	}

	if fc.BluetoothConnParams != "" && !set["bluetooth-connection-params"] {
		cfg.BluetoothConnParams = fc.BluetoothConnParams
	}

	if fc.Interval > 0 && !set["interval"] {
		cfg.PollInterval = fc.Interval
	}

	if fc.Spacing > 0 && !set["spacing"] {
		cfg.StartSpacing = fc.Spacing
	}

	if fc.ReviveInterval > 0 && !set["revive-interval"] {
		cfg.ReviveInterval = fc.ReviveInterval
	}

	if fc.DiscoveryTimeout > 0 && !set["discovery-timeout"] {
		cfg.DiscoveryTimeout = fc.DiscoveryTimeout
	}

	if fc.ConnectAttempts != nil && !set["connect-attempts"] {
		cfg.ConnectAttempts = *fc.ConnectAttempts
	}

	if fc.MQTT.Broker != "" && !set["mqtt-broker"] {
		cfg.MQTT = fc.MQTT
	}

	cfg.Devices = append(cfg.Devices, fc.Devices...)
}

func ParseArgs() config {
	var cfg config

	cfg.BluetoothConnParams = ble.ConnParamsDefault

	flag.StringVar(&cfg.ConfigFile, "config", "", "Path to an optional YAML config file")
	flag.StringVar(&cfg.BindAddress, "bind", "localhost:9103", "Where the exporter will bind to")
	flag.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
	flag.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params", "Bluetooth connection parameters (one of 'default' or 'power-saving')")
	flag.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
	flag.BoolVar(&cfg.EnableMetamonitoring, "metamonitoring", true, "Enable metamonitoring metrics")
	flag.DurationVar(&cfg.PollInterval, "interval", 5*time.Second, "Pause between two polling cycles of a device")
	flag.DurationVar(&cfg.StartSpacing, "spacing", 2*time.Second, "Pause between starting to poll two devices")
	flag.DurationVar(&cfg.ReviveInterval, "revive-interval", time.Minute,
		"How often devices that failed to connect are retried")
	flag.DurationVar(&cfg.DiscoveryTimeout, "discovery-timeout", 10*time.Second, "Scan window used to find a device")
	flag.IntVar(&cfg.ConnectAttempts, "connect-attempts", 3, "Connection attempts per device on startup (0 = forever)")
	flag.StringVar(&cfg.MQTT.Broker, "mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883), disabled if empty")
	flag.StringVar(&cfg.MQTT.Prefix, "mqtt-prefix", publish.DefaultPrefix, "MQTT topic prefix")
	flag.StringVar(&cfg.MQTT.Username, "mqtt-username", "", "MQTT username")
	flag.StringVar(&cfg.MQTT.Password, "mqtt-password", "", "MQTT password")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
	flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

	for _, name := range profile.BuiltinNames() {
		boundList := &boundDeviceList{
			profile: name,
			list:    &cfg.Devices,
		}

		help := "Device spec for a " + name + " device in the form of `key=value,key=value`.\n" +
			`Supported parameters:
addr (string): MAC address of the BT module
name (string): Advertised name of the BT module, used when addr is not seen and as the device alias
id (int): Modbus slave id (default 255)
key (string): Name the device is published under (defaults to name)`

		flag.Var(boundList, name, help)
	}

	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if cfg.ConfigFile != "" {
		fc, err := loadConfigFile(cfg.ConfigFile)

		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		cfg.merge(fc, set)
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		flag.Usage()
		os.Exit(1)
	}

	return cfg
}

func (cfg *config) validate() error {
	if cfg.DiscoverDevices {
		return nil
	}

	if len(cfg.Devices) == 0 {
		return errors.New("at least one device is required")
	}

	if cfg.ReviveInterval <= 0 {
		return fmt.Errorf("revive interval must be positive, got %v", cfg.ReviveInterval)
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", cfg.PollInterval)
	}

	return nil
}
