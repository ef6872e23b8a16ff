// Package manager owns a set of devices, sequences their connection and polling
// startup over the shared BLE adapter and fans their events out to observers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robertof/go-renogy-exporter/device"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

const eventBufferSize = 64

var ErrDuplicateKey = errors.New("duplicate device key")

// Envelope is a device event tagged with the key of the device that emitted it.
type Envelope struct {
	Key    string
	Device *device.Device
	device.Event
}

type DataHandler func(key string, dev *device.Device, s *device.Snapshot)
type ErrorHandler func(key string, dev *device.Device, e *device.PollError)

type Manager struct {
	// held while connecting or starting devices, so that the adapter is never asked
	// to discover or connect two devices at once.
	radioMu sync.Mutex

	mu            sync.Mutex
	keys          []string
	devices       map[string]*device.Device
	dataHandlers  []DataHandler
	errorHandlers []ErrorHandler

	events chan Envelope
}

func New() *Manager {
	return &Manager{
		devices: make(map[string]*device.Device),
		events:  make(chan Envelope, eventBufferSize),
	}
}

// AddDevice registers dev under key and routes its events to the manager.
func (m *Manager) AddDevice(key string, dev *device.Device) error {
	if key == "" {
		return errors.New("device key must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}

	m.devices[key] = dev
	m.keys = append(m.keys, key)

	dev.Attach(func(ctx context.Context, e device.Event) {
		select {
		case m.events <- Envelope{Key: key, Device: dev, Event: e}:
		case <-ctx.Done():
		}
	})

	log.Debug().Str("Key", key).Stringer("Device", dev).Msg("manager: added device")

	return nil
}

// Keys returns the device keys in registration order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.keys...)
}

func (m *Manager) Device(key string) *device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.devices[key]
}

func (m *Manager) IsConnected(key string) bool {
	dev := m.Device(key)

	return dev != nil && dev.Connected()
}

func (m *Manager) AddDataHandler(h DataHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dataHandlers = append(m.dataHandlers, h)
}

func (m *Manager) AddErrorHandler(h ErrorHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errorHandlers = append(m.errorHandlers, h)
}

// ConnectAll connects every device that is not connected yet, one after the other.
// It reports whether all of them ended up connected.
func (m *Manager) ConnectAll(ctx context.Context, maxAttempts int) bool {
	m.radioMu.Lock()
	defer m.radioMu.Unlock()

	ok := true

	for _, key := range m.Keys() {
		if ctx.Err() != nil {
			return false
		}

		dev := m.Device(key)

		if dev.Connected() {
			continue
		}

		log.Info().Str("Key", key).Stringer("Device", dev).Msg("Connecting to device")

		if err := dev.Connect(ctx, maxAttempts); err != nil {
			ok = false

			log.Error().
				Err(err).
				Str("Key", key).
				Stringer("Device", dev).
				Msg("Failed to connect to device, skipping")
		}
	}

	return ok
}

// StartPolling starts polling on every connected device, waiting spacing between
// two starts. Devices that are not connected are skipped. Returns the number of
// devices started.
func (m *Manager) StartPolling(ctx context.Context, interval, spacing time.Duration) (started int) {
	m.radioMu.Lock()
	defer m.radioMu.Unlock()

	for _, key := range m.Keys() {
		dev := m.Device(key)

		if !dev.Connected() {
			log.Warn().Str("Key", key).Stringer("Device", dev).Msg("Device not connected, not polling it")
			continue
		}

		if dev.Polling() {
			continue
		}

		if started > 0 {
			t := time.NewTimer(spacing)

			select {
			case <-ctx.Done():
				t.Stop()
				return started
			case <-t.C:
			}
		}

		dev.StartPolling(ctx, interval)
		started += 1
	}

	return started
}

// Revive connects and starts polling the devices that are not polling, e.g.
// because their first connection failed.
func (m *Manager) Revive(ctx context.Context, maxAttempts int, interval, spacing time.Duration) {
	var idle []string

	for _, key := range m.Keys() {
		if !m.Device(key).Polling() {
			idle = append(idle, key)
		}
	}

	if len(idle) == 0 {
		return
	}

	log.Debug().Strs("Keys", idle).Msg("manager: reviving idle devices")

	m.ConnectAll(ctx, maxAttempts)
	m.StartPolling(ctx, interval, spacing)
}

// StopAll stops and disconnects every device concurrently and waits for all of
// them.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	devices := maps.Values(m.devices)
	m.mu.Unlock()

	var eg errgroup.Group

	for _, dev := range devices {
		dev := dev

		eg.Go(func() error {
			return dev.Disconnect()
		})
	}

	err := eg.Wait()

	if err != nil {
		log.Warn().Err(err).Msg("manager: failed to cleanly disconnect a device")
	}

	return err
}

// Run dispatches device events to the registered handlers until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.events:
			m.dispatch(env)
		}
	}
}

func (m *Manager) dispatch(env Envelope) {
	m.mu.Lock()
	dataHandlers := append([]DataHandler(nil), m.dataHandlers...)
	errorHandlers := append([]ErrorHandler(nil), m.errorHandlers...)
	m.mu.Unlock()

	if env.Snapshot != nil {
		for _, h := range dataHandlers {
			safeCall(env.Key, func() { h(env.Key, env.Device, env.Snapshot) })
		}
	}

	if env.Err != nil {
		for _, h := range errorHandlers {
			safeCall(env.Key, func() { h(env.Key, env.Device, env.Err) })
		}
	}
}

func safeCall(key string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("Key", key).
				Interface("Panic", r).
				Msg("Event handler panicked")
		}
	}()

	f()
}
