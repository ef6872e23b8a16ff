// Package connection drives a single BLE link to a Renogy BT module: discovery,
// GATT connect, characteristic resolution, notifications and writes, with
// reconnects and backoff.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-renogy-exporter/ble"
	"github.com/robertof/go-renogy-exporter/utils"
	"github.com/rs/zerolog/log"
)

var (
	ErrDiscoveryFailed   = errors.New("device not found")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrServiceResolution = errors.New("service resolution incomplete")
	ErrWriteFailed       = errors.New("write failed")
	ErrNotConnected      = errors.New("not connected")
	ErrAttemptsExhausted = errors.New("connection attempts exhausted")

	errDisconnected = errors.New("disconnected while connecting")
)

// Some BLE stacks report characteristics before GATT caching completes.
const defaultSettleDelay = time.Second

var (
	connectsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "renogy_exporter_connection_established_total",
	}, []string{"device"})
	failedAttemptsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "renogy_exporter_connection_failed_attempts_total",
	}, []string{"device"})
	linkLostCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "renogy_exporter_connection_link_lost_total",
	}, []string{"device"})
	writeFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "renogy_exporter_connection_write_failures_total",
	}, []string{"device"})
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		connectsCounter,
		failedAttemptsCounter,
		linkLostCounter,
		writeFailuresCounter,
	)
}

// Target identifies the peripheral to look for. Address wins over Name when both
// are seen during a scan.
type Target struct {
	Address string
	Name    string
}

func (t Target) String() string {
	if t.Address != "" {
		return t.Address
	}

	return t.Name
}

type Connection struct {
	transport   ble.Transport
	target      Target
	opts        Options
	settleDelay time.Duration

	// serializes Connect calls.
	connectMu sync.Mutex

	mu        sync.Mutex
	state     State
	// bumped by Disconnect, invalidates connects started before it.
	gen       uint64
	resolved  string
	link      ble.Link
	writeChar *ble.Characteristic
	onNotify  func([]byte)
}

func New(transport ble.Transport, target Target, opts Options) *Connection {
	return &Connection{
		transport:   transport,
		target:      target,
		opts:        opts.withDefaults(),
		settleDelay: defaultSettleDelay,
		state:       StateDisconnected,
	}
}

func (c *Connection) Target() Target {
	return c.target
}

// Address returns the address resolved by the last successful discovery, if any.
func (c *Connection) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.resolved
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		log.Trace().
			Stringer("Device", c.target).
			Stringer("From", prev).
			Stringer("To", s).
			Msg("connection: state change")
	}
}

// OnNotify installs the handler receiving every notification from the notify
// characteristic. Frames are copied before being handed over.
func (c *Connection) OnNotify(h func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onNotify = h
}

func (c *Connection) dispatch(b []byte) {
	c.mu.Lock()
	h := c.onNotify
	c.mu.Unlock()

	log.Trace().Stringer("Device", c.target).Hex("Frame", b).Msg("connection: received notification")

	if h == nil {
		return
	}

	frame := make([]byte, len(b))
	copy(frame, b)

	h(frame)
}

// Discover scans for the target for at most timeout. The scan stops as soon as the
// configured address is seen; a name match is kept as a fallback for when the
// address never shows up. It does not connect.
func (c *Connection) Discover(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = c.opts.DiscoveryTimeout
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wantAddr := strings.ToLower(c.target.Address)

	var mu sync.Mutex
	var byAddr, byName string

	err := c.transport.ScanAll(scanCtx, func(a ble.Advertisement) {
		addr := strings.ToLower(a.Addr().String())

		mu.Lock()
		defer mu.Unlock()

		switch {
		case wantAddr != "" && addr == wantAddr:
			byAddr = addr
			cancel()
		case c.target.Name != "" && byName == "" && strings.EqualFold(a.LocalName(), c.target.Name):
			byName = addr

			if wantAddr == "" {
				cancel()
			}
		}
	})

	if err != nil && !utils.ErrorIsAnyOf(err, context.Canceled, context.DeadlineExceeded) {
		return false, fmt.Errorf("%w: scan: %w", ErrDiscoveryFailed, err)
	}

	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	mu.Lock()
	found := byAddr

	if found == "" {
		found = byName
	}
	mu.Unlock()

	if found == "" {
		return false, nil
	}

	c.mu.Lock()
	c.resolved = found
	c.mu.Unlock()

	log.Debug().
		Stringer("Device", c.target).
		Str("Addr", found).
		Bool("ByName", byAddr == "").
		Msg("connection: discovered device")

	return true, nil
}

// Connect brings the link up, retrying with exponential backoff. maxAttempts <= 0
// retries until ctx is done.
func (c *Connection) Connect(ctx context.Context, maxAttempts int) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.Connected() {
		return nil
	}

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	var lastErr error
	attempt := 0

	for ; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.setState(StateReconnecting)

			delay := c.opts.backoff(attempt - 1)

			log.Debug().
				Stringer("Device", c.target).
				Int("Attempt", attempt+1).
				Dur("Delay", delay).
				Msg("connection: retrying connection")

			if err := sleep(ctx, delay); err != nil {
				c.setState(StateDisconnected)
				return err
			}
		}

		if lastErr = c.attempt(ctx, gen); lastErr == nil {
			connectsCounter.WithLabelValues(c.target.String()).Inc()

			log.Info().
				Stringer("Device", c.target).
				Str("Addr", c.Address()).
				Msg("Connected to device")

			return nil
		}

		failedAttemptsCounter.WithLabelValues(c.target.String()).Inc()

		log.Warn().
			Err(lastErr).
			Stringer("Device", c.target).
			Int("Attempt", attempt+1).
			Msg("connection: connection attempt failed")

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		if errors.Is(lastErr, errDisconnected) {
			c.setState(StateDisconnected)
			return fmt.Errorf("%w: %w", ErrConnectionFailed, lastErr)
		}
	}

	c.setState(StateDisconnected)

	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, lastErr)
}

// EnsureConnected is a no-op on a connected link, otherwise a short Connect.
func (c *Connection) EnsureConnected(ctx context.Context) error {
	if c.Connected() {
		return nil
	}

	return c.Connect(ctx, c.opts.EnsureAttempts)
}

func (c *Connection) attempt(ctx context.Context, gen uint64) error {
	if c.stale(gen) {
		return errDisconnected
	}

	addr := c.Address()

	if addr == "" {
		c.setState(StateDiscovering)

		found, err := c.Discover(ctx, c.opts.DiscoveryTimeout)

		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("%w: %v not seen within %v", ErrDiscoveryFailed, c.target, c.opts.DiscoveryTimeout)
		}

		addr = c.Address()
	}

	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	link, err := c.transport.Dial(dialCtx, addr)
	cancel()

	if err != nil {
		// the device may have rotated address or gone away, look for it again next time.
		c.mu.Lock()
		c.resolved = ""
		c.mu.Unlock()

		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, addr, err)
	}

	writeChar, err := c.setup(ctx, link)

	if err != nil {
		_ = link.CancelConnection()
		return err
	}

	c.mu.Lock()

	if c.gen != gen {
		c.mu.Unlock()
		_ = link.CancelConnection()

		return errDisconnected
	}

	c.link = link
	c.writeChar = writeChar
	c.state = StateConnected
	c.mu.Unlock()

	log.Trace().Stringer("Device", c.target).Msg("connection: state change to Connected")

	go c.watch(link)

	return nil
}

func (c *Connection) setup(ctx context.Context, link ble.Link) (*ble.Characteristic, error) {
	if err := sleep(ctx, c.settleDelay); err != nil {
		return nil, err
	}

	if mtu, err := link.ExchangeMTU(c.opts.MTU); err != nil {
		log.Warn().
			Err(err).
			Stringer("Device", c.target).
			Int("MTU", c.opts.MTU).
			Msg("connection: MTU exchange failed, long responses may be truncated")
	} else {
		log.Trace().Stringer("Device", c.target).Int("MTU", mtu).Msg("connection: negotiated MTU")
	}

	p, err := link.DiscoverProfile(true)

	if err != nil {
		return nil, fmt.Errorf("%w: profile discovery: %w", ErrServiceResolution, err)
	}

	writeChar, notifyChar := c.resolve(p)

	if writeChar == nil || notifyChar == nil {
		return nil, fmt.Errorf("%w: write characteristic found: %t, notify characteristic found: %t",
			ErrServiceResolution, writeChar != nil, notifyChar != nil)
	}

	if err := link.Subscribe(notifyChar, false, c.dispatch); err != nil {
		return nil, fmt.Errorf("%w: subscribe to notifications: %w", ErrConnectionFailed, err)
	}

	return writeChar, nil
}

func (c *Connection) resolve(p *ble.Profile) (write, notify *ble.Characteristic) {
	if p == nil {
		return nil, nil
	}

	for _, s := range p.Services {
		for _, ch := range s.Characteristics {
			if write == nil && ble.UUIDEqual(s.UUID, c.opts.ServiceUUID) && ble.UUIDEqual(ch.UUID, c.opts.WriteUUID) {
				write = ch
			}

			if notify == nil && ble.UUIDEqual(ch.UUID, c.opts.NotifyUUID) {
				notify = ch
			}
		}
	}

	return write, notify
}

// watch moves the connection to Reconnecting when the link drops on its own.
func (c *Connection) watch(link ble.Link) {
	<-link.Disconnected()

	c.mu.Lock()

	if c.link != link {
		c.mu.Unlock()
		return
	}

	c.link = nil
	c.writeChar = nil
	// the module may come back under another address.
	c.resolved = ""
	c.mu.Unlock()

	c.setState(StateReconnecting)
	linkLostCounter.WithLabelValues(c.target.String()).Inc()

	log.Warn().Stringer("Device", c.target).Msg("Lost connection to device, will reconnect")
}

// Write sends frame as a write-without-response, retrying transport errors. When
// every try fails the link is dropped and the connection moves to Reconnecting.
func (c *Connection) Write(ctx context.Context, frame []byte) error {
	var err error

	for try := 0; try <= c.opts.WriteRetries; try++ {
		if try > 0 {
			if serr := sleep(ctx, c.opts.WriteRetryDelay); serr != nil {
				return serr
			}
		}

		c.mu.Lock()
		link, ch, state := c.link, c.writeChar, c.state
		c.mu.Unlock()

		if state != StateConnected || link == nil {
			return ErrNotConnected
		}

		log.Trace().Stringer("Device", c.target).Hex("Frame", frame).Msg("connection: writing frame")

		if err = link.WriteCharacteristic(ch, frame, true); err == nil {
			return nil
		}

		log.Debug().
			Err(err).
			Stringer("Device", c.target).
			Int("Try", try+1).
			Msg("connection: write failed")
	}

	writeFailuresCounter.WithLabelValues(c.target.String()).Inc()
	c.MarkReconnect()

	return fmt.Errorf("%w: %w", ErrWriteFailed, err)
}

// MarkReconnect drops the current link, if any, so the next EnsureConnected goes
// through a full reconnect, discovery included.
func (c *Connection) MarkReconnect() {
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.writeChar = nil
	c.resolved = ""
	markable := c.state == StateConnected || link != nil
	c.mu.Unlock()

	if markable {
		c.setState(StateReconnecting)
	}

	if link != nil {
		_ = link.CancelConnection()
	}
}

// Disconnect closes the link and aborts a connect in progress. Safe to call from
// any state and more than once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.gen += 1
	link := c.link
	c.link = nil
	c.writeChar = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)

	if link == nil {
		return nil
	}

	log.Debug().Stringer("Device", c.target).Msg("connection: disconnecting")

	if err := link.CancelConnection(); err != nil {
		return fmt.Errorf("failed to cancel connection to %v: %w", c.target, err)
	}

	return nil
}

func (c *Connection) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.gen != gen
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
