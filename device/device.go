// Package device polls a single Renogy device: it sequences register section reads
// over a connection, decodes them and emits snapshots and error events.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-renogy-exporter/connection"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultSlaveID = 255

	defaultWriteTimeout = 5 * time.Second
)

var ErrNoSections = errors.New("device has no register sections")

var (
	cyclesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "renogy_exporter_device_poll_cycles_total",
	}, []string{"device", "result"})
	requestsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "renogy_exporter_device_requests_total",
	}, []string{"device", "function"})
	timeoutsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "renogy_exporter_device_request_timeouts_total",
	}, []string{"device"})
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		cyclesCounter,
		requestsCounter,
		timeoutsCounter,
	)
}

// Config identifies one physical device.
type Config struct {
	Address string
	Alias   string
	SlaveID uint8
}

// DefaultAlias derives a name from the last two bytes of the address.
func (c Config) DefaultAlias() string {
	hex := strings.ToLower(strings.ReplaceAll(c.Address, ":", ""))

	if len(hex) > 4 {
		hex = hex[len(hex)-4:]
	}

	return "renogy-" + hex
}

// Link is the connection a Device drives. *connection.Connection satisfies it.
type Link interface {
	Connect(ctx context.Context, maxAttempts int) error
	EnsureConnected(ctx context.Context) error
	Write(ctx context.Context, frame []byte) error
	OnNotify(h func([]byte))
	MarkReconnect()
	Disconnect() error
	State() connection.State
}

// Sink receives the events of a device. It is called from the polling goroutine
// and must not call back into the device's read path.
type Sink func(ctx context.Context, e Event)

type Device struct {
	cfg      Config
	sections []Section
	link     Link

	readTimeout  time.Duration
	writeTimeout time.Duration

	// single request slot shared by reads and writes.
	slot *semaphore.Weighted

	mu      sync.Mutex
	sink    Sink
	pending *pendingRequest
	cancel  context.CancelFunc
	done    chan struct{}

	// index of the section being read, -1 when idle.
	section atomic.Int32
}

func New(cfg Config, sections []Section, link Link) (*Device, error) {
	if len(sections) == 0 {
		return nil, ErrNoSections
	}

	for _, s := range sections {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	if cfg.Alias == "" {
		cfg.Alias = cfg.DefaultAlias()
	}

	d := &Device{
		cfg:          cfg,
		sections:     sections,
		link:         link,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		slot:         semaphore.NewWeighted(1),
	}

	d.section.Store(-1)
	link.OnNotify(d.handleNotification)

	return d, nil
}

func (d *Device) Alias() string {
	return d.cfg.Alias
}

func (d *Device) Config() Config {
	return d.cfg
}

func (d *Device) Sections() []Section {
	return d.sections
}

func (d *Device) String() string {
	return fmt.Sprintf("Device[Alias=%s,Addr=%s,SlaveID=%d]", d.cfg.Alias, d.cfg.Address, d.cfg.SlaveID)
}

// Attach sets the sink receiving snapshots and error events.
func (d *Device) Attach(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sink = sink
}

func (d *Device) emit(ctx context.Context, e Event) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		sink(ctx, e)
	}
}

func (d *Device) emitError(ctx context.Context, err error) {
	pe := NewPollError(err)

	log.Warn().
		Err(err).
		Stringer("Device", d).
		Stringer("Kind", pe.Kind).
		Msg("Device operation failed")

	d.emit(ctx, Event{Err: pe})
}

func (d *Device) State() connection.State {
	return d.link.State()
}

func (d *Device) Connected() bool {
	return d.link.State() == connection.StateConnected
}

// Connect connects the underlying link. maxAttempts <= 0 retries until ctx is done.
func (d *Device) Connect(ctx context.Context, maxAttempts int) error {
	err := d.link.Connect(ctx, maxAttempts)

	if err != nil && ctx.Err() == nil {
		d.emitError(ctx, err)
	}

	return err
}

// Disconnect stops polling and closes the link. Safe to call more than once.
func (d *Device) Disconnect() error {
	d.StopPolling()

	return d.link.Disconnect()
}
