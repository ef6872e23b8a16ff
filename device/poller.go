package device

import (
	"context"
	"fmt"
	"time"

	"github.com/robertof/go-renogy-exporter/connection"
	"github.com/robertof/go-renogy-exporter/modbus"
	"github.com/rs/zerolog/log"
)

type pendingRequest struct {
	function byte
	register uint16
	deadline time.Time
	// nil accepts any frame.
	accept func([]byte) bool
	done   chan []byte
}

func (d *Device) begin(p *pendingRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending != nil {
		return ErrRequestOutstanding
	}

	d.pending = p
	return nil
}

func (d *Device) finish(p *pendingRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == p {
		d.pending = nil
	}
}

func (d *Device) handleNotification(b []byte) {
	d.mu.Lock()
	p := d.pending
	d.mu.Unlock()

	if p == nil {
		log.Debug().Stringer("Device", d).Hex("Frame", b).Msg("device: dropping unsolicited notification")
		return
	}

	if p.accept != nil && !p.accept(b) {
		log.Debug().Stringer("Device", d).Hex("Frame", b).Msg("device: dropping unrelated notification")
		return
	}

	select {
	case p.done <- b:
	default:
		log.Debug().Stringer("Device", d).Hex("Frame", b).Msg("device: dropping extra notification")
	}
}

// request sends frame and waits for the matching notification. It holds the
// request slot for its whole duration, so at most one request is ever outstanding.
// A link that dropped since the last request is reconnected before writing.
func (d *Device) request(ctx context.Context, p *pendingRequest, frame []byte, timeout time.Duration, timeoutErr error) ([]byte, error) {
	if err := d.slot.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.slot.Release(1)

	if d.link.State() != connection.StateConnected {
		if err := d.link.EnsureConnected(ctx); err != nil {
			return nil, err
		}
	}

	p.deadline = time.Now().Add(timeout)
	p.done = make(chan []byte, 1)

	if err := d.begin(p); err != nil {
		return nil, err
	}
	defer d.finish(p)

	requestsCounter.WithLabelValues(d.cfg.Alias, fmt.Sprintf("0x%02x", p.function)).Inc()

	if err := d.link.Write(ctx, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case b := <-p.done:
		return b, nil
	case <-timer.C:
		timeoutsCounter.WithLabelValues(d.cfg.Alias).Inc()
		return nil, fmt.Errorf("%w: register %d after %v", timeoutErr, p.register, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Device) readSection(ctx context.Context, s Section) ([]byte, error) {
	p := &pendingRequest{
		function: modbus.FuncReadHolding,
		register: s.Register,
		// late write acks and other stray frames must not answer a read.
		accept: func(b []byte) bool {
			return len(b) >= 2 && (b[1] == modbus.FuncReadHolding || b[1] == modbus.FuncReadException)
		},
	}

	frame := modbus.EncodeRead(d.cfg.SlaveID, s.Register, s.Words)
	b, err := d.request(ctx, p, frame, d.readTimeout, ErrReadTimeout)

	if err != nil {
		return nil, err
	}

	r, err := modbus.DecodeResponse(b, s.Words)

	if err != nil {
		return nil, err
	}

	return r.Data, nil
}

// StartPolling starts the polling goroutine. Calling it while already polling is a
// no-op.
func (d *Device) StartPolling(ctx context.Context, interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done != nil && !closed(d.done) {
		log.Trace().Stringer("Device", d).Msg("device: already polling")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	d.cancel = cancel
	d.done = done

	go d.poll(ctx, interval, done)
}

// StopPolling cancels the in-flight cycle, if any, and waits for the polling
// goroutine to return. Safe to call more than once.
func (d *Device) StopPolling() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	log.Debug().Stringer("Device", d).Msg("device: stopped polling")
}

func (d *Device) Polling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.done != nil && !closed(d.done)
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (d *Device) poll(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	log.Info().
		Stringer("Device", d).
		Dur("Interval", interval).
		Msg("Starting to poll device")

	for {
		d.pollOnce(ctx)

		t := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// pollOnce runs one cycle. Any failure aborts it without a snapshot; a failed read
// also drops the link so that the next cycle reconnects.
func (d *Device) pollOnce(ctx context.Context) {
	defer d.section.Store(-1)

	if err := d.link.EnsureConnected(ctx); err != nil {
		if ctx.Err() == nil {
			cyclesCounter.WithLabelValues(d.cfg.Alias, "error").Inc()
			d.emitError(ctx, err)
		}

		return
	}

	fields := Fields{}
	start := time.Now()

	for i, s := range d.sections {
		d.section.Store(int32(i))

		data, err := d.readSection(ctx, s)

		if err != nil {
			if ctx.Err() != nil {
				return
			}

			cyclesCounter.WithLabelValues(d.cfg.Alias, "error").Inc()
			d.link.MarkReconnect()
			d.emitError(ctx, fmt.Errorf("section %v: %w", s, err))

			return
		}

		if err := s.Decode(data, fields); err != nil {
			cyclesCounter.WithLabelValues(d.cfg.Alias, "error").Inc()
			d.emitError(ctx, fmt.Errorf("section %v: %w", s, err))

			return
		}
	}

	snap := &Snapshot{
		Alias:  d.cfg.Alias,
		Fields: fields,
		Time:   time.Now(),
	}

	cyclesCounter.WithLabelValues(d.cfg.Alias, "ok").Inc()

	log.Debug().
		Stringer("Device", d).
		Dur("Elapsed", time.Since(start)).
		Int("Fields", len(fields)).
		Msg("device: completed poll cycle")

	log.Trace().Stringer("Snapshot", snap).Msg("device: snapshot")

	d.emit(ctx, Event{Snapshot: snap})
}

// CurrentSection returns the index of the section being read, -1 when idle.
func (d *Device) CurrentSection() int {
	return int(d.section.Load())
}
