package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/robertof/go-renogy-exporter/connection"
	"github.com/robertof/go-renogy-exporter/modbus"
)

type fakeLink struct {
	mu sync.Mutex

	state      connection.State
	connectErr error
	notify     func([]byte)

	// answers a decoded request with zero or more notification frames.
	respond func(req modbus.Request) [][]byte
	// deliver notifications from a separate goroutine after this delay.
	async time.Duration

	calls       []string
	marks       int
	disconnects int

	inflight   int
	violations int
}

func newFakeLink() *fakeLink {
	return &fakeLink{state: connection.StateDisconnected}
}

func (l *fakeLink) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, call)
}

func (l *fakeLink) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.calls...)
}

func (l *fakeLink) Connect(ctx context.Context, maxAttempts int) error {
	l.record("connect")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connectErr != nil {
		l.state = connection.StateDisconnected
		return l.connectErr
	}

	l.state = connection.StateConnected
	return nil
}

func (l *fakeLink) EnsureConnected(ctx context.Context) error {
	l.record("ensure")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connectErr != nil {
		l.state = connection.StateDisconnected
		return l.connectErr
	}

	l.state = connection.StateConnected
	return nil
}

func (l *fakeLink) Write(ctx context.Context, frame []byte) error {
	req, err := modbus.DecodeRequest(frame)

	if err != nil {
		return err
	}

	switch req.Function {
	case modbus.FuncReadHolding:
		l.record(fmt.Sprintf("read:%d", req.Register))
	case modbus.FuncWriteSingle:
		l.record(fmt.Sprintf("write:%d=%d", req.Register, req.Argument))
	}

	l.mu.Lock()

	if l.state != connection.StateConnected {
		l.mu.Unlock()
		return connection.ErrNotConnected
	}

	if l.inflight > 0 {
		l.violations += 1
	}

	respond, notify, async := l.respond, l.notify, l.async
	var frames [][]byte

	if respond != nil {
		frames = respond(req)
	}

	if len(frames) > 0 {
		l.inflight += 1
	}

	l.mu.Unlock()

	if len(frames) == 0 {
		return nil
	}

	deliver := func() {
		l.mu.Lock()
		l.inflight -= 1
		l.mu.Unlock()

		for _, f := range frames {
			notify(f)
		}
	}

	if async > 0 {
		go func() {
			time.Sleep(async)
			deliver()
		}()
	} else {
		deliver()
	}

	return nil
}

func (l *fakeLink) OnNotify(h func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.notify = h
}

func (l *fakeLink) MarkReconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.marks += 1
	l.state = connection.StateReconnecting
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.disconnects += 1
	l.state = connection.StateDisconnected
	return nil
}

func (l *fakeLink) State() connection.State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(ctx context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *eventRecorder) split() (snaps []*Snapshot, errs []*PollError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.events {
		if e.Snapshot != nil {
			snaps = append(snaps, e.Snapshot)
		}

		if e.Err != nil {
			errs = append(errs, e.Err)
		}
	}

	return snaps, errs
}

func readResponse(slaveID uint8, words ...uint16) []byte {
	b := []byte{slaveID, modbus.FuncReadHolding, byte(len(words) * 2)}

	for _, w := range words {
		b = binary.BigEndian.AppendUint16(b, w)
	}

	// trailing CRC bytes are not verified.
	return append(b, 0x00, 0x00)
}

func testSections() []Section {
	return []Section{
		{
			Name:     "charging_info",
			Register: 256,
			Words:    2,
			Fields: []Field{
				{Name: "battery_percentage", Kind: FieldUint, Offset: 0, Size: 2},
				{Name: "battery_voltage", Kind: FieldUint, Offset: 2, Size: 2, Scale: 0.1},
			},
		},
		{
			Name:     "battery_type",
			Register: 57348,
			Words:    1,
			Fields: []Field{
				{Name: "battery_type", Kind: FieldEnum, Offset: 0, Size: 2, Values: map[int]string{4: "lithium"}},
			},
		},
	}
}

// answers every read of testSections with valid data and acks every write.
func healthyResponder(req modbus.Request) [][]byte {
	switch {
	case req.Function == modbus.FuncWriteSingle:
		return [][]byte{modbus.EncodeWrite(req.SlaveID, req.Register, req.Argument)}
	case req.Register == 256:
		return [][]byte{readResponse(req.SlaveID, 87, 133)}
	case req.Register == 57348:
		return [][]byte{readResponse(req.SlaveID, 4)}
	default:
		return nil
	}
}

func newTestDevice(link *fakeLink) (*Device, *eventRecorder) {
	d, err := New(Config{Address: "c4:d3:6a:00:11:22", SlaveID: 255}, testSections(), link)

	if err != nil {
		panic(err)
	}

	d.readTimeout = 50 * time.Millisecond
	d.writeTimeout = 50 * time.Millisecond

	rec := &eventRecorder{}
	d.Attach(rec.sink)

	return d, rec
}
