package connection

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/robertof/go-renogy-exporter/ble"
)

const testAddr = "c4:d3:6a:00:11:22"

func testOptions() Options {
	o := DefaultOptions()
	o.DiscoveryTimeout = 50 * time.Millisecond
	o.BaseDelay = time.Millisecond
	o.MaxDelay = 5 * time.Millisecond
	o.WriteRetryDelay = time.Millisecond

	return o
}

func newTestConnection(t *fakeTransport, target Target) *Connection {
	c := New(t, target, testOptions())
	c.settleDelay = 0

	return c
}

func waitForState(t *testing.T, c *Connection, want State) {
	t.Helper()

	deadline := time.Now().Add(time.Second)

	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatalf("State(): got %v, wanted %v", c.State(), want)
}

func TestConnect_ResolvesAndSubscribes(t *testing.T) {
	link := newFakeLink(renogyProfile())
	tr := &fakeTransport{
		ads:   []ble.Advertisement{fakeAdvertisement{name: "BT-TH-6A001122", addr: testAddr}},
		links: []*fakeLink{link},
	}

	c := newTestConnection(tr, Target{Address: testAddr})

	if err := c.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() got error: %v", err)
	}

	if c.State() != StateConnected {
		t.Fatalf("State(): got %v, wanted %v", c.State(), StateConnected)
	}

	got := make(chan []byte, 1)
	c.OnNotify(func(b []byte) { got <- b })

	sent := []byte{0xff, 0x03, 0x02, 0x00, 0x01, 0x00, 0x00}
	link.notify(sent)
	sent[4] = 0xaa

	if frame := <-got; !reflect.DeepEqual(frame, []byte{0xff, 0x03, 0x02, 0x00, 0x01, 0x00, 0x00}) {
		t.Fatalf("OnNotify: got % x, wanted an unmodified copy of the notification", frame)
	}

	if err := c.Write(context.Background(), []byte{0x01}); err != nil {
		t.Fatalf("Write() got error: %v", err)
	}

	// already connected: neither scans nor dials again.
	if err := c.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() got error: %v", err)
	}

	if scans, dials := tr.counts(); scans != 1 || dials != 1 {
		t.Fatalf("got %d scans and %d dials, wanted 1 and 1", scans, dials)
	}
}

func TestConnect_IncompleteServiceResolution(t *testing.T) {
	profile := renogyProfile()
	profile.Services = profile.Services[:1]

	link := newFakeLink(profile)
	tr := &fakeTransport{
		ads:   []ble.Advertisement{fakeAdvertisement{addr: testAddr}},
		links: []*fakeLink{link},
	}

	c := newTestConnection(tr, Target{Address: testAddr})
	err := c.Connect(context.Background(), 1)

	if !errors.Is(err, ErrServiceResolution) || !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("Connect(): got error %v, wanted %v wrapping %v", err, ErrAttemptsExhausted, ErrServiceResolution)
	}

	if c.State() != StateDisconnected {
		t.Fatalf("State(): got %v, wanted %v", c.State(), StateDisconnected)
	}

	if link.cancels != 1 {
		t.Fatalf("half-open link got %d cancellations, wanted 1", link.cancels)
	}
}

func TestConnect_RetriesAfterDialFailure(t *testing.T) {
	link := newFakeLink(renogyProfile())
	tr := &fakeTransport{
		ads:      []ble.Advertisement{fakeAdvertisement{addr: testAddr}},
		dialErrs: []error{errors.New("hci: connection timeout")},
		links:    []*fakeLink{link},
	}

	c := newTestConnection(tr, Target{Address: testAddr})

	if err := c.Connect(context.Background(), 3); err != nil {
		t.Fatalf("Connect() got error: %v", err)
	}

	// a failed dial forgets the address, so the second attempt scans again.
	if scans, dials := tr.counts(); scans != 2 || dials != 2 {
		t.Fatalf("got %d scans and %d dials, wanted 2 and 2", scans, dials)
	}
}

func TestConnect_NotFound(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestConnection(tr, Target{Address: testAddr})

	err := c.Connect(context.Background(), 2)

	if !errors.Is(err, ErrDiscoveryFailed) || !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("Connect(): got error %v, wanted %v wrapping %v", err, ErrAttemptsExhausted, ErrDiscoveryFailed)
	}

	if scans, dials := tr.counts(); scans != 2 || dials != 0 {
		t.Fatalf("got %d scans and %d dials, wanted 2 and 0", scans, dials)
	}
}

func TestDiscover_AddressBeforeName(t *testing.T) {
	tr := &fakeTransport{
		ads: []ble.Advertisement{
			fakeAdvertisement{name: "BT-TH-ROVER", addr: "aa:bb:cc:dd:ee:ff"},
			fakeAdvertisement{name: "BT-TH-OTHER", addr: testAddr},
		},
	}

	c := newTestConnection(tr, Target{Address: testAddr, Name: "BT-TH-ROVER"})
	found, err := c.Discover(context.Background(), 0)

	if err != nil || !found {
		t.Fatalf("Discover(): got (%v, %v), wanted (true, nil)", found, err)
	}

	if c.Address() != testAddr {
		t.Fatalf("Address(): got %q, wanted %q", c.Address(), testAddr)
	}
}

func TestDiscover_NameFallback(t *testing.T) {
	tr := &fakeTransport{
		ads: []ble.Advertisement{
			fakeAdvertisement{name: "BT-TH-ROVER", addr: "aa:bb:cc:dd:ee:ff"},
		},
	}

	c := newTestConnection(tr, Target{Address: testAddr, Name: "bt-th-rover"})
	found, err := c.Discover(context.Background(), 0)

	if err != nil || !found {
		t.Fatalf("Discover(): got (%v, %v), wanted (true, nil)", found, err)
	}

	if c.Address() != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("Address(): got %q, wanted the name-matched address", c.Address())
	}
}

func TestWrite_RetriesThenReconnecting(t *testing.T) {
	link := newFakeLink(renogyProfile())
	transient := errors.New("att: write failed")
	link.writeErrs = []error{transient, transient, transient}

	tr := &fakeTransport{
		ads:   []ble.Advertisement{fakeAdvertisement{addr: testAddr}},
		links: []*fakeLink{link},
	}

	c := newTestConnection(tr, Target{Address: testAddr})

	if err := c.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() got error: %v", err)
	}

	err := c.Write(context.Background(), []byte{0x01})

	if !errors.Is(err, ErrWriteFailed) || !errors.Is(err, transient) {
		t.Fatalf("Write(): got error %v, wanted %v wrapping %v", err, ErrWriteFailed, transient)
	}

	if len(link.writes) != 3 {
		t.Fatalf("got %d writes, wanted 3 (1 + 2 retries)", len(link.writes))
	}

	if c.State() != StateReconnecting {
		t.Fatalf("State(): got %v, wanted %v", c.State(), StateReconnecting)
	}

	if err := c.Write(context.Background(), []byte{0x01}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Write() after drop: got error %v, wanted %v", err, ErrNotConnected)
	}

	if len(link.writes) != 3 {
		t.Fatalf("got %d writes, wanted no retry on a dropped link", len(link.writes))
	}
}

func TestLinkLost_MovesToReconnecting(t *testing.T) {
	link := newFakeLink(renogyProfile())
	tr := &fakeTransport{
		ads:   []ble.Advertisement{fakeAdvertisement{addr: testAddr}},
		links: []*fakeLink{link},
	}

	c := newTestConnection(tr, Target{Address: testAddr})

	if err := c.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() got error: %v", err)
	}

	link.drop()
	waitForState(t, c, StateReconnecting)
}

func TestReconnect_Rediscovers(t *testing.T) {
	first := newFakeLink(renogyProfile())
	second := newFakeLink(renogyProfile())
	third := newFakeLink(renogyProfile())

	tr := &fakeTransport{
		ads:   []ble.Advertisement{fakeAdvertisement{addr: testAddr}},
		links: []*fakeLink{first, second, third},
	}

	c := newTestConnection(tr, Target{Address: testAddr})
	ctx := context.Background()

	if err := c.Connect(ctx, 1); err != nil {
		t.Fatalf("Connect() got error: %v", err)
	}

	c.MarkReconnect()

	if c.Address() != "" {
		t.Fatalf("Address() after MarkReconnect(): got %q, wanted it forgotten", c.Address())
	}

	if err := c.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() got error: %v", err)
	}

	if scans, dials := tr.counts(); scans != 2 || dials != 2 {
		t.Fatalf("after MarkReconnect(): got %d scans and %d dials, wanted 2 and 2", scans, dials)
	}

	second.drop()
	waitForState(t, c, StateReconnecting)

	if err := c.EnsureConnected(ctx); err != nil {
		t.Fatalf("EnsureConnected() after link loss got error: %v", err)
	}

	if scans, dials := tr.counts(); scans != 3 || dials != 3 {
		t.Fatalf("after link loss: got %d scans and %d dials, wanted 3 and 3", scans, dials)
	}
}

func TestDisconnect_AbortsConnectInProgress(t *testing.T) {
	link := newFakeLink(renogyProfile())
	link.discovering = make(chan struct{})
	link.gate = make(chan struct{})

	tr := &fakeTransport{
		ads:   []ble.Advertisement{fakeAdvertisement{addr: testAddr}},
		links: []*fakeLink{link},
	}

	c := newTestConnection(tr, Target{Address: testAddr})
	result := make(chan error, 1)

	go func() {
		result <- c.Connect(context.Background(), 0)
	}()

	select {
	case <-link.discovering:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for profile discovery")
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() got error: %v", err)
	}

	close(link.gate)

	select {
	case err := <-result:
		if !errors.Is(err, ErrConnectionFailed) {
			t.Fatalf("Connect(): got error %v, wanted %v", err, ErrConnectionFailed)
		}
	case <-time.After(time.Second):
		t.Fatalf("Connect() did not return after Disconnect()")
	}

	if c.State() != StateDisconnected {
		t.Fatalf("State(): got %v, wanted %v", c.State(), StateDisconnected)
	}

	if link.cancelCount() != 1 {
		t.Fatalf("link got %d cancellations, wanted 1", link.cancelCount())
	}

	if err := c.Write(context.Background(), []byte{0x01}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Write(): got error %v, wanted %v", err, ErrNotConnected)
	}

	if _, dials := tr.counts(); dials != 1 {
		t.Fatalf("got %d dials, wanted no retry after Disconnect()", dials)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	link := newFakeLink(renogyProfile())
	tr := &fakeTransport{
		ads:   []ble.Advertisement{fakeAdvertisement{addr: testAddr}},
		links: []*fakeLink{link},
	}

	c := newTestConnection(tr, Target{Address: testAddr})

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() before connecting got error: %v", err)
	}

	if err := c.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect() got error: %v", err)
	}

	for i := 0; i < 2; i += 1 {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect() #%d got error: %v", i+1, err)
		}

		if c.State() != StateDisconnected {
			t.Fatalf("State() after Disconnect() #%d: got %v, wanted %v", i+1, c.State(), StateDisconnected)
		}
	}

	if link.cancels != 1 {
		t.Fatalf("link got %d cancellations, wanted 1", link.cancels)
	}
}

func TestOptions_Backoff(t *testing.T) {
	o := DefaultOptions()

	want := []time.Duration{
		5 * time.Second,
		7500 * time.Millisecond,
		11250 * time.Millisecond,
		16875 * time.Millisecond,
		25312500 * time.Microsecond,
		30 * time.Second,
		30 * time.Second,
	}

	for attempt, w := range want {
		if got := o.backoff(attempt); got != w {
			t.Fatalf("backoff(%d): got %v, wanted %v", attempt, got, w)
		}
	}
}
