package connection

import (
	"context"
	"errors"
	"sync"

	ble_mod "github.com/go-ble/ble"
	"github.com/robertof/go-renogy-exporter/ble"
)

type fakeAdvertisement struct {
	name string
	addr string
}

func (f fakeAdvertisement) LocalName() string { return f.name }
func (f fakeAdvertisement) ManufacturerData() []byte { return nil }
func (f fakeAdvertisement) ServiceData() []ble_mod.ServiceData { return nil }
func (f fakeAdvertisement) Services() []ble_mod.UUID { return nil }
func (f fakeAdvertisement) OverflowService() []ble_mod.UUID { return nil }
func (f fakeAdvertisement) TxPowerLevel() int { return 0 }
func (f fakeAdvertisement) Connectable() bool { return true }
func (f fakeAdvertisement) SolicitedService() []ble_mod.UUID { return nil }
func (f fakeAdvertisement) RSSI() int { return -60 }
func (f fakeAdvertisement) Addr() ble_mod.Addr { return ble_mod.NewAddr(f.addr) }

type fakeLink struct {
	mu sync.Mutex

	profile      *ble.Profile
	subscribeErr error
	writeErrs    []error
	writes       [][]byte
	handler      ble.NotificationHandler
	cancels      int

	disconnected chan struct{}
	closeOnce    sync.Once

	// when set, DiscoverProfile signals discovering and blocks until gate is closed.
	discovering chan struct{}
	gate        chan struct{}
}

func newFakeLink(profile *ble.Profile) *fakeLink {
	return &fakeLink{
		profile:      profile,
		disconnected: make(chan struct{}),
	}
}

func (l *fakeLink) ExchangeMTU(rxMTU int) (int, error) {
	return rxMTU, nil
}

func (l *fakeLink) DiscoverProfile(force bool) (*ble.Profile, error) {
	if l.gate != nil {
		close(l.discovering)
		<-l.gate
	}

	if l.profile == nil {
		return nil, errors.New("att: timeout")
	}

	return l.profile, nil
}

func (l *fakeLink) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.subscribeErr != nil {
		return l.subscribeErr
	}

	l.handler = h
	return nil
}

func (l *fakeLink) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writes = append(l.writes, value)

	if len(l.writeErrs) > 0 {
		err := l.writeErrs[0]
		l.writeErrs = l.writeErrs[1:]
		return err
	}

	return nil
}

func (l *fakeLink) CancelConnection() error {
	l.mu.Lock()
	l.cancels += 1
	l.mu.Unlock()

	l.drop()
	return nil
}

func (l *fakeLink) cancelCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.cancels
}

func (l *fakeLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *fakeLink) drop() {
	l.closeOnce.Do(func() { close(l.disconnected) })
}

func (l *fakeLink) notify(b []byte) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()

	h(b)
}

type fakeTransport struct {
	mu sync.Mutex

	ads      []ble.Advertisement
	dialErrs []error
	links    []*fakeLink

	scans int
	dials []string
}

func (t *fakeTransport) ScanAll(ctx context.Context, onDevice func(ble.Advertisement)) error {
	t.mu.Lock()
	t.scans += 1
	ads := t.ads
	t.mu.Unlock()

	for _, a := range ads {
		if ctx.Err() != nil {
			break
		}

		onDevice(a)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (t *fakeTransport) Dial(ctx context.Context, addr string) (ble.Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials = append(t.dials, addr)

	if len(t.dialErrs) > 0 {
		err := t.dialErrs[0]
		t.dialErrs = t.dialErrs[1:]

		if err != nil {
			return nil, err
		}
	}

	if len(t.links) == 0 {
		return nil, errors.New("no more links")
	}

	l := t.links[0]
	t.links = t.links[1:]

	return l, nil
}

func (t *fakeTransport) counts() (scans, dials int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.scans, len(t.dials)
}

func renogyProfile() *ble.Profile {
	return &ble.Profile{
		Services: []*ble.Service{
			{
				UUID: ble.MustParseUUID("0000ffd0-0000-1000-8000-00805f9b34fb"),
				Characteristics: []*ble.Characteristic{
					{UUID: ble.MustParseUUID("0000ffd1-0000-1000-8000-00805f9b34fb")},
				},
			},
			{
				UUID: ble.UUID16(0xfff0),
				Characteristics: []*ble.Characteristic{
					{UUID: ble.UUID16(0xfff1)},
				},
			},
		},
	}
}
