package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-renogy-exporter/device"
)

var (
	descField = prometheus.NewDesc(
		"renogy_field_value",
		"Numeric field decoded from the latest snapshot of a Renogy device.",
		[]string{"device", "field"},
		nil,
	)

	descInfo = prometheus.NewDesc(
		"renogy_field_info",
		"Textual field decoded from the latest snapshot of a Renogy device. Always 1.",
		[]string{"device", "field", "value"},
		nil,
	)

	descSnapshotTime = prometheus.NewDesc(
		"renogy_snapshot_timestamp_seconds",
		"Unix time at which the latest snapshot of the device was completed.",
		[]string{"device"},
		nil,
	)

	descConnected = prometheus.NewDesc(
		"renogy_device_connected",
		"Whether the BLE link to the device is currently up.",
		[]string{"device"},
		nil,
	)

	errorsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "renogy_exporter_device_errors_total",
		Help: "Error events emitted by devices, by kind.",
	}, []string{"device", "kind"})
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(errorsCounter)
}

// Store keeps the latest snapshot of every device. Its methods match the manager's
// handler signatures.
type Store struct {
	mu     sync.Mutex
	latest map[string]*device.Snapshot
}

func NewStore() *Store {
	return &Store{
		latest: make(map[string]*device.Snapshot),
	}
}

func (s *Store) HandleSnapshot(key string, dev *device.Device, snap *device.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// snapshots are immutable, keeping the pointer is enough.
	s.latest[key] = snap
}

func (s *Store) HandleError(key string, dev *device.Device, e *device.PollError) {
	errorsCounter.WithLabelValues(key, e.Kind.String()).Inc()
}

func (s *Store) Latest() map[string]*device.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*device.Snapshot, len(s.latest))

	for k, v := range s.latest {
		out[k] = v
	}

	return out
}

// Source lists the devices to report link state for.
type Source interface {
	Keys() []string
	IsConnected(key string) bool
}

type collector struct {
	store  *Store
	source Source
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descField
	ch <- descInfo
	ch <- descSnapshotTime
	ch <- descConnected
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for key, snap := range c.store.Latest() {
		ts := snap.Time

		ch <- prometheus.NewMetricWithTimestamp(ts, prometheus.MustNewConstMetric(
			descSnapshotTime,
			prometheus.GaugeValue,
			float64(ts.UnixMilli())/1000,
			key,
		))

		for field, v := range snap.Fields {
			var m prometheus.Metric

			switch v := v.(type) {
			case float64:
				m = prometheus.MustNewConstMetric(descField, prometheus.GaugeValue, v, key, field)
			case string:
				m = prometheus.MustNewConstMetric(descInfo, prometheus.GaugeValue, 1, key, field, v)
			default:
				continue
			}

			ch <- prometheus.NewMetricWithTimestamp(ts, m)
		}
	}

	if c.source == nil {
		return
	}

	for _, key := range c.source.Keys() {
		connected := 0.0

		if c.source.IsConnected(key) {
			connected = 1
		}

		ch <- prometheus.MustNewConstMetric(descConnected, prometheus.GaugeValue, connected, key)
	}
}

func RegisterCollector(store *Store, source Source, reg prometheus.Registerer) {
	reg.MustRegister(&collector{store: store, source: source})
}
