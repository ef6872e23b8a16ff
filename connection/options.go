package connection

import (
	"math"
	"time"

	"github.com/robertof/go-renogy-exporter/ble"
)

var (
	DefaultServiceUUID = ble.UUID16(0xffd0)
	DefaultWriteUUID   = ble.UUID16(0xffd1)
	DefaultNotifyUUID  = ble.UUID16(0xfff1)
)

// Options tunes a Connection. Unset UUIDs, durations and attempt counts fall back to
// DefaultOptions; a zero WriteRetries means writes are never retried.
type Options struct {
	// The write characteristic is looked up inside ServiceUUID; the notify
	// characteristic may live in any service.
	ServiceUUID ble.UUID
	WriteUUID   ble.UUID
	NotifyUUID  ble.UUID

	// MTU requested after connecting. Responses must fit in a single notification.
	MTU int

	DiscoveryTimeout time.Duration
	DialTimeout      time.Duration

	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64

	// Attempts used by EnsureConnected.
	EnsureAttempts int

	WriteRetries    int
	WriteRetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		ServiceUUID:      DefaultServiceUUID,
		WriteUUID:        DefaultWriteUUID,
		NotifyUUID:       DefaultNotifyUUID,
		MTU:              247,
		DiscoveryTimeout: 10 * time.Second,
		DialTimeout:      20 * time.Second,
		BaseDelay:        5 * time.Second,
		MaxDelay:         30 * time.Second,
		Multiplier:       1.5,
		EnsureAttempts:   2,
		WriteRetries:     2,
		WriteRetryDelay:  time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()

	if o.ServiceUUID == nil {
		o.ServiceUUID = d.ServiceUUID
	}

	if o.WriteUUID == nil {
		o.WriteUUID = d.WriteUUID
	}

	if o.NotifyUUID == nil {
		o.NotifyUUID = d.NotifyUUID
	}

	if o.MTU <= 0 {
		o.MTU = d.MTU
	}

	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = d.DiscoveryTimeout
	}

	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}

	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}

	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}

	if o.Multiplier < 1 {
		o.Multiplier = d.Multiplier
	}

	if o.EnsureAttempts <= 0 {
		o.EnsureAttempts = d.EnsureAttempts
	}

	if o.WriteRetries < 0 {
		o.WriteRetries = d.WriteRetries
	}

	if o.WriteRetryDelay <= 0 {
		o.WriteRetryDelay = d.WriteRetryDelay
	}

	return o
}

// backoff returns the delay to wait after the given failed attempt (0-based).
func (o Options) backoff(attempt int) time.Duration {
	d := float64(o.BaseDelay) * math.Pow(o.Multiplier, float64(attempt))

	if d > float64(o.MaxDelay) {
		return o.MaxDelay
	}

	return time.Duration(d)
}
