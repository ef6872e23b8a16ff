package ble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "renogy_exporter_ble_successful_connections_total",
	})
	failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "renogy_exporter_ble_failed_connections_total",
	})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "renogy_exporter_ble_disconnections_total",
	})
)

// Dial opens a GATT connection to addr. Every returned link is watched so that
// disconnects, remote or local, are accounted for.
func (h *Handle) Dial(ctx context.Context, addr string) (Link, error) {
	c, err := h.dev.Dial(ctx, ble.NewAddr(addr))

	if err != nil {
		failedConnectionsCounter.Inc()
		return nil, err
	}

	successfulConnectionsCounter.Inc()
	log.Debug().Str("Addr", addr).Msg("ble: successfully opened new connection to device")

	go func() {
		<-c.Disconnected()

		disconnectsCounter.Inc()
		log.Debug().Str("Addr", addr).Msg("ble: connection with device closed")
	}()

	return c, nil
}
