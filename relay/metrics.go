// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's instrumentation. All counters live on a
// private registry so two relays in one test process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	Connections         prometheus.Gauge
	RegisteredInstances prometheus.Gauge
	ClaimsCreated       prometheus.Counter
	ClaimsResolved      prometheus.Counter
	ClaimsConsumed      prometheus.Counter
	ClaimErrors         *prometheus.CounterVec
	RelayedMessages     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mydia_relay_connections",
			Help: "Open signaling connections.",
		}),
		RegisteredInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mydia_relay_registered_instances",
			Help: "Home server instances currently registered.",
		}),
		ClaimsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mydia_relay_claims_created_total",
			Help: "Pairing claims minted.",
		}),
		ClaimsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "mydia_relay_claims_resolved_total",
			Help: "Claim codes successfully resolved and locked.",
		}),
		ClaimsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mydia_relay_claims_consumed_total",
			Help: "Claims spent by a completed pairing.",
		}),
		ClaimErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mydia_relay_claim_errors_total",
			Help: "Claim operations refused, by error category.",
		}, []string{"code"}),
		RelayedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mydia_relay_messages_total",
			Help: "Signaling messages forwarded between peers, by type.",
		}, []string{"type"}),
	}
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
