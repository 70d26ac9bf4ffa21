/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ovpnstats exposes session/keystate counters as Prometheus
// metrics, the way facebook-time's sptp client exposes its own client
// counters for scraping.
package ovpnstats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Collector holds every counter/gauge the protocol core updates as it
// runs, registered against its own Prometheus registry so multiple
// cores in one process don't collide.
type Collector struct {
	registry *prometheus.Registry

	BytesOut      prometheus.Counter
	BytesIn       prometheus.Counter
	PacketsOut    prometheus.Counter
	PacketsIn     prometheus.Counter
	ReplayDropped prometheus.Counter
	Retransmits   prometheus.Counter
	ExcessRetries prometheus.Counter
	Rekeys        prometheus.Counter
	AuthFailures  prometheus.Counter
	KeepaliveMiss prometheus.Counter
	ActiveSlots   prometheus.Gauge
}

// NewCollector builds and registers the full counter set.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovpn3core_data_bytes_out_total", Help: "Bytes sent on the data channel.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovpn3core_data_bytes_in_total", Help: "Bytes received on the data channel.",
		}),
		PacketsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovpn3core_data_packets_out_total", Help: "Data packets sent.",
		}),
		PacketsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovpn3core_data_packets_in_total", Help: "Data packets received.",
		}),
		ReplayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovpn3core_replay_dropped_total", Help: "Packets dropped by replay-window rejection.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovpn3core_control_retransmits_total", Help: "Control-channel packets retransmitted.",
		}),
		ExcessRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovpn3core_control_excess_retries_total", Help: "Control-channel packets dropped after exhausting retry budget.",
		}),
		Rekeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovpn3core_rekeys_total", Help: "Successful key renegotiations.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovpn3core_auth_failures_total", Help: "AUTH_FAILED messages received.",
		}),
		KeepaliveMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ovpn3core_keepalive_timeouts_total", Help: "Keepalive timeouts triggered.",
		}),
		ActiveSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ovpn3core_active_key_slots", Help: "Number of live KeyStates (primary+secondary+lame-duck).",
		}),
	}
	registry.MustRegister(
		c.BytesOut, c.BytesIn, c.PacketsOut, c.PacketsIn,
		c.ReplayDropped, c.Retransmits, c.ExcessRetries,
		c.Rekeys, c.AuthFailures, c.KeepaliveMiss, c.ActiveSlots,
	)
	return c
}

// Serve starts a blocking HTTP server exposing /metrics for the given
// registry on listenAddr (e.g. ":9273"). Intended to be run in its own
// goroutine, mirroring the teacher's PrometheusExporter.Start.
func (c *Collector) Serve(listenAddr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.WithField("addr", listenAddr).Info("starting metrics listener")
	if err := http.ListenAndServe(listenAddr, mux); err != nil {
		log.WithError(err).Error("metrics listener exited")
	}
}

// Registry exposes the underlying Prometheus registry, e.g. for tests
// that want to scrape it directly via prometheus/testutil.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }
