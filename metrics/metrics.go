// Copyright 2022 The presence Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"net/http"

	"github.com/alwitt/presence/presence"
	"github.com/alwitt/presence/socket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// lifecycleEvents connection manager events counted by the collector
var lifecycleEvents = []string{
	socket.EventConnect,
	socket.EventDisconnect,
	socket.EventConnectError,
	socket.EventReconnectAttempt,
	socket.EventReconnectFailed,
}

// EventSource where the collector hears lifecycle events from
type EventSource interface {
	On(event string, listener socket.Listener) error
	Off(event string, listeners ...socket.Listener)
}

// Collector presence metrics
type Collector struct {
	registry        *prometheus.Registry
	uniqueVisitors  prometheus.Gauge
	liveConnections prometheus.Gauge
	connected       prometheus.Gauge
	lifecycle       *prometheus.CounterVec
	relayPublishes  *prometheus.CounterVec
	streamClients   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
}

// New define a new collector with its own registry
func New(namespace string) *Collector {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	uniqueVisitors := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "unique_visitors",
		Help: "Unique visitors last reported by the server",
	})
	liveConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "live_connections",
		Help: "Live connections last reported by the server",
	})
	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "connected",
		Help: "1 while the presence connection is up",
	})
	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "connection_events_total",
		Help: "Connection lifecycle events",
	}, []string{"event"})
	relayPublishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "relay_publish_total",
		Help: "Snapshot publishes per relay sink",
	}, []string{"sink", "result"})
	streamClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "stream_clients",
		Help: "Clients attached to the snapshot stream",
	})
	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total",
		Help: "Gateway HTTP requests",
	}, []string{"handler", "code", "method"})
	r.MustRegister(
		uniqueVisitors, liveConnections, connected, lifecycle, relayPublishes, streamClients,
		httpRequests,
	)

	return &Collector{
		registry:        r,
		uniqueVisitors:  uniqueVisitors,
		liveConnections: liveConnections,
		connected:       connected,
		lifecycle:       lifecycle,
		relayPublishes:  relayPublishes,
		streamClients:   streamClients,
		httpRequests:    httpRequests,
	}
}

// Registry the registry holding every collector metric
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler the HTTP handler exposing the metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Instrument count requests served by a handler
func (c *Collector) Instrument(name string, handler http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(
		c.httpRequests.MustCurryWith(prometheus.Labels{"handler": name}), handler,
	)
}

// ObserveSnapshot record a presence snapshot. Unknown counts read as zero.
func (c *Collector) ObserveSnapshot(snapshot presence.Snapshot) {
	if snapshot.IsConnected {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
	if snapshot.UniqueVisitors != nil {
		c.uniqueVisitors.Set(float64(*snapshot.UniqueVisitors))
	} else {
		c.uniqueVisitors.Set(0)
	}
	if snapshot.LiveConnections != nil {
		c.liveConnections.Set(float64(*snapshot.LiveConnections))
	} else {
		c.liveConnections.Set(0)
	}
}

// HandleEvent count a lifecycle event
func (c *Collector) HandleEvent(evt socket.Event) {
	c.lifecycle.WithLabelValues(evt.Name).Inc()
}

// Attach start counting the lifecycle events of a connection manager
func (c *Collector) Attach(source EventSource) error {
	for _, event := range lifecycleEvents {
		if err := source.On(event, c); err != nil {
			c.Detach(source)
			return err
		}
	}
	return nil
}

// Detach stop counting lifecycle events
func (c *Collector) Detach(source EventSource) {
	for _, event := range lifecycleEvents {
		source.Off(event, c)
	}
}

// RecordRelayPublish count one relay publish
func (c *Collector) RecordRelayPublish(sink string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.relayPublishes.WithLabelValues(sink, result).Inc()
}

// StreamOpened a client attached to the snapshot stream
func (c *Collector) StreamOpened() {
	c.streamClients.Inc()
}

// StreamClosed a client left the snapshot stream
func (c *Collector) StreamClosed() {
	c.streamClients.Dec()
}
