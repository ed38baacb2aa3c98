// Copyright 2021-2022 The docwatch Authors
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
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "docwatch"

// Collector prometheus metrics shared by the bus, coordinator, sessions, and API.
//
// All methods are safe to call on a nil Collector.
type Collector struct {
	eventsSent        *prometheus.CounterVec
	eventsDelivered   *prometheus.CounterVec
	elections         *prometheus.CounterVec
	promotions        prometheus.Counter
	expiries          prometheus.Counter
	sessionsCreated   prometheus.Counter
	connectFailures   prometheus.Counter
	activeConnections *prometheus.GaugeVec
}

// GetCollector define and register the metrics with the registerer
func GetCollector(registerer prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_sent_total",
			Help:      "Events sent on the channel bus",
		}, []string{"kind"}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_delivered_total",
			Help:      "Events delivered to local connections",
		}, []string{"kind"}),
		elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "elections_total",
			Help:      "Watcher elections attempted by local sessions",
		}, []string{"outcome"}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "promotions_total",
			Help:      "Candidates asked to take over a vacated watch",
		}),
		expiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "expiries_total",
			Help:      "Watcher record expiries handled by this process",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Sessions created",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connect_failures_total",
			Help:      "Session connects rejected",
		}),
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active_connections",
			Help:      "Transport connections attached to this process",
		}, []string{"transport"}),
	}
	for _, collector := range []prometheus.Collector{
		c.eventsSent,
		c.eventsDelivered,
		c.elections,
		c.promotions,
		c.expiries,
		c.sessionsCreated,
		c.connectFailures,
		c.activeConnections,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// EventSent record an event sent on the bus
func (c *Collector) EventSent(kind string) {
	if c != nil {
		c.eventsSent.WithLabelValues(kind).Inc()
	}
}

// EventsDelivered record events delivered to local connections
func (c *Collector) EventsDelivered(kind string, count int) {
	if c != nil && count > 0 {
		c.eventsDelivered.WithLabelValues(kind).Add(float64(count))
	}
}

// ElectionWon record a local session becoming a watcher
func (c *Collector) ElectionWon() {
	if c != nil {
		c.elections.WithLabelValues("won").Inc()
	}
}

// ElectionLost record a local session losing a watcher race
func (c *Collector) ElectionLost() {
	if c != nil {
		c.elections.WithLabelValues("lost").Inc()
	}
}

// Promoted record candidates asked to take over
func (c *Collector) Promoted(count int) {
	if c != nil && count > 0 {
		c.promotions.Add(float64(count))
	}
}

// Expired record a handled watcher expiry
func (c *Collector) Expired() {
	if c != nil {
		c.expiries.Inc()
	}
}

// SessionCreated record a created session
func (c *Collector) SessionCreated() {
	if c != nil {
		c.sessionsCreated.Inc()
	}
}

// ConnectFailed record a rejected connect
func (c *Collector) ConnectFailed() {
	if c != nil {
		c.connectFailures.Inc()
	}
}

// ConnectionOpened record a transport connection attaching
func (c *Collector) ConnectionOpened(transport string) {
	if c != nil {
		c.activeConnections.WithLabelValues(transport).Inc()
	}
}

// ConnectionClosed record a transport connection detaching
func (c *Collector) ConnectionClosed(transport string) {
	if c != nil {
		c.activeConnections.WithLabelValues(transport).Dec()
	}
}
