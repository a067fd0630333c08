// Copyright 2026 The driverbroker Authors
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
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records broker activity
type Collector interface {
	// DriverRegistered a driver registered (or re-registered after expiry)
	DriverRegistered(reregistered bool)
	// DriverRemoved a driver was removed from the registry
	DriverRemoved(reason string)
	// HeartbeatReceived a heartbeat was accepted
	HeartbeatReceived()
	// OperationDispatched a dispatch attempt finished with outcome
	OperationDispatched(outcome string)
	// OperationDropped a pending operation was dropped on queue overflow
	OperationDropped()
	// SubscriptionOpened a subscription was attached
	SubscriptionOpened()
	// SubscriptionClosed a subscription was closed
	SubscriptionClosed(reason string)
}

// prometheusCollector implements Collector on Prometheus metrics
type prometheusCollector struct {
	registrations       *prometheus.CounterVec
	removals            *prometheus.CounterVec
	registeredDrivers   prometheus.Gauge
	heartbeats          prometheus.Counter
	dispatches          *prometheus.CounterVec
	dropped             prometheus.Counter
	subscriptionsClosed *prometheus.CounterVec
	activeSubscriptions prometheus.Gauge
}

// GetPrometheusCollector define a Collector registering its metrics with reg
func GetPrometheusCollector(reg prometheus.Registerer) Collector {
	factory := promauto.With(reg)
	return &prometheusCollector{
		registrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "driverbroker",
				Subsystem: "registry",
				Name:      "registrations_total",
				Help:      "Total number of driver registrations",
			},
			[]string{"reregistered"},
		),
		removals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "driverbroker",
				Subsystem: "registry",
				Name:      "removals_total",
				Help:      "Total number of driver removals",
			},
			[]string{"reason"},
		),
		registeredDrivers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "driverbroker",
				Subsystem: "registry",
				Name:      "drivers",
				Help:      "Number of currently registered drivers",
			},
		),
		heartbeats: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "driverbroker",
				Subsystem: "liveness",
				Name:      "heartbeats_total",
				Help:      "Total number of accepted heartbeats",
			},
		),
		dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "driverbroker",
				Subsystem: "dispatch",
				Name:      "operations_total",
				Help:      "Total number of dispatch attempts",
			},
			[]string{"outcome"},
		),
		dropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "driverbroker",
				Subsystem: "dispatch",
				Name:      "dropped_total",
				Help:      "Total number of pending operations dropped on queue overflow",
			},
		),
		subscriptionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "driverbroker",
				Subsystem: "dispatch",
				Name:      "subscriptions_closed_total",
				Help:      "Total number of closed subscriptions",
			},
			[]string{"reason"},
		),
		activeSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "driverbroker",
				Subsystem: "dispatch",
				Name:      "active_subscriptions",
				Help:      "Number of currently attached subscriptions",
			},
		),
	}
}

func (c *prometheusCollector) DriverRegistered(reregistered bool) {
	if reregistered {
		c.registrations.WithLabelValues("true").Inc()
		return
	}
	c.registrations.WithLabelValues("false").Inc()
	c.registeredDrivers.Inc()
}

func (c *prometheusCollector) DriverRemoved(reason string) {
	c.removals.WithLabelValues(reason).Inc()
	c.registeredDrivers.Dec()
}

func (c *prometheusCollector) HeartbeatReceived() {
	c.heartbeats.Inc()
}

func (c *prometheusCollector) OperationDispatched(outcome string) {
	c.dispatches.WithLabelValues(outcome).Inc()
}

func (c *prometheusCollector) OperationDropped() {
	c.dropped.Inc()
}

func (c *prometheusCollector) SubscriptionOpened() {
	c.activeSubscriptions.Inc()
}

func (c *prometheusCollector) SubscriptionClosed(reason string) {
	c.subscriptionsClosed.WithLabelValues(reason).Inc()
	c.activeSubscriptions.Dec()
}

// ==============================================================================

type noopCollector struct{}

// GetNoopCollector define a Collector which records nothing
func GetNoopCollector() Collector {
	return noopCollector{}
}

func (noopCollector) DriverRegistered(bool) {}
func (noopCollector) DriverRemoved(string) {}
func (noopCollector) HeartbeatReceived() {}
func (noopCollector) OperationDispatched(string) {}
func (noopCollector) OperationDropped() {}
func (noopCollector) SubscriptionOpened() {}
func (noopCollector) SubscriptionClosed(string) {}
