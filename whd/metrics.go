// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package whd

import (
	"github.com/prometheus/client_golang/prometheus"
)

const webhookNamespaceName = "whd"

var (
	// EventsReceived counts received webhook deliveries by event type.
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: webhookNamespaceName,
			Name:      "events_received_total",
			Help:      "Total number of received webhook events by event type.",
		},
		[]string{"event"},
	)

	// EventsDispatched counts events handed to the dispatcher.
	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: webhookNamespaceName,
			Name:      "events_dispatched_total",
			Help:      "Total number of webhook events dispatched for processing.",
		},
		[]string{"event"},
	)

	// EventsIgnored counts events that were received but not processed.
	EventsIgnored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: webhookNamespaceName,
			Name:      "events_ignored_total",
			Help:      "Total number of webhook events that were ignored.",
		},
		[]string{"event"},
	)
)

// RegisterWebhookMetrics allows to register webhook metrics with a given
// prometheus registerer
func RegisterWebhookMetrics(reg prometheus.Registerer) {
	reg.MustRegister(EventsReceived)
	reg.MustRegister(EventsDispatched)
	reg.MustRegister(EventsIgnored)
}
