// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package whd

import (
	"context"
	"io"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
)

const (
	eventHeader    = "X-GitHub-Event"
	deliveryHeader = "X-GitHub-Delivery"
	// ghesHeader is only sent by github enterprise instances; its absence
	// identifies github.com.
	ghesHeader      = "X-GitHub-Enterprise-Host"
	defaultHostname = "github.com"
)

// Webhook serves the github webhook endpoint.
type Webhook struct {
	log        logr.Logger
	dispatcher *Dispatcher
}

// NewWebhook returns the webhook handler backed by the given dispatcher.
func NewWebhook(log logr.Logger, dispatcher *Dispatcher) *Webhook {
	return &Webhook{log: log, dispatcher: dispatcher}
}

// RegisterRoutes registers the webhook endpoint on the given router.
func (w *Webhook) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/github-webhook", w.HandleEvent).Methods(http.MethodPost)
}

// HandleEvent accepts one webhook delivery and dispatches it.
func (w *Webhook) HandleEvent(rw http.ResponseWriter, req *http.Request) {
	event := req.Header.Get(eventHeader)
	if event == "" {
		http.Error(rw, "missing "+eventHeader+" header", http.StatusBadRequest)
		return
	}
	delivery := req.Header.Get(deliveryHeader)
	if delivery == "" {
		http.Error(rw, "missing "+deliveryHeader+" header", http.StatusBadRequest)
		return
	}
	hostname := req.Header.Get(ghesHeader)
	if hostname == "" {
		hostname = defaultHostname
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(rw, "unable to read request body", http.StatusInternalServerError)
		return
	}

	EventsReceived.WithLabelValues(event).Inc()
	w.log.Info("received webhook event",
		"event", event, "delivery", delivery, "hostname", hostname)

	// event processing outlives the request
	ctx := context.WithoutCancel(req.Context())
	switch event {
	case "push":
		parsed, err := ParsePushEvent(body, delivery, hostname)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		w.dispatcher.DispatchPushEvent(ctx, parsed)
		EventsDispatched.WithLabelValues(event).Inc()

	case "create":
		parsed, err := ParseCreateEvent(body, delivery, hostname)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		w.dispatcher.DispatchCreateEvent(ctx, parsed)
		EventsDispatched.WithLabelValues(event).Inc()

	case "pull_request":
		parsed, err := ParsePullRequestEvent(body, delivery, hostname)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		if !w.dispatcher.DispatchPullRequestEvent(ctx, parsed) {
			EventsIgnored.WithLabelValues(event).Inc()
			_, _ = rw.Write([]byte("Event ignored"))
			return
		}
		EventsDispatched.WithLabelValues(event).Inc()

	default:
		w.log.Info("event ignored", "event", event)
		EventsIgnored.WithLabelValues(event).Inc()
	}
}
