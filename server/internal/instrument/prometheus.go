// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports gateway metrics to prometheus.
package instrument

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipgateway_handshakes_total",
			Help: "Number of registration handshakes by outcome",
		},
		[]string{"outcome"},
	)
	registeredClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ipgateway_registered_clients",
			Help: "Number of peers in the client registry",
		},
	)
	evictedClients = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ipgateway_evicted_clients_total",
			Help: "Number of peers evicted for being idle",
		},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipgateway_requests_total",
			Help: "Number of decoded tunnel requests by kind",
		},
		[]string{"kind"},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipgateway_dropped_messages_total",
			Help: "Number of tunnel messages dropped at the transport boundary",
		},
		[]string{"reason"},
	)

	registerOnce sync.Once
)

// Init registers the gateway metrics with the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(handshakes)
		prometheus.MustRegister(registeredClients)
		prometheus.MustRegister(evictedClients)
		prometheus.MustRegister(requests)
		prometheus.MustRegister(messagesDropped)
	})
}

// NewServer returns an HTTP server exposing the metrics on addr. The caller
// starts and stops it.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handshake counts a finished registration handshake.
func Handshake(outcome string) {
	handshakes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RegisteredClients sets the registry size.
func RegisteredClients(n int) {
	registeredClients.Set(float64(n))
}

// ClientsEvicted counts idle evictions.
func ClientsEvicted(n int) {
	evictedClients.Add(float64(n))
}

// Request counts a decoded tunnel request.
func Request(kind string) {
	requests.With(prometheus.Labels{"kind": kind}).Inc()
}

// MessageDropped counts a dropped tunnel message.
func MessageDropped(reason string) {
	messagesDropped.With(prometheus.Labels{"reason": reason}).Inc()
}
