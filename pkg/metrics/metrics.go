// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the bridge collectors. A nil *Metrics is valid and records
// nothing, so components can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	sessionStarts   *prometheus.CounterVec
	sessionReleases *prometheus.CounterVec
	sessionActive   *prometheus.GaugeVec
	operations      *prometheus.CounterVec
	downloadReqs    *prometheus.CounterVec
	restores        *prometheus.CounterVec
	torBootstraps   *prometheus.CounterVec
	torProgress     prometheus.Gauge
	chatFetches     *prometheus.CounterVec
	chatCached      prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletbridge",
			Name:      "session_starts_total",
			Help:      "Session start attempts by kind and result.",
		}, []string{"kind", "result"}),
		sessionReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletbridge",
			Name:      "session_releases_total",
			Help:      "Sessions released by kind.",
		}, []string{"kind"}),
		sessionActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "walletbridge",
			Name:      "session_active",
			Help:      "Whether a session of the kind is live.",
		}, []string{"kind"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletbridge",
			Name:      "session_operations_total",
			Help:      "Operations routed through a session manager by kind and result.",
		}, []string{"kind", "result"}),
		downloadReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletbridge",
			Name:      "backup_download_requests_total",
			Help:      "Cloud download requests issued by result.",
		}, []string{"result"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletbridge",
			Name:      "backup_restores_total",
			Help:      "Backup restore outcomes.",
		}, []string{"result"}),
		torBootstraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletbridge",
			Name:      "tor_bootstraps_total",
			Help:      "Tor bootstrap outcomes.",
		}, []string{"result"}),
		torProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletbridge",
			Name:      "tor_bootstrap_progress_percent",
			Help:      "Last reported Tor bootstrap progress.",
		}),
		chatFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletbridge",
			Name:      "chat_fetches_total",
			Help:      "Chat message fetches by result.",
		}, []string{"result"}),
		chatCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletbridge",
			Name:      "chat_cached_messages",
			Help:      "Messages currently held in the address-keyed cache.",
		}),
	}
	reg.MustRegister(
		m.sessionStarts, m.sessionReleases, m.sessionActive, m.operations,
		m.downloadReqs, m.restores, m.torBootstraps, m.torProgress,
		m.chatFetches, m.chatCached,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) SessionStarted(kind string, err error) {
	if m == nil {
		return
	}
	m.sessionStarts.WithLabelValues(kind, result(err)).Inc()
	if err == nil {
		m.sessionActive.WithLabelValues(kind).Set(1)
	}
}

func (m *Metrics) SessionReleased(kind string) {
	if m == nil {
		return
	}
	m.sessionReleases.WithLabelValues(kind).Inc()
	m.sessionActive.WithLabelValues(kind).Set(0)
}

func (m *Metrics) Operation(kind string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) DownloadRequested(err error) {
	if m == nil {
		return
	}
	m.downloadReqs.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RestoreFinished(err error) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) TorProgress(percent int) {
	if m == nil {
		return
	}
	m.torProgress.Set(float64(percent))
}

func (m *Metrics) TorFinished(err error) {
	if m == nil {
		return
	}
	m.torBootstraps.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ChatFetched(err error) {
	if m == nil {
		return
	}
	m.chatFetches.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ChatCacheSize(n int) {
	if m == nil {
		return
	}
	m.chatCached.Set(float64(n))
}
