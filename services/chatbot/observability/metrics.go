// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chatbot service.
//
// # Description
//
// Metrics cover the conversational pipeline (turns, generation latency,
// failure classes), the websocket layer (sessions, connections) and the
// knowledge index (entry count, reloads). They are exposed on the /metrics
// endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian"

const chatSubsystem = "chatbot"

// Turn outcome labels for TurnsTotal.
const (
	TurnStatusOK       = "ok"
	TurnStatusFallback = "fallback"
	TurnStatusRejected = "rejected"
)

// Failure class labels for GenerationFailuresTotal.
const (
	FailureTimeout   = "timeout"
	FailureLLM       = "llm_error"
	FailureParse     = "parse_error"
	FailureRetrieval = "rag_error"
)

// Reload outcome labels for KnowledgeReloadsTotal.
const (
	ReloadStatusOK    = "ok"
	ReloadStatusError = "error"
)

// ChatMetrics holds all Prometheus metrics for the chatbot service.
// Initialize once at startup via InitMetrics(), or with NewChatMetrics
// against a private registry in tests.
type ChatMetrics struct {
	// TurnsTotal counts completed message turns by outcome.
	// Labels: status (ok, fallback, rejected)
	TurnsTotal *prometheus.CounterVec

	// GenerationSeconds measures end-to-end generation latency, retrieval
	// included, for turns that reached the model.
	GenerationSeconds prometheus.Histogram

	// GenerationFailuresTotal counts failed generations by class.
	// Labels: reason (timeout, llm_error, parse_error)
	GenerationFailuresTotal *prometheus.CounterVec

	// ActiveSessions tracks live sessions with at least one connection.
	ActiveSessions prometheus.Gauge

	// ActiveConnections tracks open websocket connections.
	ActiveConnections prometheus.Gauge

	// KnowledgeEntries reports the entry count of the live index snapshot.
	KnowledgeEntries prometheus.Gauge

	// KnowledgeReloadsTotal counts index reload attempts by outcome.
	// Labels: status (ok, error)
	KnowledgeReloadsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance used by the running service.
// Initialized by InitMetrics().
var DefaultMetrics *ChatMetrics

// NewChatMetrics creates and registers all chatbot metrics on reg.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	factory := promauto.With(reg)
	return &ChatMetrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turns_total",
				Help:      "Total message turns by outcome",
			},
			[]string{"status"},
		),

		GenerationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "generation_seconds",
				Help:      "End-to-end generation latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		GenerationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "generation_failures_total",
				Help:      "Failed generations by failure class",
			},
			[]string{"reason"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_sessions",
				Help:      "Live sessions with at least one websocket connection",
			},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_connections",
				Help:      "Open websocket connections",
			},
		),

		KnowledgeEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "knowledge_entries",
				Help:      "Entries in the live knowledge index snapshot",
			},
		),

		KnowledgeReloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "knowledge_reloads_total",
				Help:      "Knowledge index reload attempts by outcome",
			},
			[]string{"status"},
		),
	}
}

// InitMetrics initializes DefaultMetrics on the default registry. Call once
// at application startup; a second call panics on duplicate registration.
func InitMetrics() *ChatMetrics {
	DefaultMetrics = NewChatMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// RecordTurn records a completed turn.
func (m *ChatMetrics) RecordTurn(status string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(status).Inc()
}

// RecordGeneration records a successful generation's latency.
func (m *ChatMetrics) RecordGeneration(seconds float64) {
	if m == nil {
		return
	}
	m.GenerationSeconds.Observe(seconds)
}

// RecordGenerationFailure records a failed generation by class.
func (m *ChatMetrics) RecordGenerationFailure(reason string) {
	if m == nil {
		return
	}
	m.GenerationFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordReload records a knowledge reload attempt and, on success, the new
// entry count.
func (m *ChatMetrics) RecordReload(entries int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.KnowledgeReloadsTotal.WithLabelValues(ReloadStatusError).Inc()
		return
	}
	m.KnowledgeReloadsTotal.WithLabelValues(ReloadStatusOK).Inc()
	m.KnowledgeEntries.Set(float64(entries))
}

// ConnectionOpened adjusts the connection gauge for a new websocket.
func (m *ChatMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed adjusts the connection gauge for a closed websocket.
func (m *ChatMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// SetActiveSessions reports the current live session count.
func (m *ChatMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
