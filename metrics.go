// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// Metrics holds the Prometheus instruments for scope lifecycle, cancellation
// causes, and bridge health. Construct once per registerer and share via
// WithMetrics, Bridge.SetMetrics, and SetSignalMetrics; metrics are
// entirely opt-in and nothing is registered unless NewMetrics is called.
type Metrics struct {
	ScopesStarted        prometheus.Counter
	ScopesFinished       *prometheus.CounterVec
	ActiveScopes         prometheus.Gauge
	ScopeDurationSeconds prometheus.Histogram
	CancelTotal          *prometheus.CounterVec
	SignalDispatchTotal  *prometheus.CounterVec
	BridgeDroppedTotal   prometheus.Counter
	ProgressReportsTotal prometheus.Counter
}

// NewMetrics creates and registers the instrument set on reg. A nil reg uses
// the default registerer. Namespace defaults to "cancelable".
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "cancelable"
	}
	factory := promauto.With(reg)

	return &Metrics{
		ScopesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scope",
			Name:      "started_total",
			Help:      "Total scopes entered.",
		}),
		ScopesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scope",
			Name:      "finished_total",
			Help:      "Total scopes finished, by terminal status.",
		}, []string{"status"}),
		ActiveScopes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scope",
			Name:      "active",
			Help:      "Scopes currently running.",
		}),
		ScopeDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scope",
			Name:      "duration_seconds",
			Help:      "Scope wall time from entry to settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		CancelTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cancel",
			Name:      "total",
			Help:      "Total cancellations, by reason.",
		}, []string{"reason"}),
		SignalDispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "dispatch_total",
			Help:      "OS signals dispatched to cancellation sources.",
		}, []string{"signal"}),
		BridgeDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "dropped_total",
			Help:      "Bridge submissions dropped due to a full queue.",
		}),
		ProgressReportsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scope",
			Name:      "progress_reports_total",
			Help:      "Progress reports published by running scopes.",
		}),
	}
}
