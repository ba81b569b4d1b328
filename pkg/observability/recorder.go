// Copyright 2025 The Warden Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics is the recorder the manager, runtimes and journal report through.
type Metrics interface {
	RecordStart(ctx context.Context, module string, cold bool)
	RecordStop(ctx context.Context, module string)
	RecordEviction(ctx context.Context, module string)
	RecordCrash(ctx context.Context, module string)
	RecordStep(ctx context.Context, module string, duration time.Duration, slow bool)
	RecordStepPanic(ctx context.Context, module string)
	RecordAppend(ctx context.Context, conflict bool)
	RecordDLQ(ctx context.Context, subscription string, delta int)
}

type PrometheusMetrics struct {
	startsTotal     metric.Int64Counter
	agentsLive      metric.Int64UpDownCounter
	evictionsTotal  metric.Int64Counter
	crashesTotal    metric.Int64Counter
	stepDuration    metric.Float64Histogram
	slowStepsTotal  metric.Int64Counter
	stepPanicsTotal metric.Int64Counter
	appendsTotal    metric.Int64Counter
	conflictsTotal  metric.Int64Counter
	dlqDepth        metric.Int64UpDownCounter
}

func NewPrometheusMetrics(
	startsTotal metric.Int64Counter,
	agentsLive metric.Int64UpDownCounter,
	evictionsTotal metric.Int64Counter,
	crashesTotal metric.Int64Counter,
	stepDuration metric.Float64Histogram,
	slowStepsTotal metric.Int64Counter,
	stepPanicsTotal metric.Int64Counter,
	appendsTotal metric.Int64Counter,
	conflictsTotal metric.Int64Counter,
	dlqDepth metric.Int64UpDownCounter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		startsTotal:     startsTotal,
		agentsLive:      agentsLive,
		evictionsTotal:  evictionsTotal,
		crashesTotal:    crashesTotal,
		stepDuration:    stepDuration,
		slowStepsTotal:  slowStepsTotal,
		stepPanicsTotal: stepPanicsTotal,
		appendsTotal:    appendsTotal,
		conflictsTotal:  conflictsTotal,
		dlqDepth:        dlqDepth,
	}
}

func moduleAttrs(module string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("module", module)}
}

func (m *PrometheusMetrics) RecordStart(ctx context.Context, module string, cold bool) {
	if m == nil || m.startsTotal == nil {
		return
	}
	attrs := append(moduleAttrs(module), attribute.Bool("cold", cold))
	m.startsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.agentsLive != nil {
		m.agentsLive.Add(ctx, 1, metric.WithAttributes(moduleAttrs(module)...))
	}
}

func (m *PrometheusMetrics) RecordStop(ctx context.Context, module string) {
	if m == nil || m.agentsLive == nil {
		return
	}
	m.agentsLive.Add(ctx, -1, metric.WithAttributes(moduleAttrs(module)...))
}

func (m *PrometheusMetrics) RecordEviction(ctx context.Context, module string) {
	if m == nil || m.evictionsTotal == nil {
		return
	}
	m.evictionsTotal.Add(ctx, 1, metric.WithAttributes(moduleAttrs(module)...))
}

func (m *PrometheusMetrics) RecordCrash(ctx context.Context, module string) {
	if m == nil || m.crashesTotal == nil {
		return
	}
	m.crashesTotal.Add(ctx, 1, metric.WithAttributes(moduleAttrs(module)...))
}

func (m *PrometheusMetrics) RecordStep(ctx context.Context, module string, duration time.Duration, slow bool) {
	if m == nil || m.stepDuration == nil {
		return
	}
	attrs := moduleAttrs(module)
	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if slow && m.slowStepsTotal != nil {
		m.slowStepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordStepPanic(ctx context.Context, module string) {
	if m == nil || m.stepPanicsTotal == nil {
		return
	}
	m.stepPanicsTotal.Add(ctx, 1, metric.WithAttributes(moduleAttrs(module)...))
}

func (m *PrometheusMetrics) RecordAppend(ctx context.Context, conflict bool) {
	if m == nil || m.appendsTotal == nil {
		return
	}
	m.appendsTotal.Add(ctx, 1)
	if conflict && m.conflictsTotal != nil {
		m.conflictsTotal.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordDLQ(ctx context.Context, subscription string, delta int) {
	if m == nil || m.dlqDepth == nil {
		return
	}
	m.dlqDepth.Add(ctx, int64(delta), metric.WithAttributes(
		attribute.String("subscription", subscription),
	))
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
