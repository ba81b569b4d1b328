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
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the Prometheus-backed recorder. With metrics disabled
// it returns an empty recorder whose methods are all no-ops.
func InitMetrics(_ context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("warden")

	startsTotal, err := meter.Int64Counter(
		"warden_agent_starts_total",
		metric.WithDescription("Total agent starts, labeled cold or warm"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create starts counter: %w", err)
	}

	agentsLive, err := meter.Int64UpDownCounter(
		"warden_agents_live",
		metric.WithDescription("Agents currently registered and running"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create live agents gauge: %w", err)
	}

	evictionsTotal, err := meter.Int64Counter(
		"warden_agent_evictions_total",
		metric.WithDescription("Agents hibernated after their idle deadline"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}

	crashesTotal, err := meter.Int64Counter(
		"warden_agent_crashes_total",
		metric.WithDescription("Agents that died without a requested stop"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create crashes counter: %w", err)
	}

	stepDuration, err := meter.Float64Histogram(
		"warden_step_duration_seconds",
		metric.WithDescription("Agent step duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}

	slowStepsTotal, err := meter.Int64Counter(
		"warden_slow_steps_total",
		metric.WithDescription("Steps that exceeded the slow step threshold"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create slow steps counter: %w", err)
	}

	stepPanicsTotal, err := meter.Int64Counter(
		"warden_step_panics_total",
		metric.WithDescription("Panics recovered from agent steps"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step panics counter: %w", err)
	}

	appendsTotal, err := meter.Int64Counter(
		"warden_journal_appends_total",
		metric.WithDescription("Thread journal append operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal appends counter: %w", err)
	}

	conflictsTotal, err := meter.Int64Counter(
		"warden_journal_conflicts_total",
		metric.WithDescription("Thread journal appends rejected on revision conflict"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal conflicts counter: %w", err)
	}

	dlqDepth, err := meter.Int64UpDownCounter(
		"warden_dlq_depth",
		metric.WithDescription("Messages currently parked in dead letter queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dlq depth gauge: %w", err)
	}

	return NewPrometheusMetrics(
		startsTotal,
		agentsLive,
		evictionsTotal,
		crashesTotal,
		stepDuration,
		slowStepsTotal,
		stepPanicsTotal,
		appendsTotal,
		conflictsTotal,
		dlqDepth,
	), nil
}
