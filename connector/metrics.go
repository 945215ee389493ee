// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package connector

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metricsRecorder struct {
	recordsProduced metric.Int64Counter
	recordsSkipped  metric.Int64Counter
	tickFailures    metric.Int64Counter
}

func newMetricsRecorder() (*metricsRecorder, error) {
	m := meter()

	produced, err := m.Int64Counter(
		"krimson.connector.records.produced",
		metric.WithDescription("Number of connector records produced to a destination topic"),
	)
	if err != nil {
		return nil, fmt.Errorf("connector: failed to create records produced counter: %w", err)
	}

	skipped, err := m.Int64Counter(
		"krimson.connector.records.skipped",
		metric.WithDescription("Number of connector records skipped by the dedup check"),
	)
	if err != nil {
		return nil, fmt.Errorf("connector: failed to create records skipped counter: %w", err)
	}

	failures, err := m.Int64Counter(
		"krimson.connector.tick.failures",
		metric.WithDescription("Number of connector ticks that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("connector: failed to create tick failures counter: %w", err)
	}

	return &metricsRecorder{recordsProduced: produced, recordsSkipped: skipped, tickFailures: failures}, nil
}

func (m *metricsRecorder) recordProduced(ctx context.Context, topic string) {
	m.recordsProduced.Add(ctx, 1, metric.WithAttributes(attribute.String("messaging.destination.name", topic)))
}

func (m *metricsRecorder) recordSkipped(ctx context.Context, topic string) {
	m.recordsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("messaging.destination.name", topic)))
}

func (m *metricsRecorder) recordTickFailure(ctx context.Context) {
	m.tickFailures.Add(ctx, 1)
}
