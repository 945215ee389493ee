// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package producer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metricsRecorder struct {
	recordsProduced metric.Int64Counter
	produceFailures metric.Int64Counter
}

func newMetricsRecorder() (*metricsRecorder, error) {
	m := meter()

	recordsProduced, err := m.Int64Counter(
		"krimson.producer.records.produced",
		metric.WithDescription("Total number of records successfully produced"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	produceFailures, err := m.Int64Counter(
		"krimson.producer.produce.failures",
		metric.WithDescription("Total number of produce delivery failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsRecorder{
		recordsProduced: recordsProduced,
		produceFailures: produceFailures,
	}, nil
}

func (m *metricsRecorder) recordSuccess(ctx context.Context, topic string) {
	m.recordsProduced.Add(ctx, 1, metric.WithAttributes(
		attribute.String("messaging.destination.name", topic),
	))
}

func (m *metricsRecorder) recordFailure(ctx context.Context, topic string) {
	m.produceFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("messaging.destination.name", topic),
	))
}
