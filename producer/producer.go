// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package producer implements the async-produce-with-delivery-callback
// contract over a [github.com/krimson-go/krimson/brokerclient.Producer],
// adding a default output topic, in-flight tracking, and flush/close
// discipline.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/krimson-go/krimson/brokerclient"
	"github.com/krimson-go/krimson/record"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrConfiguration is returned by Produce when a request carries no topic
// and no default topic was configured.
var ErrConfiguration = errors.New("producer: request has no topic and no default topic is configured")

// ErrClosed is returned once the producer has been closed.
var ErrClosed = errors.New("producer: producer is closed")

type options struct {
	defaultTopic string
}

// Option configures a [Producer].
type Option func(*options)

// DefaultTopic sets the topic used for requests that leave Topic empty.
func DefaultTopic(topic string) Option {
	return func(o *options) { o.defaultTopic = topic }
}

// Producer wraps a [brokerclient.Producer] with async delivery tracking,
// a default topic, and graceful flush-then-close shutdown.
type Producer struct {
	log          *slog.Logger
	tracer       trace.Tracer
	client       brokerclient.Producer
	defaultTopic string
	metrics      *metricsRecorder

	inFlight sync.WaitGroup
	closed   atomic.Bool
}

// New wraps client with Krimson's produce semantics.
func New(client brokerclient.Producer, opts ...Option) (*Producer, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	metrics, err := newMetricsRecorder()
	if err != nil {
		return nil, fmt.Errorf("producer: failed to initialize metrics: %w", err)
	}

	return &Producer{
		log:          logger(),
		tracer:       tracer(),
		client:       client,
		defaultTopic: cfg.defaultTopic,
		metrics:      metrics,
	}, nil
}

// Produce enqueues req and returns immediately; cb is invoked exactly
// once with the delivery outcome. Ordering of callbacks within the same
// topic and key is preserved by the underlying client.
func (p *Producer) Produce(ctx context.Context, req record.ProducerRequest, cb func(record.ProducerResult)) error {
	if p.closed.Load() {
		return ErrClosed
	}

	if req.Topic == "" {
		if p.defaultTopic == "" {
			return ErrConfiguration
		}
		req.Topic = p.defaultTopic
	}

	spanCtx, span := p.tracer.Start(ctx, "produce "+req.Topic, trace.WithSpanKind(trace.SpanKindProducer))

	p.inFlight.Add(1)
	err := p.client.Produce(spanCtx, req, func(result record.ProducerResult) {
		defer p.inFlight.Done()
		defer span.End()

		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
			p.metrics.recordFailure(ctx, req.Topic)
		} else {
			p.metrics.recordSuccess(ctx, req.Topic)
		}

		cb(result)
	})
	if err != nil {
		span.End()
		p.inFlight.Done()
		return err
	}

	return nil
}

// DefaultTopic returns the topic configured via [DefaultTopic], or the
// empty string if none was set.
func (p *Producer) DefaultTopic() string {
	return p.defaultTopic
}

// ProduceSync is the synchronous variant of Produce: it blocks until the
// delivery callback fires or ctx is done.
func (p *Producer) ProduceSync(ctx context.Context, req record.ProducerRequest) (record.ProducerResult, error) {
	resultCh := make(chan record.ProducerResult, 1)

	err := p.Produce(ctx, req, func(r record.ProducerResult) {
		resultCh <- r
	})
	if err != nil {
		return record.ProducerResult{}, err
	}

	select {
	case <-ctx.Done():
		return record.ProducerResult{}, ctx.Err()
	case r := <-resultCh:
		return r, nil
	}
}

// Flush blocks until every in-flight Produce call's callback has run.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes then closes the underlying client. It is safe to call
// more than once; only the first call has any effect.
func (p *Producer) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := p.client.Flush(ctx); err != nil {
		p.log.ErrorContext(ctx, "failed to flush producer before close", slog.Any("error", err))
	}
	p.inFlight.Wait()

	return p.client.Close()
}
