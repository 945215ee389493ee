// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kgoclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/krimson-go/krimson/brokerclient"
	"github.com/krimson-go/krimson/record"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kslog"
	"go.opentelemetry.io/otel"
)

// Producer adapts a franz-go [kgo.Client] to [brokerclient.Producer].
type Producer struct {
	log     *slog.Logger
	brokers []string
	opts    *options

	mu     sync.Mutex
	client *kgo.Client
}

// NewProducer constructs and starts a Producer against brokers.
func NewProducer(brokers []string, opts ...Option) (*Producer, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	log := logger()

	clientOpts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.WithLogger(logAdapter{inner: kslog.New(log), cb: cfg.log}),
		kgo.WithHooks(
			kotel.NewTracer(
				kotel.TracerProvider(otel.GetTracerProvider()),
				kotel.TracerPropagator(otel.GetTextMapPropagator()),
				kotel.LinkSpans(),
			),
			kotel.NewMeter(
				kotel.MeterProvider(otel.GetMeterProvider()),
				kotel.WithMergedConnectsMeter(),
			),
		),
	}
	if cfg.tlsConfig != nil {
		clientOpts = append(clientOpts, kgo.DialTLSConfig(cfg.tlsConfig))
	}
	clientOpts = append(clientOpts, cfg.extra...)

	client, err := kgo.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("kgoclient: failed to create client: %w", err)
	}

	return &Producer{
		log:     log,
		brokers: brokers,
		opts:    cfg,
		client:  client,
	}, nil
}

// Produce implements [brokerclient.Producer].
func (p *Producer) Produce(ctx context.Context, req record.ProducerRequest, cb func(record.ProducerResult)) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil {
		return fmt.Errorf("kgoclient: producer closed")
	}

	headers := make([]kgo.RecordHeader, len(req.Headers), len(req.Headers)+1)
	for i, h := range req.Headers {
		headers[i] = kgo.RecordHeader{Key: h.Name, Value: h.Value}
	}
	if !req.EventTime.IsZero() {
		headers = append(headers, kgo.RecordHeader{Key: record.HeaderEventTime, Value: record.EncodeEventTime(req.EventTime)})
	}

	value, ok := req.Value.([]byte)
	if !ok {
		return fmt.Errorf("kgoclient: produce request value must be []byte, got %T", req.Value)
	}

	r := &kgo.Record{
		Topic:     req.Topic,
		Key:       req.Key,
		Value:     value,
		Headers:   headers,
		Timestamp: req.EventTime,
	}

	client.Produce(ctx, r, func(rr *kgo.Record, err error) {
		result := record.ProducerResult{
			Success: err == nil,
			Err:     err,
		}
		if err == nil {
			result.RecordID = req.RequestID
		} else {
			p.log.ErrorContext(ctx, "failed to produce record", topicAttr(req.Topic), slog.Any("error", err))
		}
		cb(result)
	})
	return nil
}

// Flush implements [brokerclient.Producer].
func (p *Producer) Flush(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil {
		return fmt.Errorf("kgoclient: producer closed")
	}
	return client.Flush(ctx)
}

// Close implements [brokerclient.Producer].
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	p.client.Close()
	p.client = nil
	return nil
}
