// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package connector implements a periodic, dedup-aware bridge from an
// external data origin into Kafka: parse a batch of records, skip
// anything already reflected by the destination topic's tail, produce
// the rest, and track a per-topic checkpoint derived solely from what
// was produced. There is no persisted state beyond the output topics
// themselves.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/krimson-go/krimson/producer"
	"github.com/krimson-go/krimson/reader"
	"github.com/krimson-go/krimson/record"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrConfiguration is returned when a parsed record has no destination
// topic and the connector's producer has no default topic either.
var ErrConfiguration = errors.New("connector: record has no destination topic and no default topic is configured")

// ParseRecordsFunc fetches and converts the next batch of upstream
// records. tctx carries whatever per-tick context the embedding
// application needs (a request ID, a cursor, ...).
type ParseRecordsFunc[TContext any] func(ctx context.Context, tctx TContext) ([]*SourceRecord, error)

// OnSuccessFunc is invoked after a tick completes without error, with
// every record parsed this tick (Skipped or Acked; Naked records cause
// the tick to fail before OnSuccess runs).
type OnSuccessFunc[TContext any] func(ctx context.Context, tctx TContext, processed []*SourceRecord)

// OnErrorFunc is invoked when a tick fails, in place of OnSuccessFunc.
type OnErrorFunc[TContext any] func(ctx context.Context, tctx TContext, err error)

// ProducerFactory lazily resolves the producer a connector produces
// through. It is called at most once, on the first tick.
type ProducerFactory func() (*producer.Producer, error)

type options[TContext any] struct {
	name        string
	synchronous bool
	backOff     time.Duration
	onSuccess   OnSuccessFunc[TContext]
	onError     OnErrorFunc[TContext]
}

// Option configures a [DataSourceConnector].
type Option[TContext any] func(*options[TContext])

// Name sets the connector's identity, defaulted to the connector's Go
// type name (as printed by %T) if left unset, and reported as
// SourceRecord.Source for records that don't set their own.
func Name[TContext any](name string) Option[TContext] {
	return func(o *options[TContext]) { o.name = name }
}

// Synchronous controls whether each record's produce is awaited inline
// (true) or batched behind a single Flush before the tick waits for
// every record's completion (false, the default).
func Synchronous[TContext any](synchronous bool) Option[TContext] {
	return func(o *options[TContext]) { o.synchronous = synchronous }
}

// BackOff sets the delay applied before the next tick after a failed
// one. Defaults to 30s.
func BackOff[TContext any](d time.Duration) Option[TContext] {
	return func(o *options[TContext]) { o.backOff = d }
}

// WithOnSuccess registers a tick-success handler.
func WithOnSuccess[TContext any](f OnSuccessFunc[TContext]) Option[TContext] {
	return func(o *options[TContext]) { o.onSuccess = f }
}

// WithOnError registers a tick-failure handler.
func WithOnError[TContext any](f OnErrorFunc[TContext]) Option[TContext] {
	return func(o *options[TContext]) { o.onError = f }
}

// DataSourceConnector periodically pulls a batch of records from an
// external origin and produces the unseen ones to Kafka. TContext
// carries whatever per-tick application state ParseRecords needs.
type DataSourceConnector[TContext any] struct {
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metricsRecorder
	opts    *options[TContext]

	parseRecords ParseRecordsFunc[TContext]
	newProducer  ProducerFactory
	reader       *reader.Reader

	initErr     error
	initialized atomic.Bool
	prod        *producer.Producer
	checkpoints *checkpointManager

	ticking atomic.Bool
}

// New builds a connector. parseRecords supplies each tick's batch;
// newProducer lazily resolves the producer records are written through;
// rdr is used to rehydrate per-topic checkpoints from the destination
// topics' tails.
func New[TContext any](newProducer ProducerFactory, rdr *reader.Reader, parseRecords ParseRecordsFunc[TContext], opts ...Option[TContext]) (*DataSourceConnector[TContext], error) {
	cfg := &options[TContext]{backOff: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.name == "" {
		cfg.name = fmt.Sprintf("%T", (*DataSourceConnector[TContext])(nil))
	}

	metrics, err := newMetricsRecorder()
	if err != nil {
		return nil, fmt.Errorf("connector: failed to initialize metrics: %w", err)
	}

	return &DataSourceConnector[TContext]{
		log:          logger(),
		tracer:       tracer(),
		metrics:      metrics,
		opts:         cfg,
		parseRecords: parseRecords,
		newProducer:  newProducer,
		reader:       rdr,
	}, nil
}

// Process runs exactly one tick unless another tick is already running,
// in which case this invocation is coalesced (a no-op). A scheduler
// calling Process on a fixed cadence gets "no overlapping ticks, skip
// rather than queue" for free.
func (c *DataSourceConnector[TContext]) Process(ctx context.Context, tctx TContext) error {
	if !c.ticking.CompareAndSwap(false, true) {
		return nil
	}
	defer c.ticking.Store(false)

	ctx, span := c.tracer.Start(ctx, "connector tick")
	defer span.End()

	err := c.tick(ctx, tctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.recordTickFailure(ctx)
		c.reportError(ctx, tctx, err)
	}
	return err
}

// Run invokes Process on every tick of interval until ctx is done,
// applying the configured back-off after any failed tick.
func (c *DataSourceConnector[TContext]) Run(ctx context.Context, tctx TContext, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Process(ctx, tctx); err != nil {
				select {
				case <-time.After(c.opts.backOff):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (c *DataSourceConnector[TContext]) tick(ctx context.Context, tctx TContext) error {
	if err := c.initialize(); err != nil {
		return err
	}

	records, err := c.parseRecords(ctx, tctx)
	if err != nil {
		return fmt.Errorf("connector: ParseRecords failed: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EventTime.Before(records[j].EventTime)
	})

	for i, rec := range records {
		c.processRecord(ctx, rec, i)
	}

	if !c.opts.synchronous {
		if err := c.prod.Flush(ctx); err != nil {
			return fmt.Errorf("connector: flush failed: %w", err)
		}
	}

	for _, rec := range records {
		if err := rec.EnsureProcessed(ctx); err != nil {
			return fmt.Errorf("connector: record did not complete: %w", err)
		}
	}

	skipped, byTopic := bucketByOutcome(records)
	for topic, group := range byTopic {
		last := latestByEventTime(group)
		c.checkpoints.Track(topic, checkpoint{recordID: last.RecordID(), eventTime: last.EventTime})
	}

	c.log.InfoContext(ctx, "connector tick complete",
		slog.Int("skipped", len(skipped)),
		slog.Int("produced", len(records)-len(skipped)),
		slog.Int("destination_topics", len(byTopic)))

	if c.opts.onSuccess != nil {
		c.safeOnSuccess(ctx, tctx, records)
	}
	return nil
}

func (c *DataSourceConnector[TContext]) initialize() error {
	if c.initialized.Load() {
		return c.initErr
	}
	if !c.initialized.CompareAndSwap(false, true) {
		return c.initErr
	}

	prod, err := c.newProducer()
	if err != nil {
		c.initErr = fmt.Errorf("connector: failed to resolve producer: %w", err)
		return c.initErr
	}

	c.prod = prod
	c.checkpoints = newCheckpointManager(c.reader, c.opts.name)
	return nil
}

func (c *DataSourceConnector[TContext]) processRecord(ctx context.Context, rec *SourceRecord, index int) {
	if rec.Source == "" {
		rec.Source = c.opts.name
	}
	if rec.DestinationTopic == "" {
		rec.DestinationTopic = c.prod.DefaultTopic()
	}
	if rec.DestinationTopic == "" {
		rec.Nak(ErrConfiguration)
		return
	}

	cp, err := c.checkpoints.Get(ctx, rec.DestinationTopic)
	if err != nil {
		rec.Nak(err)
		return
	}

	if !rec.EventTime.After(cp.eventTime) {
		rec.skip()
		c.metrics.recordSkipped(ctx, rec.DestinationTopic)
		return
	}

	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}

	headers := make([]record.Header, len(rec.Headers), len(rec.Headers)+1)
	copy(headers, rec.Headers)
	headers = append(headers, record.Header{Name: record.HeaderSource, Value: []byte(rec.Source)})

	req := record.ProducerRequest{
		Topic:     rec.DestinationTopic,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		EventTime: rec.EventTime,
		RequestID: rec.RequestID,
	}

	cb := func(result record.ProducerResult) {
		if result.Success {
			rec.Ack(result.RecordID)
			c.metrics.recordProduced(ctx, rec.DestinationTopic)
			return
		}
		rec.Nak(result.Err)
	}

	if c.opts.synchronous {
		result, err := c.prod.ProduceSync(ctx, req)
		if err != nil {
			rec.Nak(err)
			return
		}
		cb(result)
		return
	}

	if err := c.prod.Produce(ctx, req, cb); err != nil {
		rec.Nak(err)
	}
}

func bucketByOutcome(records []*SourceRecord) (skipped []*SourceRecord, byTopic map[string][]*SourceRecord) {
	byTopic = make(map[string][]*SourceRecord)
	for _, rec := range records {
		switch rec.State() {
		case StateSkipped:
			skipped = append(skipped, rec)
		case StateAcked:
			byTopic[rec.DestinationTopic] = append(byTopic[rec.DestinationTopic], rec)
		}
	}
	return skipped, byTopic
}

func latestByEventTime(records []*SourceRecord) *SourceRecord {
	latest := records[0]
	for _, rec := range records[1:] {
		if rec.EventTime.After(latest.EventTime) {
			latest = rec
		}
	}
	return latest
}

func (c *DataSourceConnector[TContext]) reportError(ctx context.Context, tctx TContext, err error) {
	c.log.ErrorContext(ctx, "connector tick failed", slog.Any("error", err))
	if c.opts.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(ctx, "connector OnError handler panicked", slog.Any("panic", r))
		}
	}()
	c.opts.onError(ctx, tctx, err)
}

func (c *DataSourceConnector[TContext]) safeOnSuccess(ctx context.Context, tctx TContext, records []*SourceRecord) {
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(ctx, "connector OnSuccess handler panicked", slog.Any("panic", r))
		}
	}()
	c.opts.onSuccess(ctx, tctx, records)
}
