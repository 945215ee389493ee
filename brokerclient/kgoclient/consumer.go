// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kgoclient

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/krimson-go/krimson/brokerclient"
	"github.com/krimson-go/krimson/record"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kslog"
	"go.opentelemetry.io/otel"
)

// GroupID sets the consumer group ID used by [Consumer.Subscribe]. It has
// no effect on a consumer only ever used with [Consumer.Assign].
func GroupID(id string) Option {
	return func(o *options) { o.groupID = id }
}

// Consumer adapts a franz-go [kgo.Client] to [brokerclient.Consumer].
// A Consumer is started by exactly one of [Consumer.Subscribe] or
// [Consumer.Assign], never both, and is not safe to restart once closed.
type Consumer struct {
	log     *slog.Logger
	brokers []string
	opts    *options

	mu       sync.Mutex
	client   *kgo.Client
	admin    *kadm.Client
	buffered []*kgo.Record
}

// NewConsumer constructs a Consumer for brokers. Call [Consumer.Subscribe]
// or [Consumer.Assign] before polling.
func NewConsumer(brokers []string, opts ...Option) *Consumer {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	return &Consumer{
		log:     logger(),
		brokers: brokers,
		opts:    cfg,
	}
}

func (c *Consumer) baseClientOpts(tracerOpts ...kotel.TracerOpt) []kgo.Opt {
	base := []kgo.Opt{
		kgo.SeedBrokers(c.brokers...),
		kgo.WithLogger(logAdapter{inner: kslog.New(c.log), cb: c.opts.log}),
		kgo.WithHooks(
			kotel.NewTracer(append([]kotel.TracerOpt{
				kotel.TracerProvider(otel.GetTracerProvider()),
				kotel.TracerPropagator(otel.GetTextMapPropagator()),
				kotel.LinkSpans(),
			}, tracerOpts...)...),
			kotel.NewMeter(
				kotel.MeterProvider(otel.GetMeterProvider()),
				kotel.WithMergedConnectsMeter(),
			),
		),
		kgo.SessionTimeout(c.opts.sessionTimeout),
		kgo.RebalanceTimeout(c.opts.rebalanceTimeout),
		kgo.FetchMaxBytes(c.opts.fetchMaxBytes),
		kgo.MaxConcurrentFetches(c.opts.maxConcurrentFetches),
		kgo.DisableAutoCommit(),
	}

	if c.opts.tlsConfig != nil {
		base = append(base, kgo.DialTLSConfig(c.opts.tlsConfig))
	}

	return append(base, c.opts.extra...)
}

// Subscribe implements [brokerclient.Consumer].
func (c *Consumer) Subscribe(ctx context.Context, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return fmt.Errorf("kgoclient: consumer already started")
	}

	opts := append(c.baseClientOpts(kotel.ConsumerGroup(c.opts.groupID)),
		kgo.ConsumerGroup(c.opts.groupID),
		kgo.ConsumeTopics(topics...),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.OnPartitionsAssigned(c.onPartitionsAssigned),
		kgo.OnPartitionsRevoked(c.onPartitionsRevoked),
		kgo.OnPartitionsLost(c.onPartitionsLost),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kgoclient: failed to create client: %w", err)
	}

	c.client = client
	c.admin = kadm.NewClient(client)
	return nil
}

// Assign implements [brokerclient.Consumer].
func (c *Consumer) Assign(ctx context.Context, assignments []brokerclient.PartitionOffset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return fmt.Errorf("kgoclient: consumer already started")
	}

	partitions := make(map[string]map[int32]kgo.Offset, len(assignments))
	for _, a := range assignments {
		if partitions[a.Topic] == nil {
			partitions[a.Topic] = make(map[int32]kgo.Offset)
		}
		partitions[a.Topic][a.Partition] = kgoOffset(a.Offset)
	}

	opts := append(c.baseClientOpts(), kgo.ConsumePartitions(partitions))

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kgoclient: failed to create client: %w", err)
	}

	c.client = client
	c.admin = kadm.NewClient(client)
	return nil
}

func kgoOffset(o int64) kgo.Offset {
	switch o {
	case brokerclient.OffsetBeginning:
		return kgo.NewOffset().AtStart()
	case brokerclient.OffsetEnd:
		return kgo.NewOffset().AtEnd()
	default:
		return kgo.NewOffset().At(o)
	}
}

// Poll implements [brokerclient.Consumer].
func (c *Consumer) Poll(ctx context.Context) (brokerclient.PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return brokerclient.PollResult{}, fmt.Errorf("kgoclient: consumer not started")
	}

	if len(c.buffered) > 0 {
		return c.popBuffered(), nil
	}

	fetches := c.client.PollFetches(ctx)

	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		c.log.ErrorContext(ctx, "fetch error", topicAttr(topic), partitionAttr(partition), slog.Any("error", err))
		if fetchErr == nil {
			fetchErr = fmt.Errorf("kgoclient: fetch error for %s[%d]: %w", topic, partition, err)
		}
	})
	if fetchErr != nil {
		return brokerclient.PollResult{}, fetchErr
	}

	fetches.EachRecord(func(r *kgo.Record) {
		c.buffered = append(c.buffered, r)
	})

	if len(c.buffered) == 0 {
		return brokerclient.PollResult{}, ctx.Err()
	}

	return c.popBuffered(), nil
}

func (c *Consumer) popBuffered() brokerclient.PollResult {
	r := c.buffered[0]
	c.buffered = c.buffered[1:]
	return brokerclient.PollResult{Record: toRecord(r)}
}

func toRecord(r *kgo.Record) *record.Record {
	headers := make([]record.Header, len(r.Headers))
	for i, h := range r.Headers {
		headers[i] = record.Header{Name: h.Key, Value: h.Value}
	}

	rec := &record.Record{
		Position: record.Position{
			Topic:         r.Topic,
			Partition:     r.Partition,
			Offset:        r.Offset,
			LogAppendTime: r.Timestamp,
		},
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		EventTime: r.Timestamp,
	}

	// A topic configured with broker-side LogAppendTime semantics
	// overwrites r.Timestamp at append time, so the producer-supplied
	// event time survives only in this header.
	if raw, ok := rec.Header(record.HeaderEventTime); ok {
		if eventTime, ok := record.DecodeEventTime(raw); ok {
			rec.EventTime = eventTime
		}
	}

	return rec
}

// Commit implements [brokerclient.Consumer].
func (c *Consumer) Commit(ctx context.Context, positions []record.Position) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return fmt.Errorf("kgoclient: consumer not started")
	}

	recs := make([]*kgo.Record, len(positions))
	for i, p := range positions {
		recs[i] = &kgo.Record{Topic: p.Topic, Partition: p.Partition, Offset: p.Offset}
	}
	return client.CommitRecords(ctx, recs...)
}

// CommitAll implements [brokerclient.Consumer].
func (c *Consumer) CommitAll(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return fmt.Errorf("kgoclient: consumer not started")
	}
	return client.CommitUncommittedOffsets(ctx)
}

// Partitions implements [brokerclient.Consumer].
func (c *Consumer) Partitions(ctx context.Context, topic string) ([]int32, error) {
	c.mu.Lock()
	admin := c.admin
	c.mu.Unlock()

	if admin == nil {
		return nil, fmt.Errorf("kgoclient: consumer not started")
	}

	details, err := admin.ListTopics(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("kgoclient: failed to list topic %q: %w", topic, err)
	}

	td, ok := details[topic]
	if !ok {
		return nil, fmt.Errorf("kgoclient: topic %q not found", topic)
	}
	if td.Err != nil {
		return nil, fmt.Errorf("kgoclient: topic %q: %w", topic, td.Err)
	}

	partitions := make([]int32, 0, len(td.Partitions))
	for p := range td.Partitions {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return partitions, nil
}

// WatermarkOffsets implements [brokerclient.Consumer].
func (c *Consumer) WatermarkOffsets(ctx context.Context, topic string, partition int32) (low, high int64, err error) {
	c.mu.Lock()
	admin := c.admin
	c.mu.Unlock()

	if admin == nil {
		return 0, 0, fmt.Errorf("kgoclient: consumer not started")
	}

	starts, err := admin.ListStartOffsets(ctx, topic)
	if err != nil {
		return 0, 0, fmt.Errorf("kgoclient: failed to list start offsets for %q: %w", topic, err)
	}
	ends, err := admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, 0, fmt.Errorf("kgoclient: failed to list end offsets for %q: %w", topic, err)
	}

	start, ok := starts.Lookup(topic, partition)
	if !ok {
		return 0, 0, fmt.Errorf("kgoclient: no start offset for %s[%d]", topic, partition)
	}
	if start.Err != nil {
		return 0, 0, fmt.Errorf("kgoclient: start offset for %s[%d]: %w", topic, partition, start.Err)
	}

	end, ok := ends.Lookup(topic, partition)
	if !ok {
		return 0, 0, fmt.Errorf("kgoclient: no end offset for %s[%d]", topic, partition)
	}
	if end.Err != nil {
		return 0, 0, fmt.Errorf("kgoclient: end offset for %s[%d]: %w", topic, partition, end.Err)
	}

	return start.Offset, end.Offset, nil
}

// Close implements [brokerclient.Consumer].
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	c.client.Close()
	c.client = nil
	c.admin = nil
	return nil
}

func (c *Consumer) onPartitionsAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	if c.opts.rebalance.OnPartitionsAssigned == nil {
		return
	}
	c.opts.rebalance.OnPartitionsAssigned(ctx, toTopicPartitions(assigned))
}

func (c *Consumer) onPartitionsRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	if c.opts.rebalance.OnPartitionsRevoked == nil {
		return
	}
	c.opts.rebalance.OnPartitionsRevoked(ctx, toTopicPartitions(revoked))
}

func (c *Consumer) onPartitionsLost(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
	if c.opts.rebalance.OnPartitionsLost == nil {
		return
	}
	c.opts.rebalance.OnPartitionsLost(ctx, toTopicPartitions(lost))
}

func toTopicPartitions(m map[string][]int32) []record.TopicPartition {
	var tps []record.TopicPartition
	for topic, partitions := range m {
		for _, p := range partitions {
			tps = append(tps, record.TopicPartition{Topic: topic, Partition: p})
		}
	}
	return tps
}

// logAdapter forwards franz-go's internal log lines through kslog to
// slog, and additionally surfaces them to the configured
// [brokerclient.LogCallbacks] so the consumer package can turn them into
// ConsumerLog/ConsumerError interceptor events.
type logAdapter struct {
	inner kgo.Logger
	cb    brokerclient.LogCallbacks
}

func (a logAdapter) Level() kgo.LogLevel { return a.inner.Level() }

func (a logAdapter) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	a.inner.Log(level, msg, keyvals...)

	if level == kgo.LogLevelError && a.cb.OnError != nil {
		a.cb.OnError(fmt.Errorf("%s", msg))
		return
	}
	if a.cb.OnLog != nil {
		a.cb.OnLog(msg)
	}
}
