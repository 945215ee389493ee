// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package consumer exposes a [brokerclient.Consumer] as a lazy,
// cancellable sequence of records, decoupling the poll worker from the
// sequence consumer through a bounded single-slot handoff so the
// caller's consumption rate throttles polling.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/krimson-go/krimson/brokerclient"
	"github.com/krimson-go/krimson/interceptor"
	"github.com/krimson-go/krimson/record"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrAlreadyStopped is returned by a second call to [Consumer.Stop].
var ErrAlreadyStopped = errors.New("consumer: already stopped")

// OnPartitionEnd is invoked when a poll finds no record and the
// partition's current position has reached its end position.
type OnPartitionEnd func(ctx context.Context, position record.Position)

type options struct {
	onPartitionEnd OnPartitionEnd
	interceptors   *interceptor.Chain
	processorName  string
}

// Option configures a [Consumer].
type Option func(*options)

// OnPartitionEndFunc registers f as the partition-end hook.
func OnPartitionEndFunc(f OnPartitionEnd) Option {
	return func(o *options) { o.onPartitionEnd = f }
}

// Interceptors sets the lifecycle event chain records and commits are
// reported through. Without it, events are silently dropped.
func Interceptors(chain *interceptor.Chain, processorName string) Option {
	return func(o *options) {
		o.interceptors = chain
		o.processorName = processorName
	}
}

// Consumer adapts a [brokerclient.Consumer] into Krimson's record
// stream, position-tracking and rebalance-aware commit model.
type Consumer struct {
	client brokerclient.Consumer
	tracer trace.Tracer
	opts   *options

	mu       sync.Mutex
	trackers map[record.TopicPartition]*partitionTracker
	stopped  atomic.Bool
}

// New wraps client. Call [Consumer.Records] to begin consuming.
func New(client brokerclient.Consumer, opts ...Option) *Consumer {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Consumer{
		client:   client,
		tracer:   tracer(),
		opts:     cfg,
		trackers: make(map[record.TopicPartition]*partitionTracker),
	}
}

// Records returns a lazy sequence of records polled from client. The
// sequence ends when ctx is done or the underlying client returns an
// error, which is then yielded as the sequence's final value.
func (c *Consumer) Records(ctx context.Context) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		recordCh := make(chan record.Record)
		errCh := make(chan error, 1)
		done := make(chan struct{})

		pollCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		go c.pollLoop(pollCtx, recordCh, errCh, done)

		for {
			select {
			case r := <-recordCh:
				c.trackerFor(record.TopicPartition{Topic: r.Position.Topic, Partition: r.Position.Partition})
				if !yield(r, nil) {
					return
				}
			case err := <-errCh:
				yield(record.Record{}, err)
				return
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) pollLoop(ctx context.Context, recordCh chan<- record.Record, errCh chan<- error, done chan<- struct{}) {
	defer close(done)

	for {
		result, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.emit(interceptor.Event{Kind: interceptor.ConsumerError, Err: err})
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}

		if result.Record != nil {
			c.emit(interceptor.Event{Kind: interceptor.InputConsumed, Record: result.Record})
			select {
			case recordCh <- *result.Record:
			case <-ctx.Done():
				return
			}
			continue
		}

		if result.EndReached != nil {
			c.emit(interceptor.Event{Kind: interceptor.PartitionEndReached, Position: result.EndReached})
			if c.opts.onPartitionEnd != nil {
				c.opts.onPartitionEnd(ctx, *result.EndReached)
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context) (brokerclient.PollResult, error) {
	ctx, span := c.tracer.Start(ctx, "poll", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	result, err := c.client.Poll(ctx)
	if err != nil && ctx.Err() == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (c *Consumer) trackerFor(tp record.TopicPartition) *partitionTracker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trackers[tp]
	if !ok {
		t = newPartitionTracker()
		c.trackers[tp] = t
	}
	return t
}

// TrackPosition marks pos as ready to commit for its partition. Actual
// commits are only issued by [Consumer.Commit] or [Consumer.CommitAll].
func (c *Consumer) TrackPosition(pos record.Position) {
	c.trackerFor(record.TopicPartition{Topic: pos.Topic, Partition: pos.Partition}).track(pos.Offset)
}

// Commit commits the highest contiguous tracked offset for every
// partition that has advanced since the last commit.
func (c *Consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	positions := make([]record.Position, 0, len(c.trackers))
	trackers := make([]*partitionTracker, 0, len(c.trackers))
	for tp, t := range c.trackers {
		offset, ok := t.readyToCommit()
		if !ok {
			continue
		}
		positions = append(positions, record.Position{Topic: tp.Topic, Partition: tp.Partition, Offset: offset})
		trackers = append(trackers, t)
	}
	c.mu.Unlock()

	if len(positions) == 0 {
		return nil
	}

	if err := c.client.Commit(ctx, positions); err != nil {
		return fmt.Errorf("consumer: commit failed: %w", err)
	}

	for i, t := range trackers {
		t.markCommitted(positions[i].Offset)
	}

	c.emit(interceptor.Event{Kind: interceptor.PositionsCommitted, Positions: positions})
	return nil
}

// CommitAll delegates to the underlying client's CommitAll, used by the
// processor's rebalance protocol to commit everything tracked by the
// broker client itself, not just positions tracked here.
func (c *Consumer) CommitAll(ctx context.Context) error {
	if err := c.client.CommitAll(ctx); err != nil {
		return fmt.Errorf("consumer: commit all failed: %w", err)
	}
	c.emit(interceptor.Event{Kind: interceptor.PositionsCommitted})
	return nil
}

// Stop marks the consumer as stopped and returns the subscription gap
// snapshot at the moment of stop. It is an error to call Stop twice.
// Callers must also cancel the context passed to [Consumer.Records] to
// actually unblock the poll worker; Stop only computes the gap snapshot
// and marks the consumer as stopped.
func (c *Consumer) Stop(ctx context.Context) ([]record.SubscriptionTopicGap, error) {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStopped
	}
	return c.gaps(ctx)
}

func (c *Consumer) gaps(ctx context.Context) ([]record.SubscriptionTopicGap, error) {
	c.mu.Lock()
	tps := make([]record.TopicPartition, 0, len(c.trackers))
	trackers := make([]*partitionTracker, 0, len(c.trackers))
	for tp, t := range c.trackers {
		tps = append(tps, tp)
		trackers = append(trackers, t)
	}
	c.mu.Unlock()

	gaps := make([]record.SubscriptionTopicGap, 0, len(tps))
	for i, tp := range tps {
		_, high, err := c.client.WatermarkOffsets(ctx, tp.Topic, tp.Partition)
		if err != nil {
			return nil, fmt.Errorf("consumer: failed to read watermark for %s[%d]: %w", tp.Topic, tp.Partition, err)
		}

		current := trackers[i].currentPosition()
		if current < 0 {
			current = 0
		}
		gaps = append(gaps, record.SubscriptionTopicGap{
			Topic:           tp.Topic,
			Partition:       tp.Partition,
			CurrentPosition: current,
			EndPosition:     high,
		})
	}
	return gaps, nil
}

// Dispose releases the underlying broker client's resources. Call after
// Stop.
func (c *Consumer) Dispose() error {
	return c.client.Close()
}

func (c *Consumer) emit(e interceptor.Event) {
	if c.opts.interceptors == nil {
		return
	}
	e.ProcessorName = c.opts.processorName
	c.opts.interceptors.Emit(e)
}

// LogCallbacks adapts chain into a [brokerclient.LogCallbacks], for
// passing to a concrete broker client constructor (e.g.
// kgoclient.OnLog) so internal client log lines and errors surface as
// ConsumerLog/ConsumerError interceptor events.
func LogCallbacks(chain *interceptor.Chain, processorName string) brokerclient.LogCallbacks {
	return brokerclient.LogCallbacks{
		OnLog: func(message string) {
			chain.Emit(interceptor.Event{Kind: interceptor.ConsumerLog, ProcessorName: processorName, Message: message})
		},
		OnError: func(err error) {
			chain.Emit(interceptor.Event{Kind: interceptor.ConsumerError, ProcessorName: processorName, Err: err})
		},
	}
}
