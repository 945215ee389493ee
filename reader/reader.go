// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package reader implements high-level, stateless bounded reads: tail a
// topic or partition range as a finite sequence, fetch latest positions,
// or fetch the last record on every partition. Each call constructs a
// fresh consumer, so concurrent readers never share subscription state.
package reader

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/krimson-go/krimson/brokerclient"
	"github.com/krimson-go/krimson/record"

	"github.com/sourcegraph/conc/pool"
)

// ConsumerFactory constructs a fresh broker-client consumer for a single
// read. Implementations typically close over brokers and any shared
// client options (e.g. kgoclient.NewConsumer).
type ConsumerFactory func() brokerclient.Consumer

// StartPosition designates where a tailing read begins. A nil Partition
// means every partition of Topic, read from the beginning; Offset is
// ignored in that case.
type StartPosition struct {
	Topic     string
	Partition *int32
	Offset    int64
}

// Reader performs stateless, bounded reads over a broker-client consumer
// it constructs fresh for every call.
type Reader struct {
	log         *slog.Logger
	newConsumer ConsumerFactory
}

// New returns a Reader that builds a new consumer via factory per call.
func New(factory ConsumerFactory) *Reader {
	return &Reader{log: logger(), newConsumer: factory}
}

// Records yields records starting at start and terminates once every
// partition assigned at subscription time has reached its end position.
func (r *Reader) Records(ctx context.Context, start StartPosition) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		c := r.newConsumer()
		defer c.Close()

		partitions, err := r.resolvePartitions(ctx, c, start)
		if err != nil {
			yield(record.Record{}, err)
			return
		}
		if len(partitions) == 0 {
			return
		}

		assignments := make([]brokerclient.PartitionOffset, len(partitions))
		ends := make(map[int32]int64, len(partitions))
		reached := make(map[int32]bool, len(partitions))

		for i, p := range partitions {
			offset := start.Offset
			if start.Partition == nil {
				offset = brokerclient.OffsetBeginning
			}
			assignments[i] = brokerclient.PartitionOffset{Topic: start.Topic, Partition: p, Offset: offset}

			_, high, err := c.WatermarkOffsets(ctx, start.Topic, p)
			if err != nil {
				yield(record.Record{}, fmt.Errorf("reader: failed to read watermark for %s[%d]: %w", start.Topic, p, err))
				return
			}
			ends[p] = high
			reached[p] = high == 0
		}

		if err := c.Assign(ctx, assignments); err != nil {
			yield(record.Record{}, fmt.Errorf("reader: failed to assign partitions: %w", err))
			return
		}

		for !allReached(reached) {
			select {
			case <-ctx.Done():
				yield(record.Record{}, ctx.Err())
				return
			default:
			}

			result, err := c.Poll(ctx)
			if err != nil {
				yield(record.Record{}, err)
				return
			}

			if result.Record != nil {
				if result.Record.Position.Offset >= ends[result.Record.Position.Partition]-1 {
					reached[result.Record.Position.Partition] = true
				}
				if !yield(*result.Record, nil) {
					return
				}
				continue
			}

			if result.EndReached != nil {
				reached[result.EndReached.Partition] = true
			}
		}
	}
}

func allReached(reached map[int32]bool) bool {
	for _, ok := range reached {
		if !ok {
			return false
		}
	}
	return true
}

func (r *Reader) resolvePartitions(ctx context.Context, c brokerclient.Consumer, start StartPosition) ([]int32, error) {
	if start.Partition != nil {
		return []int32{*start.Partition}, nil
	}
	return c.Partitions(ctx, start.Topic)
}

// RecordsFromTopic is shorthand for Records with every partition of
// topic, read from the beginning.
func (r *Reader) RecordsFromTopic(ctx context.Context, topic string) iter.Seq2[record.Record, error] {
	return r.Records(ctx, StartPosition{Topic: topic})
}

// GetLatestPositions returns the end offset of every partition of topic,
// fetching watermarks for all partitions concurrently.
func (r *Reader) GetLatestPositions(ctx context.Context, topic string) ([]record.Position, error) {
	c := r.newConsumer()
	defer c.Close()

	partitions, err := c.Partitions(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("reader: failed to list partitions for %q: %w", topic, err)
	}

	positions := make([]record.Position, len(partitions))
	p := pool.New().WithContext(ctx)
	for i, partition := range partitions {
		i, partition := i, partition
		p.Go(func(ctx context.Context) error {
			_, high, err := c.WatermarkOffsets(ctx, topic, partition)
			if err != nil {
				return fmt.Errorf("reader: failed to read watermark for %s[%d]: %w", topic, partition, err)
			}
			positions[i] = record.Position{Topic: topic, Partition: partition, Offset: high}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return positions, nil
}

// LastRecords returns the last record on every non-empty partition of
// topic (end offset − 1). Empty partitions are skipped.
//
// If one or more filters are given, a record only qualifies as "last" when
// every filter accepts it; since the literal tail record of a partition
// may fail a filter (e.g. it belongs to a different source interleaved
// into a shared topic), LastRecords instead scans each partition in full
// and keeps the highest-offset record that satisfies all filters. Callers
// that don't need filtering keep the cheap end-offset-minus-one path.
func (r *Reader) LastRecords(ctx context.Context, topic string, filters ...func(record.Record) bool) ([]record.Record, error) {
	if len(filters) == 0 {
		return r.lastRecordsUnfiltered(ctx, topic)
	}
	return r.lastRecordsFiltered(ctx, topic, filters)
}

func (r *Reader) lastRecordsUnfiltered(ctx context.Context, topic string) ([]record.Record, error) {
	c := r.newConsumer()
	defer c.Close()

	partitions, err := c.Partitions(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("reader: failed to list partitions for %q: %w", topic, err)
	}

	var (
		mu          sync.Mutex
		assignments []brokerclient.PartitionOffset
	)
	wp := pool.New().WithContext(ctx)
	for _, partition := range partitions {
		partition := partition
		wp.Go(func(ctx context.Context) error {
			_, high, err := c.WatermarkOffsets(ctx, topic, partition)
			if err != nil {
				return fmt.Errorf("reader: failed to read watermark for %s[%d]: %w", topic, partition, err)
			}
			if high == 0 {
				return nil
			}
			mu.Lock()
			assignments = append(assignments, brokerclient.PartitionOffset{Topic: topic, Partition: partition, Offset: high - 1})
			mu.Unlock()
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		return nil, err
	}

	if len(assignments) == 0 {
		return nil, nil
	}

	if err := c.Assign(ctx, assignments); err != nil {
		return nil, fmt.Errorf("reader: failed to assign partitions: %w", err)
	}

	records := make([]record.Record, 0, len(assignments))
	for remaining := len(assignments); remaining > 0; {
		result, err := c.Poll(ctx)
		if err != nil {
			return nil, err
		}
		if result.Record != nil {
			records = append(records, *result.Record)
			remaining--
		}
	}
	return records, nil
}

func (r *Reader) lastRecordsFiltered(ctx context.Context, topic string, filters []func(record.Record) bool) ([]record.Record, error) {
	last := make(map[int32]record.Record)
	for rec, err := range r.RecordsFromTopic(ctx, topic) {
		if err != nil {
			return nil, err
		}
		if !matchesAll(rec, filters) {
			continue
		}
		last[rec.Position.Partition] = rec
	}

	records := make([]record.Record, 0, len(last))
	for _, rec := range last {
		records = append(records, rec)
	}
	return records, nil
}

func matchesAll(rec record.Record, filters []func(record.Record) bool) bool {
	for _, f := range filters {
		if !f(rec) {
			return false
		}
	}
	return true
}
