// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package brokerclient defines the classical Kafka consumer/producer
// surface that the rest of Krimson is built against: subscribe, assign,
// poll, commit, produce with a delivery callback, partition
// assigned/revoked/lost notifications, and watermark queries.
//
// Krimson never talks to a broker directly. Everything in this package
// is an interface; [github.com/krimson-go/krimson/brokerclient/kgoclient]
// is the one concrete adapter the module ships, built on
// github.com/twmb/franz-go. Applications may supply their own adapter
// over any client with an equivalent surface.
package brokerclient

import (
	"context"

	"github.com/krimson-go/krimson/record"
)

// Offset sentinels usable in PartitionOffset.Offset.
const (
	OffsetBeginning int64 = -2
	OffsetEnd       int64 = -1
)

// PartitionOffset pins one partition to a starting offset for [Consumer.Assign].
type PartitionOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// PollResult is returned by [Consumer.Poll]. When Poll returns a nil
// error, at most one of Record or EndReached is populated. Both being nil signals a poll
// that simply found nothing new yet.
type PollResult struct {
	// Record is the next record, if one was available.
	Record *record.Record

	// EndReached is set when polling found no record and the assigned
	// partition's current consume position has reached its end
	// (high-watermark) position.
	EndReached *record.Position
}

// RebalanceCallbacks are invoked by the broker client when group
// membership changes. All three are optional; nil callbacks are simply
// not invoked. Implementations must return promptly — these calls
// typically run on the broker client's own heartbeat goroutine and block
// group rebalancing while they execute.
type RebalanceCallbacks struct {
	OnPartitionsAssigned func(context.Context, []record.TopicPartition)
	OnPartitionsRevoked  func(context.Context, []record.TopicPartition)
	OnPartitionsLost     func(context.Context, []record.TopicPartition)
}

// LogCallbacks are invoked by the broker client for internal log lines
// and asynchronous (non-delivery-report) errors, e.g. connection resets.
type LogCallbacks struct {
	OnLog   func(message string)
	OnError func(err error)
}

// Consumer is the classical Kafka consumer surface.
type Consumer interface {
	// Subscribe joins a consumer group and subscribes to topics. Use
	// either Subscribe or Assign, not both, on a given Consumer.
	Subscribe(ctx context.Context, topics []string) error

	// Assign pins this consumer to an explicit set of partitions and
	// starting offsets, bypassing group membership. Used by [Reader].
	Assign(ctx context.Context, assignments []PartitionOffset) error

	// Poll returns the next available record, or signals that an
	// assigned partition has no further records right now. It must not
	// block past ctx's deadline/cancellation.
	Poll(ctx context.Context) (PollResult, error)

	// Commit durably records positions as consumed. Position.Offset is
	// the offset of the last consumed record; the broker stores
	// Offset+1 as the resume point, matching classical Kafka commit
	// semantics.
	Commit(ctx context.Context, positions []record.Position) error

	// CommitAll commits every position this consumer has tracked since
	// its last commit.
	CommitAll(ctx context.Context) error

	// Partitions lists the partition IDs of topic.
	Partitions(ctx context.Context, topic string) ([]int32, error)

	// WatermarkOffsets returns the low (earliest retained) and high
	// (next-to-be-written) offsets for one partition.
	WatermarkOffsets(ctx context.Context, topic string, partition int32) (low, high int64, err error)

	Close() error
}

// Producer is the classical Kafka producer surface: asynchronous produce
// with a per-record delivery callback, plus flush and close.
type Producer interface {
	// Produce enqueues req and returns immediately. cb is invoked
	// exactly once, from a background delivery goroutine, once the
	// broker has acknowledged or definitively failed the record.
	Produce(ctx context.Context, req record.ProducerRequest, cb func(record.ProducerResult)) error

	// Flush blocks until every previously enqueued Produce call's
	// delivery callback has run.
	Flush(ctx context.Context) error

	Close() error
}
