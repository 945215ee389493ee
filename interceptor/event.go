// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package interceptor implements the processor's lifecycle event fan-out:
// a fixed, ordered chain of observers that receive every [Event] a
// processor or connector emits. Interceptors are pure observers — they
// must never alter the pipeline's behavior, and a panicking interceptor
// is isolated rather than allowed to take down the processor.
package interceptor

import (
	"time"

	"github.com/krimson-go/krimson/record"
)

// Kind identifies the variant of an [Event]. Kind-specific data lives in
// the correspondingly named field on Event; fields not relevant to a
// given Kind are left zero.
type Kind int

const (
	ConsumerLog Kind = iota
	ConsumerError
	PartitionsAssigned
	PartitionsRevoked
	PartitionsLost
	PositionsCommitted
	PartitionEndReached
	ProcessorActivated
	ProcessorTerminating
	ProcessorTerminated
	InputReady
	InputSkipped
	InputConsumed
	InputProcessed
	InputError
	OutputProcessed
	ProcessorTerminatedUserHandlingError
)

func (k Kind) String() string {
	switch k {
	case ConsumerLog:
		return "ConsumerLog"
	case ConsumerError:
		return "ConsumerError"
	case PartitionsAssigned:
		return "PartitionsAssigned"
	case PartitionsRevoked:
		return "PartitionsRevoked"
	case PartitionsLost:
		return "PartitionsLost"
	case PositionsCommitted:
		return "PositionsCommitted"
	case PartitionEndReached:
		return "PartitionEndReached"
	case ProcessorActivated:
		return "ProcessorActivated"
	case ProcessorTerminating:
		return "ProcessorTerminating"
	case ProcessorTerminated:
		return "ProcessorTerminated"
	case InputReady:
		return "InputReady"
	case InputSkipped:
		return "InputSkipped"
	case InputConsumed:
		return "InputConsumed"
	case InputProcessed:
		return "InputProcessed"
	case InputError:
		return "InputError"
	case OutputProcessed:
		return "OutputProcessed"
	case ProcessorTerminatedUserHandlingError:
		return "ProcessorTerminatedUserHandlingError"
	default:
		return "Unknown"
	}
}

// Event is a single lifecycle notification. It is a closed sum type over
// [Kind]: which of the trailing fields are meaningful depends on Kind.
type Event struct {
	Kind Kind
	Time time.Time

	// ProcessorName identifies the processor or connector that emitted
	// the event, e.g. its group ID or connector name.
	ProcessorName string

	// Record is set for record-scoped events (InputReady, InputSkipped,
	// InputConsumed, InputProcessed, InputError).
	Record *record.Record

	// Position is set for PartitionEndReached.
	Position *record.Position

	// Positions is set for PositionsCommitted to every position committed
	// in that pass. It is left empty when the commit was a CommitAll
	// delegated to the broker client, which reports no positions.
	Positions []record.Position

	// Partitions is set for PartitionsAssigned, PartitionsRevoked and
	// PartitionsLost.
	Partitions []record.TopicPartition

	// Gaps is set for ProcessorTerminated.
	Gaps []record.SubscriptionTopicGap

	// Result is set for OutputProcessed.
	Result *record.ProducerResult

	// Err is set for ConsumerError, InputError, ProcessorTerminated (the
	// aggregated termination cause, possibly nil for a clean shutdown)
	// and ProcessorTerminatedUserHandlingError.
	Err error

	// Message carries a free-form description for ConsumerLog.
	Message string
}
