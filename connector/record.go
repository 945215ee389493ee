// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package connector

import (
	"context"
	"sync"
	"time"

	"github.com/krimson-go/krimson/record"
)

// ProcessingState is the terminal (or not yet terminal) outcome of a
// [SourceRecord] after one connector tick.
type ProcessingState int

const (
	// StatePending means the record has not yet reached a terminal
	// state; EnsureProcessed has not returned.
	StatePending ProcessingState = iota
	// StateSkipped means the dedup check rejected the record: its
	// event time did not advance past the destination topic's
	// checkpoint.
	StateSkipped
	// StateAcked means the record was produced and the broker
	// acknowledged it.
	StateAcked
	// StateNaked means the record failed to produce, or some other
	// error (configuration, checkpoint lookup) prevented it from being
	// produced.
	StateNaked
)

func (s ProcessingState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateSkipped:
		return "Skipped"
	case StateAcked:
		return "Acked"
	case StateNaked:
		return "Naked"
	default:
		return "Unknown"
	}
}

// SourceRecord is a single record surfaced by a connector's ParseRecords
// call. Source and DestinationTopic are defaulted by the runtime if left
// empty. A SourceRecord reaches exactly one terminal state
// (Skipped/Acked/Naked); EnsureProcessed blocks until it does.
type SourceRecord struct {
	Source           string
	DestinationTopic string
	Key              []byte
	Value            any
	Headers          []record.Header
	EventTime        time.Time
	// RequestID is an opaque correlation tag forwarded to the produced
	// record. If left empty, the connector assigns one before producing.
	RequestID string
	Operation record.Operation

	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
	state    ProcessingState
	recordID string
	err      error
}

// NewSourceRecord constructs a pending record carrying value with the
// given event time.
func NewSourceRecord(value any, eventTime time.Time) *SourceRecord {
	return &SourceRecord{
		Value:     value,
		EventTime: eventTime,
		Operation: record.Insert,
		done:      make(chan struct{}),
	}
}

// Ack transitions the record to Acked with the broker-assigned recordID.
// Only the first of Ack, Nak or skip has any effect.
func (r *SourceRecord) Ack(recordID string) {
	r.settle(StateAcked, recordID, nil)
}

// Nak transitions the record to Naked with cause. Only the first of Ack,
// Nak or skip has any effect.
func (r *SourceRecord) Nak(cause error) {
	r.settle(StateNaked, "", cause)
}

func (r *SourceRecord) skip() {
	r.settle(StateSkipped, "", nil)
}

func (r *SourceRecord) settle(state ProcessingState, recordID string, err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.state = state
		r.recordID = recordID
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

// EnsureProcessed blocks until the record has reached a terminal state
// and returns the cause it was Naked with, if any.
func (r *SourceRecord) EnsureProcessed(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the record's current processing state.
func (r *SourceRecord) State() ProcessingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RecordID returns the broker-assigned record ID, populated only once
// State is StateAcked.
func (r *SourceRecord) RecordID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordID
}
