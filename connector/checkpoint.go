// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/krimson-go/krimson/concurrent"
	"github.com/krimson-go/krimson/reader"
	"github.com/krimson-go/krimson/record"
)

// checkpoint is the high-water mark a connector has produced to a
// destination topic.
type checkpoint struct {
	recordID  string
	eventTime time.Time
}

// checkpointManager tracks, per destination topic, the event time of the
// most recently produced record. The output topic is the only source of
// truth: on first access per topic the manager rehydrates by scanning
// the topic's partition tails; after that, Track maintains the
// value in memory. Updates that do not advance the event time are
// rejected, so a tick racing a slow rehydration can never regress a
// checkpoint that a faster tick already advanced.
type checkpointManager struct {
	reader     *reader.Reader
	sourceName string
	cache      *concurrent.Cache[string, checkpoint]
}

func newCheckpointManager(r *reader.Reader, sourceName string) *checkpointManager {
	return &checkpointManager{reader: r, sourceName: sourceName, cache: concurrent.NewCache[string, checkpoint]()}
}

// matchesSource reports whether rec was produced by this checkpoint
// manager's own connector, as identified by its [record.HeaderSource]
// header. A destination topic shared by multiple connectors would
// otherwise let one connector's checkpoint regress or advance based on
// another's records.
func (m *checkpointManager) matchesSource(rec record.Record) bool {
	source, ok := rec.Header(record.HeaderSource)
	return ok && string(source) == m.sourceName
}

// Get returns the current checkpoint for topic, rehydrating it from the
// topic's partition tails on first access.
func (m *checkpointManager) Get(ctx context.Context, topic string) (checkpoint, error) {
	return m.cache.GetOr(topic, func() (checkpoint, error) {
		records, err := m.reader.LastRecords(ctx, topic, m.matchesSource)
		if err != nil {
			return checkpoint{}, fmt.Errorf("connector: failed to rehydrate checkpoint for %q: %w", topic, err)
		}

		var latest checkpoint
		for _, rec := range records {
			if rec.EventTime.After(latest.eventTime) {
				latest = checkpoint{recordID: rec.RecordID, eventTime: rec.EventTime}
			}
		}
		return latest, nil
	})
}

// Track advances the checkpoint for topic to cp, unless cp does not
// advance past the currently known value.
func (m *checkpointManager) Track(topic string, cp checkpoint) {
	current, ok := m.cache.Get(topic)
	if ok && !cp.eventTime.After(current.eventTime) {
		return
	}
	m.cache.Set(topic, cp)
}
