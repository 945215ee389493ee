// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package reader_test

import (
	"context"
	"testing"

	"github.com/krimson-go/krimson/brokerclient"
	"github.com/krimson-go/krimson/internal/ptr"
	"github.com/krimson-go/krimson/reader"
	"github.com/krimson-go/krimson/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	partitions  []int32
	watermarks  map[int32][2]int64 // partition -> [low, high]
	recordsByP  map[int32][]record.Record
	assigned    []brokerclient.PartitionOffset
	pollIdx     map[int32]int
	pollOrder   []int32
	pollOrderAt int
}

func (f *fakeConsumer) Subscribe(ctx context.Context, topics []string) error { return nil }

func (f *fakeConsumer) Assign(ctx context.Context, assignments []brokerclient.PartitionOffset) error {
	f.assigned = assignments
	f.pollIdx = make(map[int32]int)
	f.pollOrder = nil
	for _, a := range assignments {
		recs := f.recordsByP[a.Partition]
		for i, r := range recs {
			if int64(r.Position.Offset) >= a.Offset {
				f.pollIdx[a.Partition] = i
				break
			}
		}
		f.pollOrder = append(f.pollOrder, a.Partition)
	}
	return nil
}

func (f *fakeConsumer) Poll(ctx context.Context) (brokerclient.PollResult, error) {
	for _, p := range f.pollOrder {
		recs := f.recordsByP[p]
		idx := f.pollIdx[p]
		if idx < len(recs) {
			f.pollIdx[p] = idx + 1
			r := recs[idx]
			return brokerclient.PollResult{Record: &r}, nil
		}
	}
	return brokerclient.PollResult{}, nil
}

func (f *fakeConsumer) Commit(ctx context.Context, positions []record.Position) error { return nil }
func (f *fakeConsumer) CommitAll(ctx context.Context) error                           { return nil }

func (f *fakeConsumer) Partitions(ctx context.Context, topic string) ([]int32, error) {
	return f.partitions, nil
}

func (f *fakeConsumer) WatermarkOffsets(ctx context.Context, topic string, partition int32) (int64, int64, error) {
	wm := f.watermarks[partition]
	return wm[0], wm[1], nil
}

func (f *fakeConsumer) Close() error { return nil }

func TestReader_RecordsFromTopic_StopsAtEnd(t *testing.T) {
	client := &fakeConsumer{
		partitions: []int32{0},
		watermarks: map[int32][2]int64{0: {0, 2}},
		recordsByP: map[int32][]record.Record{
			0: {
				{Position: record.Position{Topic: "orders", Partition: 0, Offset: 0}},
				{Position: record.Position{Topic: "orders", Partition: 0, Offset: 1}},
			},
		},
	}

	r := reader.New(func() brokerclient.Consumer { return client })

	var offsets []int64
	for rec, err := range r.RecordsFromTopic(context.Background(), "orders") {
		require.NoError(t, err)
		offsets = append(offsets, rec.Position.Offset)
	}
	assert.Equal(t, []int64{0, 1}, offsets)
}

func TestReader_Records_SinglePartitionFromOffset(t *testing.T) {
	client := &fakeConsumer{
		partitions: []int32{0, 1},
		watermarks: map[int32][2]int64{0: {0, 3}, 1: {0, 3}},
		recordsByP: map[int32][]record.Record{
			0: {
				{Position: record.Position{Topic: "orders", Partition: 0, Offset: 0}},
				{Position: record.Position{Topic: "orders", Partition: 0, Offset: 1}},
				{Position: record.Position{Topic: "orders", Partition: 0, Offset: 2}},
			},
			1: {
				{Position: record.Position{Topic: "orders", Partition: 1, Offset: 0}},
			},
		},
	}

	r := reader.New(func() brokerclient.Consumer { return client })

	start := reader.StartPosition{
		Topic:     "orders",
		Partition: ptr.Ref(int32(0)),
		Offset:    brokerclient.OffsetBeginning,
	}

	var offsets []int64
	for rec, err := range r.Records(context.Background(), start) {
		require.NoError(t, err)
		offsets = append(offsets, rec.Position.Offset)
	}
	assert.Equal(t, []int64{0, 1, 2}, offsets)
}

func TestReader_GetLatestPositions(t *testing.T) {
	client := &fakeConsumer{
		partitions: []int32{0, 1},
		watermarks: map[int32][2]int64{0: {0, 5}, 1: {0, 10}},
	}
	r := reader.New(func() brokerclient.Consumer { return client })

	positions, err := r.GetLatestPositions(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, positions, 2)
}

func TestReader_LastRecords_SkipsEmptyPartitions(t *testing.T) {
	client := &fakeConsumer{
		partitions: []int32{0, 1},
		watermarks: map[int32][2]int64{0: {0, 0}, 1: {0, 3}},
		recordsByP: map[int32][]record.Record{
			1: {
				{Position: record.Position{Topic: "orders", Partition: 1, Offset: 2}},
			},
		},
	}
	r := reader.New(func() brokerclient.Consumer { return client })

	records, err := r.LastRecords(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int32(1), records[0].Position.Partition)
}
