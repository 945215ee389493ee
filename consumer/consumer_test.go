// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package consumer_test

import (
	"context"
	"sync"
	"testing"

	"github.com/krimson-go/krimson/brokerclient"
	"github.com/krimson-go/krimson/consumer"
	"github.com/krimson-go/krimson/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	mu        sync.Mutex
	results   []brokerclient.PollResult
	idx       int
	committed [][]record.Position
	high      int64
}

func (f *fakeConsumer) Subscribe(ctx context.Context, topics []string) error { return nil }
func (f *fakeConsumer) Assign(ctx context.Context, assignments []brokerclient.PartitionOffset) error {
	return nil
}

func (f *fakeConsumer) Poll(ctx context.Context) (brokerclient.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.idx >= len(f.results) {
		<-ctx.Done()
		return brokerclient.PollResult{}, ctx.Err()
	}
	r := f.results[f.idx]
	f.idx++
	return r, nil
}

func (f *fakeConsumer) Commit(ctx context.Context, positions []record.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, positions)
	return nil
}

func (f *fakeConsumer) CommitAll(ctx context.Context) error { return nil }

func (f *fakeConsumer) Partitions(ctx context.Context, topic string) ([]int32, error) {
	return []int32{0}, nil
}

func (f *fakeConsumer) WatermarkOffsets(ctx context.Context, topic string, partition int32) (int64, int64, error) {
	return 0, f.high, nil
}

func (f *fakeConsumer) Close() error { return nil }

func TestConsumer_Records_YieldsInOrder(t *testing.T) {
	client := &fakeConsumer{
		results: []brokerclient.PollResult{
			{Record: &record.Record{Position: record.Position{Topic: "orders", Partition: 0, Offset: 0}}},
			{Record: &record.Record{Position: record.Position{Topic: "orders", Partition: 0, Offset: 1}}},
		},
	}
	c := consumer.New(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []int64
	for r, err := range c.Records(ctx) {
		require.NoError(t, err)
		got = append(got, r.Position.Offset)
		if len(got) == 2 {
			cancel()
			break
		}
	}

	assert.Equal(t, []int64{0, 1}, got)
}

func TestConsumer_Commit_OnlyContiguousOffsets(t *testing.T) {
	client := &fakeConsumer{high: 10}
	c := consumer.New(client)

	tp := record.Position{Topic: "orders", Partition: 0}

	p0 := tp
	p0.Offset = 0
	p2 := tp
	p2.Offset = 2

	c.TrackPosition(p0)
	c.TrackPosition(p2)

	require.NoError(t, c.Commit(context.Background()))
	require.Len(t, client.committed, 1)
	assert.Equal(t, int64(0), client.committed[0][0].Offset)

	p1 := tp
	p1.Offset = 1
	c.TrackPosition(p1)

	require.NoError(t, c.Commit(context.Background()))
	require.Len(t, client.committed, 2)
	assert.Equal(t, int64(2), client.committed[1][0].Offset)
}

func TestConsumer_Stop_Twice_Errors(t *testing.T) {
	client := &fakeConsumer{high: 5}
	c := consumer.New(client)

	_, err := c.Stop(context.Background())
	require.NoError(t, err)

	_, err = c.Stop(context.Background())
	assert.ErrorIs(t, err, consumer.ErrAlreadyStopped)
}
