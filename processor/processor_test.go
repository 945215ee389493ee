// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package processor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/krimson-go/krimson/brokerclient"
	"github.com/krimson-go/krimson/interceptor"
	"github.com/krimson-go/krimson/processor"
	"github.com/krimson-go/krimson/record"
	"github.com/krimson-go/krimson/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	mu             sync.Mutex
	rebalance      brokerclient.RebalanceCallbacks
	commitAllCalls int
	closed         bool
}

func (f *fakeConsumer) Subscribe(ctx context.Context, topics []string) error { return nil }

func (f *fakeConsumer) Assign(ctx context.Context, assignments []brokerclient.PartitionOffset) error {
	return nil
}

func (f *fakeConsumer) Poll(ctx context.Context) (brokerclient.PollResult, error) {
	<-ctx.Done()
	return brokerclient.PollResult{}, ctx.Err()
}

func (f *fakeConsumer) Commit(ctx context.Context, positions []record.Position) error { return nil }

func (f *fakeConsumer) CommitAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitAllCalls++
	return nil
}

func (f *fakeConsumer) Partitions(ctx context.Context, topic string) ([]int32, error) {
	return []int32{0}, nil
}

func (f *fakeConsumer) WatermarkOffsets(ctx context.Context, topic string, partition int32) (int64, int64, error) {
	return 0, 0, nil
}

func (f *fakeConsumer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConsumer) commitAllCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitAllCalls
}

type fakeProducer struct {
	mu         sync.Mutex
	failTopic  string
	produced   []record.ProducerRequest
	flushCalls int
	closed     bool
}

func (f *fakeProducer) Produce(ctx context.Context, req record.ProducerRequest, cb func(record.ProducerResult)) error {
	f.mu.Lock()
	f.produced = append(f.produced, req)
	f.mu.Unlock()

	if req.Topic == f.failTopic {
		cb(record.ProducerResult{Success: false, Err: errors.New("broker rejected record")})
		return nil
	}
	cb(record.ProducerResult{Success: true, RecordID: "rid-1"})
	return nil
}

func (f *fakeProducer) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls++
	return nil
}

func (f *fakeProducer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProducer) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushCalls
}

type eventCollector struct {
	mu     sync.Mutex
	events []interceptor.Event
}

func (c *eventCollector) Intercept(e interceptor.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) kinds() []interceptor.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]interceptor.Kind, len(c.events))
	for i, e := range c.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func newTestProcessor(t *testing.T, r *router.Router, collector *eventCollector) (*processor.Processor, *fakeConsumer, *fakeProducer) {
	t.Helper()

	fc := &fakeConsumer{}
	fp := &fakeProducer{}

	newConsumer := func(rebalance brokerclient.RebalanceCallbacks) brokerclient.Consumer {
		fc.rebalance = rebalance
		return fc
	}
	newProducer := func() brokerclient.Producer { return fp }

	opts := []processor.Option{
		processor.Name("test-processor"),
		processor.InputTopics("orders"),
		processor.WithRouter(r),
	}
	if collector != nil {
		opts = append(opts, processor.WithInterceptors(collector))
	}

	p, err := processor.New(newConsumer, newProducer, opts...)
	require.NoError(t, err)
	return p, fc, fp
}

func TestProcessor_New_RequiresRouterAndTopics(t *testing.T) {
	_, err := processor.New(
		func(brokerclient.RebalanceCallbacks) brokerclient.Consumer { return nil },
		func() brokerclient.Producer { return nil },
	)
	assert.Error(t, err)
}

func TestProcessor_ProcessRecord_FanOutTracksPositionOnceAllOutputsSucceed(t *testing.T) {
	r := router.New()
	r.RouteTopic("orders", router.HandlerFunc(func(ctx *router.Context) error {
		ctx.Emit(record.ProducerRequest{Topic: "events", Key: ctx.Record.Key})
		ctx.Emit(record.ProducerRequest{Topic: "audit", Key: ctx.Record.Key})
		return nil
	}))

	collector := &eventCollector{}
	p, _, fp := newTestProcessor(t, r, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Activate(ctx, nil))

	rec := record.Record{
		Position: record.Position{Topic: "orders", Partition: 0, Offset: 0},
		Key:      []byte("a"),
	}
	require.NoError(t, p.ProcessRecord(ctx, rec))

	fp.mu.Lock()
	produced := append([]record.ProducerRequest(nil), fp.produced...)
	fp.mu.Unlock()
	require.Len(t, produced, 2)
	assert.Equal(t, "events", produced[0].Topic)
	assert.Equal(t, "audit", produced[1].Topic)

	assert.Contains(t, collector.kinds(), interceptor.InputProcessed)
}

func TestProcessor_ProcessRecord_NoMatchSkipsInput(t *testing.T) {
	r := router.New()
	collector := &eventCollector{}
	p, _, _ := newTestProcessor(t, r, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Activate(ctx, nil))

	rec := record.Record{Position: record.Position{Topic: "orders", Partition: 0, Offset: 0}}
	require.NoError(t, p.ProcessRecord(ctx, rec))

	assert.Contains(t, collector.kinds(), interceptor.InputSkipped)
}

func TestProcessor_ProcessRecord_PoisonRecordTerminatesWithCause(t *testing.T) {
	r := router.New()
	r.RouteTopic("orders", router.HandlerFunc(func(ctx *router.Context) error {
		ctx.Emit(record.ProducerRequest{Topic: "dead-letter", Key: ctx.Record.Key})
		return nil
	}))

	fc := &fakeConsumer{}
	fp := &fakeProducer{failTopic: "dead-letter"}

	newConsumer := func(rebalance brokerclient.RebalanceCallbacks) brokerclient.Consumer {
		fc.rebalance = rebalance
		return fc
	}
	newProducer := func() brokerclient.Producer { return fp }

	p, err := processor.New(newConsumer, newProducer,
		processor.Name("poison-test"),
		processor.InputTopics("orders"),
		processor.WithRouter(r),
	)
	require.NoError(t, err)

	termCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Activate(ctx, func(_ *processor.Processor, _ []record.SubscriptionTopicGap, cause error) {
		termCh <- cause
	}))

	rec := record.Record{Position: record.Position{Topic: "orders", Partition: 0, Offset: 0}}
	require.NoError(t, p.ProcessRecord(ctx, rec))

	select {
	case cause := <-termCh:
		require.Error(t, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for termination after poison record")
	}

	assert.Equal(t, processor.StatusTerminated, p.Status())
}

func TestProcessor_Rebalance_FlushesProducerAndCommitsAll(t *testing.T) {
	r := router.New()
	p, fc, fp := newTestProcessor(t, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Activate(ctx, nil))

	fc.rebalance.OnPartitionsRevoked(ctx, []record.TopicPartition{{Topic: "orders", Partition: 0}})

	assert.Equal(t, 1, fp.flushCount())
	assert.Equal(t, 1, fc.commitAllCount())
}

func TestProcessor_Terminate_IsIdempotent(t *testing.T) {
	r := router.New()
	collector := &eventCollector{}
	p, _, fp := newTestProcessor(t, r, collector)

	ctx := context.Background()
	require.NoError(t, p.Activate(ctx, nil))

	p.Terminate(ctx, nil)
	p.Terminate(ctx, errors.New("second call should be a no-op"))

	// One shutdown sequence flushes twice: once explicitly before the
	// commit, once more inside the producer's flush-then-close. The second
	// Terminate adds no flush.
	assert.Equal(t, 2, fp.flushCount())
	assert.Equal(t, processor.StatusTerminated, p.Status())
}

func TestProcessor_Activate_TwiceFails(t *testing.T) {
	r := router.New()
	p, _, _ := newTestProcessor(t, r, nil)

	ctx := context.Background()
	require.NoError(t, p.Activate(ctx, nil))
	assert.ErrorIs(t, p.Activate(ctx, nil), processor.ErrAlreadyActivated)

	p.Terminate(ctx, nil)
}
