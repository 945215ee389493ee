// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package processor wires a [router.Router] to a [consumer.Consumer] and a
// [producer.Producer] into a single activate/terminate lifecycle: poll,
// route, produce outputs, track the input position once every output is
// acknowledged, and commit. Rebalances drive a flush-then-commit protocol
// so a partition is never handed to another member with unflushed or
// uncommitted work still pending.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/krimson-go/krimson/brokerclient"
	"github.com/krimson-go/krimson/consumer"
	"github.com/krimson-go/krimson/interceptor"
	"github.com/krimson-go/krimson/producer"
	"github.com/krimson-go/krimson/record"
	"github.com/krimson-go/krimson/router"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Status is a processor's lifecycle state.
type Status int32

const (
	// StatusTerminated is both the initial state and the state a
	// processor returns to after [Processor.Terminate] completes. A
	// terminated processor may be activated again.
	StatusTerminated Status = iota
	StatusActivated
	StatusTerminating
)

func (s Status) String() string {
	switch s {
	case StatusTerminated:
		return "Terminated"
	case StatusActivated:
		return "Activated"
	case StatusTerminating:
		return "Terminating"
	default:
		return "Unknown"
	}
}

// ErrAlreadyActivated is returned by Activate when the processor is not
// currently Terminated.
var ErrAlreadyActivated = errors.New("processor: already activated")

// OnTerminated is invoked exactly once per activation, after the
// processor has fully settled into StatusTerminated. gaps reports the
// subscription gap at the moment polling stopped; err is the aggregated
// termination cause, nil for a clean shutdown. A panic inside the handler
// is isolated and reported as a ProcessorTerminatedUserHandlingError
// event rather than propagated.
type OnTerminated func(p *Processor, gaps []record.SubscriptionTopicGap, err error)

// ConsumerFactory constructs a fresh broker-client consumer for one
// activation, wiring rebalance back into the processor so
// PartitionsRevoked/PartitionsLost drive the flush-then-commit protocol.
type ConsumerFactory func(rebalance brokerclient.RebalanceCallbacks) brokerclient.Consumer

// ProducerFactory constructs a fresh broker-client producer for one
// activation.
type ProducerFactory func() brokerclient.Producer

type options struct {
	name             string
	inputTopics      []string
	router           *router.Router
	userInterceptors []interceptor.Interceptor
}

// Option configures a [Processor].
type Option func(*options)

// Name sets the processor's identity, reported on every emitted event and
// typically matching its consumer group ID.
func Name(name string) Option {
	return func(o *options) { o.name = name }
}

// InputTopics sets the topics subscribed to on activation.
func InputTopics(topics ...string) Option {
	return func(o *options) { o.inputTopics = topics }
}

// WithRouter sets the routing table used to dispatch each polled record.
func WithRouter(r *router.Router) Option {
	return func(o *options) { o.router = r }
}

// WithInterceptors appends observers to the processor's lifecycle event
// chain, behind the built-in logging and broker-log adapters.
func WithInterceptors(ics ...interceptor.Interceptor) Option {
	return func(o *options) { o.userInterceptors = append(o.userInterceptors, ics...) }
}

// Processor drives the activate/route/produce/commit/terminate lifecycle
// described in the package doc.
type Processor struct {
	log          *slog.Logger
	tracer       trace.Tracer
	name         string
	inputTopics  []string
	router       *router.Router
	interceptors *interceptor.Chain

	newConsumer ConsumerFactory
	newProducer ProducerFactory

	status       atomic.Int32
	onTerminated OnTerminated

	mu     sync.Mutex
	cons   *consumer.Consumer
	prod   *producer.Producer
	cancel context.CancelFunc
}

// New builds a Processor. A router and at least one input topic are
// required.
func New(newConsumer ConsumerFactory, newProducer ProducerFactory, opts ...Option) (*Processor, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.inputTopics) == 0 {
		return nil, fmt.Errorf("processor: at least one input topic is required")
	}
	if cfg.router == nil {
		return nil, fmt.Errorf("processor: a router is required")
	}

	log := logger()
	chain := interceptor.New(log, cfg.userInterceptors...)

	return &Processor{
		log:          log,
		tracer:       tracer(),
		name:         cfg.name,
		inputTopics:  cfg.inputTopics,
		router:       cfg.router,
		interceptors: chain,
		newConsumer:  newConsumer,
		newProducer:  newProducer,
	}, nil
}

// Status returns the processor's current lifecycle state.
func (p *Processor) Status() Status {
	return Status(p.status.Load())
}

// Activate constructs a fresh consumer and producer, subscribes to the
// configured input topics and begins the poll/route/produce loop in the
// background. onTerminated, if non-nil, fires once the loop and every
// step of Terminate have completed.
func (p *Processor) Activate(ctx context.Context, onTerminated OnTerminated) error {
	if !p.status.CompareAndSwap(int32(StatusTerminated), int32(StatusActivated)) {
		return ErrAlreadyActivated
	}

	p.onTerminated = onTerminated

	brokerConsumer := p.newConsumer(brokerclient.RebalanceCallbacks{
		OnPartitionsAssigned: p.onPartitionsAssigned,
		OnPartitionsRevoked:  p.onPartitionsRevoked,
		OnPartitionsLost:     p.onPartitionsLost,
	})
	brokerProducer := p.newProducer()

	cons := consumer.New(brokerConsumer, consumer.Interceptors(p.interceptors, p.name))
	prod, err := producer.New(brokerProducer)
	if err != nil {
		p.status.Store(int32(StatusTerminated))
		return fmt.Errorf("processor: failed to initialize producer: %w", err)
	}

	p.mu.Lock()
	p.cons = cons
	p.prod = prod
	p.mu.Unlock()

	if err := brokerConsumer.Subscribe(ctx, p.inputTopics); err != nil {
		p.status.Store(int32(StatusTerminated))
		return fmt.Errorf("processor: failed to subscribe to %v: %w", p.inputTopics, err)
	}

	p.emit(interceptor.Event{Kind: interceptor.ProcessorActivated})

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(runCtx)
	return nil
}

// run drives the poll loop until the underlying record stream ends, then
// terminates the processor. A cancellation is a clean shutdown (nil
// cause); any other error ends the loop with that error as the
// termination cause.
func (p *Processor) run(ctx context.Context) {
	var cause error

	for rec, err := range p.consumerSnapshot().Records(ctx) {
		if err != nil {
			cause = err
			break
		}
		if procErr := p.ProcessRecord(ctx, rec); procErr != nil {
			cause = procErr
			break
		}
	}

	if ctx.Err() != nil {
		cause = nil
	}

	p.Terminate(context.Background(), cause)
}

func (p *Processor) consumerSnapshot() *consumer.Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cons
}

func (p *Processor) producerSnapshot() *producer.Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prod
}

// ProcessRecord routes rec and either tracks its position immediately (no
// match, or a match that produced no outputs) or produces every output
// the router emitted and tracks the position once all have succeeded.
func (p *Processor) ProcessRecord(ctx context.Context, rec record.Record) error {
	ctx, span := p.tracer.Start(ctx, "process record", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	cons := p.consumerSnapshot()

	if !p.router.CanRoute(rec) {
		cons.TrackPosition(rec.Position)
		p.emit(interceptor.Event{Kind: interceptor.InputSkipped, Record: &rec})
		return nil
	}

	p.emit(interceptor.Event{Kind: interceptor.InputReady, Record: &rec})

	outputs, err := p.router.Process(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.emit(interceptor.Event{Kind: interceptor.InputError, Record: &rec, Err: err})
		return err
	}

	err = p.processOutputs(ctx, rec, outputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// processOutputs produces every request the router emitted. The input
// position is tracked only once every output for that record has
// succeeded; a single output failure aborts tracking and fires a
// fire-and-forget Terminate with that failure as cause, since a partial
// write with an untracked position is the only state from which the
// pipeline can safely retry on the next activation.
func (p *Processor) processOutputs(ctx context.Context, rec record.Record, outputs []record.ProducerRequest) error {
	cons := p.consumerSnapshot()
	prod := p.producerSnapshot()

	if len(outputs) == 0 {
		cons.TrackPosition(rec.Position)
		p.emit(interceptor.Event{Kind: interceptor.InputProcessed, Record: &rec})
		return nil
	}

	var (
		mu        sync.Mutex
		succeeded int
		failed    bool
	)

	for _, req := range outputs {
		err := prod.Produce(ctx, req, func(result record.ProducerResult) {
			p.emit(interceptor.Event{Kind: interceptor.OutputProcessed, Record: &rec, Result: &result})

			mu.Lock()
			defer mu.Unlock()

			if !result.Success {
				if !failed {
					failed = true
					p.emit(interceptor.Event{Kind: interceptor.InputError, Record: &rec, Err: result.Err})
					go p.Terminate(context.Background(), result.Err)
				}
				return
			}

			succeeded++
			if succeeded == len(outputs) && !failed {
				cons.TrackPosition(rec.Position)
				p.emit(interceptor.Event{Kind: interceptor.InputProcessed, Record: &rec})
			}
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *Processor) onPartitionsAssigned(ctx context.Context, partitions []record.TopicPartition) {
	p.emit(interceptor.Event{Kind: interceptor.PartitionsAssigned, Partitions: partitions})
}

func (p *Processor) onPartitionsRevoked(ctx context.Context, partitions []record.TopicPartition) {
	p.emit(interceptor.Event{Kind: interceptor.PartitionsRevoked, Partitions: partitions})
	p.flushAndCommit(ctx)
}

func (p *Processor) onPartitionsLost(ctx context.Context, partitions []record.TopicPartition) {
	p.emit(interceptor.Event{Kind: interceptor.PartitionsLost, Partitions: partitions})
	p.flushAndCommit(ctx)
}

// flushAndCommit implements the rebalance protocol: a revoked or lost
// partition must not be handed to another group member until every
// in-flight produce for it has completed and every contiguous ready
// position has been committed.
func (p *Processor) flushAndCommit(ctx context.Context) {
	prod := p.producerSnapshot()
	cons := p.consumerSnapshot()
	if prod == nil || cons == nil {
		return
	}

	if err := prod.Flush(ctx); err != nil {
		p.log.ErrorContext(ctx, "failed to flush producer during rebalance", slog.Any("error", err))
	}
	if err := cons.CommitAll(ctx); err != nil {
		p.log.ErrorContext(ctx, "failed to commit positions during rebalance", slog.Any("error", err))
	}
}

// Terminate stops the processor: cancel the local run loop, flush the
// producer and commit every tracked position, collect the subscription
// gap, dispose the producer and consumer, then settle into
// StatusTerminated and invoke onTerminated. It is safe to call more than
// once or concurrently with the run loop's own termination; only the
// first caller to observe StatusActivated performs the sequence, and a
// call observing any other status is a no-op diagnostic.
func (p *Processor) Terminate(ctx context.Context, cause error) {
	if !p.status.CompareAndSwap(int32(StatusActivated), int32(StatusTerminating)) {
		p.emit(interceptor.Event{
			Kind: interceptor.ProcessorTerminated,
			Err:  diagnosticErr(cause),
		})
		return
	}

	p.mu.Lock()
	cancel := p.cancel
	cons := p.cons
	prod := p.prod
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	p.emit(interceptor.Event{Kind: interceptor.ProcessorTerminating})

	var errs []error
	if cause != nil {
		errs = append(errs, cause)
	}

	if err := prod.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("processor: flush on terminate: %w", err))
	}
	if err := cons.CommitAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("processor: commit all on terminate: %w", err))
	}

	gaps, err := cons.Stop(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("processor: stop on terminate: %w", err))
	}

	if err := prod.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("processor: close producer: %w", err))
	}
	if err := cons.Dispose(); err != nil {
		errs = append(errs, fmt.Errorf("processor: dispose consumer: %w", err))
	}

	finalErr := errors.Join(errs...)

	p.status.Store(int32(StatusTerminated))
	p.emit(interceptor.Event{Kind: interceptor.ProcessorTerminated, Gaps: gaps, Err: finalErr})

	if p.onTerminated != nil {
		p.invokeOnTerminated(gaps, finalErr)
	}
}

func (p *Processor) invokeOnTerminated(gaps []record.SubscriptionTopicGap, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.emit(interceptor.Event{
				Kind: interceptor.ProcessorTerminatedUserHandlingError,
				Err:  fmt.Errorf("processor: on_terminated handler panicked: %v", r),
			})
		}
	}()
	p.onTerminated(p, gaps, err)
}

func diagnosticErr(cause error) error {
	if cause == nil {
		return errors.New("processor: terminate called while not activated")
	}
	return fmt.Errorf("processor: terminate called while not activated: %w", cause)
}

func (p *Processor) emit(e interceptor.Event) {
	e.ProcessorName = p.name
	p.interceptors.Emit(e)
}
