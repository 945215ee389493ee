// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package interceptor

import (
	"fmt"
	"log/slog"
)

// Interceptor observes lifecycle [Event]s. Implementations must not
// block for long or panic; the [Chain] isolates panics but a slow
// interceptor still delays every interceptor after it in the chain.
type Interceptor interface {
	Intercept(Event)
}

// Func adapts a plain function to an [Interceptor].
type Func func(Event)

// Intercept implements [Interceptor].
func (f Func) Intercept(e Event) { f(e) }

// Chain is an ordered, immutable sequence of interceptors. It is safe
// for concurrent use by multiple goroutines once constructed; nothing
// mutates a Chain after [New] returns.
type Chain struct {
	log          *slog.Logger
	interceptors []Interceptor
}

// New builds a fixed interceptor chain for one processor or connector.
// Two built-ins are prepended ahead of every user-supplied interceptor,
// in this order: a structured [slog] logger and a broker-client log
// adapter that re-homes ConsumerLog/ConsumerError events under a
// dedicated logger name. User interceptors never run before either.
func New(log *slog.Logger, user ...Interceptor) *Chain {
	interceptors := make([]Interceptor, 0, len(user)+2)
	interceptors = append(interceptors, loggingInterceptor{log: log})
	interceptors = append(interceptors, brokerClientLogAdapter{log: log.With(slog.String("component", "broker_client"))})
	interceptors = append(interceptors, user...)

	return &Chain{
		log:          log,
		interceptors: interceptors,
	}
}

// Emit fans e out to every interceptor in declaration order. An
// interceptor that panics is logged and skipped; it never prevents the
// remaining interceptors from running, and it never propagates back into
// the caller.
func (c *Chain) Emit(e Event) {
	for _, ic := range c.interceptors {
		c.safeIntercept(ic, e)
	}
}

func (c *Chain) safeIntercept(ic Interceptor, e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(
				"interceptor panicked while handling event",
				slog.String("event_kind", e.Kind.String()),
				slog.Any("panic", r),
			)
		}
	}()
	ic.Intercept(e)
}

// loggingInterceptor logs every event at a level appropriate to its
// kind. It never returns an error to the pipeline; logging failures are
// simply swallowed by the underlying handler, matching slog's own
// contract.
type loggingInterceptor struct {
	log *slog.Logger
}

func (l loggingInterceptor) Intercept(e Event) {
	attrs := []any{slog.String("processor", e.ProcessorName)}
	if e.Record != nil {
		attrs = append(attrs,
			slog.String("topic", e.Record.Position.Topic),
			slog.Int64("partition", int64(e.Record.Position.Partition)),
			slog.Int64("offset", e.Record.Position.Offset),
		)
	}

	switch e.Kind {
	case InputError, ProcessorTerminatedUserHandlingError:
		l.log.Error(e.Kind.String(), append(attrs, slog.Any("error", e.Err))...)
	case ProcessorTerminated:
		if e.Err != nil {
			l.log.Error(e.Kind.String(), append(attrs, slog.Any("error", e.Err), slog.Any("gaps", e.Gaps))...)
			return
		}
		l.log.Info(e.Kind.String(), append(attrs, slog.Any("gaps", e.Gaps))...)
	case ConsumerError:
		l.log.Error(e.Kind.String(), append(attrs, slog.Any("error", e.Err))...)
	case PartitionsAssigned, PartitionsRevoked, PartitionsLost:
		l.log.Info(e.Kind.String(), append(attrs, slog.Any("partitions", e.Partitions))...)
	default:
		l.log.Debug(e.Kind.String(), attrs...)
	}
}

// brokerClientLogAdapter re-homes the broker client's own log/error
// callbacks (surfaced to the pipeline as ConsumerLog/ConsumerError
// events) under a distinct logger, so operators can filter broker
// chatter independently of application-level events.
type brokerClientLogAdapter struct {
	log *slog.Logger
}

func (b brokerClientLogAdapter) Intercept(e Event) {
	switch e.Kind {
	case ConsumerLog:
		b.log.Debug(e.Message)
	case ConsumerError:
		b.log.Error(fmt.Sprintf("broker client error: %v", e.Err))
	}
}
