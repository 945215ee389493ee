// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package interceptor_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/krimson-go/krimson/interceptor"
	"github.com/stretchr/testify/assert"
)

func TestChain_PanickingInterceptorIsolated(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var calledAfterPanic bool
	panicker := interceptor.Func(func(interceptor.Event) {
		panic("boom")
	})
	after := interceptor.Func(func(interceptor.Event) {
		calledAfterPanic = true
	})

	chain := interceptor.New(log, panicker, after)

	assert.NotPanics(t, func() {
		chain.Emit(interceptor.Event{Kind: interceptor.ProcessorActivated})
	})
	assert.True(t, calledAfterPanic, "interceptor after a panicking one must still run")
}

// orderWriter records one "builtin" entry per log line the built-in
// logging interceptor writes.
type orderWriter struct {
	order *[]string
}

func (w orderWriter) Write(p []byte) (int, error) {
	*w.order = append(*w.order, "builtin")
	return len(p), nil
}

func TestChain_UserInterceptorsRunAfterBuiltins(t *testing.T) {
	var order []string
	log := slog.New(slog.NewTextHandler(orderWriter{order: &order}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	user := interceptor.Func(func(e interceptor.Event) {
		order = append(order, "user")
	})

	chain := interceptor.New(log, user)
	chain.Emit(interceptor.Event{Kind: interceptor.InputReady})

	assert.Equal(t, []string{"builtin", "user"}, order)
}

func TestChain_EmitsToAllInterceptorsInOrder(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var got []interceptor.Kind
	recorder := interceptor.Func(func(e interceptor.Event) {
		got = append(got, e.Kind)
	})

	chain := interceptor.New(log, recorder)
	chain.Emit(interceptor.Event{Kind: interceptor.InputReady})
	chain.Emit(interceptor.Event{Kind: interceptor.InputProcessed})

	assert.Equal(t, []interceptor.Kind{interceptor.InputReady, interceptor.InputProcessed}, got)
}
