// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package router implements the processor's record dispatch table: an
// ordered list of predicates paired with handlers. A record is routed to
// the first handler whose predicate matches; the handler's outputs are
// collected onto a per-record [Context].
package router

import (
	"bytes"
	"context"
	"sync"

	"github.com/krimson-go/krimson/record"
)

// Context carries a single record through its handler and accumulates
// the output requests the handler wants produced.
type Context struct {
	ctx     context.Context
	Record  record.Record
	outputs []record.ProducerRequest
}

// Ctx returns the record's processing context.
func (c *Context) Ctx() context.Context { return c.ctx }

// Emit appends req to this record's generated output.
func (c *Context) Emit(req record.ProducerRequest) {
	c.outputs = append(c.outputs, req)
}

// GeneratedOutput returns every request emitted by the handler so far.
func (c *Context) GeneratedOutput() []record.ProducerRequest {
	return c.outputs
}

// Handler processes one routed record, emitting zero or more outputs
// onto ctx.
type Handler interface {
	Handle(ctx *Context) error
}

// HandlerFunc adapts a plain function to a [Handler].
type HandlerFunc func(ctx *Context) error

// Handle implements [Handler].
func (f HandlerFunc) Handle(ctx *Context) error { return f(ctx) }

// Predicate reports whether a record should be routed to the paired
// handler.
type Predicate func(record.Record) bool

type route struct {
	predicate Predicate
	handler   Handler
}

// Router is an ordered predicate/handler dispatch table. The first
// matching route wins; routes are tried in registration order.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

// New returns an empty Router.
func New() *Router {
	return &Router{}
}

// Route registers handler for records matching predicate.
func (r *Router) Route(predicate Predicate, handler Handler) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{predicate: predicate, handler: handler})
	return r
}

// RouteTopic registers handler for records from topic.
func (r *Router) RouteTopic(topic string, handler Handler) *Router {
	return r.Route(func(rec record.Record) bool { return rec.Position.Topic == topic }, handler)
}

// RouteKey registers handler for records with an exact key match.
func (r *Router) RouteKey(key []byte, handler Handler) *Router {
	return r.Route(func(rec record.Record) bool { return bytes.Equal(rec.Key, key) }, handler)
}

// CanRoute reports whether any registered route matches rec.
func (r *Router) CanRoute(rec record.Record) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rt := range r.routes {
		if rt.predicate(rec) {
			return true
		}
	}
	return false
}

// Process dispatches rec to its first matching route's handler and
// returns the outputs it generated.
func (r *Router) Process(ctx context.Context, rec record.Record) ([]record.ProducerRequest, error) {
	r.mu.RLock()
	routes := r.routes
	r.mu.RUnlock()

	rc := &Context{ctx: ctx, Record: rec}
	for _, rt := range routes {
		if !rt.predicate(rec) {
			continue
		}
		err := rt.handler.Handle(rc)
		return rc.outputs, err
	}
	return nil, nil
}
