// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kgoclient

import (
	"crypto/tls"
	"time"

	"github.com/krimson-go/krimson/brokerclient"
	"github.com/twmb/franz-go/pkg/kgo"
)

type options struct {
	groupID              string
	sessionTimeout       time.Duration
	rebalanceTimeout     time.Duration
	fetchMaxBytes        int32
	maxConcurrentFetches int
	tlsConfig            *tls.Config
	rebalance            brokerclient.RebalanceCallbacks
	log                  brokerclient.LogCallbacks
	extra                []kgo.Opt
}

func defaultOptions() *options {
	return &options{
		sessionTimeout:       45 * time.Second,
		rebalanceTimeout:     30 * time.Second,
		fetchMaxBytes:        50 * 1024 * 1024,
		maxConcurrentFetches: 0,
	}
}

// Option configures a [Consumer] or [Producer].
type Option func(*options)

// SessionTimeout sets the consumer group session timeout. Defaults to 45s.
func SessionTimeout(d time.Duration) Option {
	return func(o *options) { o.sessionTimeout = d }
}

// RebalanceTimeout sets the consumer group rebalance timeout. Defaults to 30s.
func RebalanceTimeout(d time.Duration) Option {
	return func(o *options) { o.rebalanceTimeout = d }
}

// FetchMaxBytes sets the maximum bytes to buffer from fetch responses
// across all partitions. Defaults to 50MB.
func FetchMaxBytes(n int32) Option {
	return func(o *options) { o.fetchMaxBytes = n }
}

// MaxConcurrentFetches bounds the number of concurrent fetch requests.
// Zero, the default, is unlimited.
func MaxConcurrentFetches(n int) Option {
	return func(o *options) { o.maxConcurrentFetches = n }
}

// TLS enables TLS using cfg when dialing brokers.
func TLS(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// OnRebalance registers callbacks invoked as the consumer group's
// partition assignment changes.
func OnRebalance(cb brokerclient.RebalanceCallbacks) Option {
	return func(o *options) { o.rebalance = cb }
}

// OnLog registers callbacks for the underlying client's internal log
// lines and asynchronous errors.
func OnLog(cb brokerclient.LogCallbacks) Option {
	return func(o *options) { o.log = cb }
}

// ClientOptions appends raw kgo.Opt values, for settings this package
// does not expose directly.
func ClientOptions(opts ...kgo.Opt) Option {
	return func(o *options) { o.extra = append(o.extra, opts...) }
}
