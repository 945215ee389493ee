// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package kgoclient adapts github.com/twmb/franz-go to the
// [github.com/krimson-go/krimson/brokerclient] interfaces. It is the one
// concrete broker client Krimson ships; tracing and metrics are wired
// through kotel, internal client logging through kslog, and topic and
// watermark metadata queries through kadm.
package kgoclient
