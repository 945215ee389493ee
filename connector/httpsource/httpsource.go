// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package httpsource provides a batteries-included [connector.SourceRecord]
// origin for REST/JSON APIs: issue a GET, decode a JSON array body, and
// map each element through a caller-supplied function. Pass an
// [*http.Client] built with otelhttp.NewTransport for traced outbound
// calls; httpsource never constructs its own transport.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/krimson-go/krimson/connector"
	"github.com/krimson-go/krimson/internal/try"
)

// MapFunc converts one element of the response body's JSON array into a
// SourceRecord.
type MapFunc func(json.RawMessage) (*connector.SourceRecord, error)

// Source polls a single URL and decodes its body as a JSON array.
type Source struct {
	log    *slog.Logger
	client *http.Client
	url    string
	mapFn  MapFunc
}

// New builds a Source that GETs url through client and maps each element
// of the decoded JSON array through mapFn.
func New(client *http.Client, url string, mapFn MapFunc) *Source {
	return &Source{log: logger(), client: client, url: url, mapFn: mapFn}
}

// ParseRecords fetches and maps the current batch. It has the shape
// [connector.ParseRecordsFunc] expects modulo the tick context
// parameter; wrap it in a closure that ignores or forwards TContext,
// e.g. func(ctx context.Context, _ struct{}) ([]*connector.SourceRecord, error) { return src.ParseRecords(ctx) }.
func (s *Source) ParseRecords(ctx context.Context) (records []*connector.SourceRecord, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("httpsource: failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpsource: request failed: %w", err)
	}
	defer try.Close(&err, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpsource: unexpected status %s", resp.Status)
	}

	var elements []json.RawMessage
	if decodeErr := json.NewDecoder(resp.Body).Decode(&elements); decodeErr != nil {
		return nil, fmt.Errorf("httpsource: failed to decode response body: %w", decodeErr)
	}

	records = make([]*connector.SourceRecord, 0, len(elements))
	for i, el := range elements {
		rec, mapErr := s.mapFn(el)
		if mapErr != nil {
			return nil, fmt.Errorf("httpsource: failed to map element %d: %w", i, mapErr)
		}
		records = append(records, rec)
	}

	s.log.DebugContext(ctx, "polled source", slog.String("url", s.url), slog.Int("records", len(records)))
	return records, nil
}
