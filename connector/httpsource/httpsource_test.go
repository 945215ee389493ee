// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package httpsource_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/krimson-go/krimson/connector"
	"github.com/krimson-go/krimson/connector/httpsource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type meterReading struct {
	ID        string    `json:"id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func TestSource_ParseRecords_MapsEachElement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]meterReading{
			{ID: "m-1", Value: 1.5, Timestamp: time.UnixMilli(100)},
			{ID: "m-2", Value: 2.5, Timestamp: time.UnixMilli(200)},
		})
	}))
	defer srv.Close()

	src := httpsource.New(srv.Client(), srv.URL, func(raw json.RawMessage) (*connector.SourceRecord, error) {
		var reading meterReading
		if err := json.Unmarshal(raw, &reading); err != nil {
			return nil, err
		}
		rec := connector.NewSourceRecord(reading.Value, reading.Timestamp)
		rec.RequestID = reading.ID
		return rec, nil
	})

	records, err := src.ParseRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "m-1", records[0].RequestID)
	assert.Equal(t, "m-2", records[1].RequestID)
}

func TestSource_ParseRecords_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := httpsource.New(srv.Client(), srv.URL, func(raw json.RawMessage) (*connector.SourceRecord, error) {
		t.Fatal("mapFn should not be called for a failed response")
		return nil, nil
	})

	_, err := src.ParseRecords(context.Background())
	assert.Error(t, err)
}

func TestSource_ParseRecords_MapErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]json.RawMessage{[]byte(`{}`)})
	}))
	defer srv.Close()

	wantErr := assert.AnError
	src := httpsource.New(srv.Client(), srv.URL, func(raw json.RawMessage) (*connector.SourceRecord, error) {
		return nil, wantErr
	})

	_, err := src.ParseRecords(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}
