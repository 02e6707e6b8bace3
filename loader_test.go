// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package esloader_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/v2/apmtest"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	esloader "github.com/elastic/go-esloader"
	"github.com/elastic/go-esloader/esloadertest"
)

func newTestLoader(t *testing.T, cfg esloader.Config) (*esloader.BulkLoader, *esloadertest.Server) {
	srv := esloadertest.NewServer(t)
	loader, err := esloader.New(srv.Client(t), cfg)
	require.NoError(t, err)
	return loader, srv
}

func testDataset(n int) esloader.Dataset {
	dataset := make(esloader.Dataset, 0, n)
	for i := 1; i <= n; i++ {
		dataset = append(dataset, esloader.Row{
			"SNo":  i,
			"name": fmt.Sprintf("name-%d", i),
			"rank": float64(i) / 2,
		})
	}
	return dataset
}

func TestNewInvalidCompressionLevel(t *testing.T) {
	srv := esloadertest.NewServer(t)
	_, err := esloader.New(srv.Client(t), esloader.Config{CompressionLevel: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected CompressionLevel in range [-1,9]")
}

func TestConnectBadCertPath(t *testing.T) {
	_, err := esloader.Connect(esloader.Config{
		CACertPath: filepath.Join(t.TempDir(), "missing.pem"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read CA certificate")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ELASTIC_ADDRESSES", "https://es1:9200, https://es2:9200")
	t.Setenv("ELASTIC_USERNAME", "")
	t.Setenv("ELASTIC_PASSWORD", "secret")
	t.Setenv("ELASTIC_CERT", "/etc/es/ca.pem")

	cfg := esloader.ConfigFromEnv()
	assert.Equal(t, []string{"https://es1:9200", "https://es2:9200"}, cfg.Addresses)
	assert.Equal(t, "elastic", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "/etc/es/ca.pem", cfg.CACertPath)
}

func TestCreateIndex(t *testing.T) {
	loader, srv := newTestLoader(t, esloader.Config{})
	ctx := context.Background()

	exists, err := loader.IndexExists(ctx, "currencies")
	require.NoError(t, err)
	assert.False(t, exists)

	mappings := esloader.Mapping{
		"properties": map[string]any{
			"SNo":  map[string]any{"type": "long"},
			"name": map[string]any{"type": "keyword"},
		},
	}
	require.NoError(t, loader.CreateIndex(ctx, "currencies", mappings))
	assert.True(t, srv.HasIndex("currencies"))

	exists, err = loader.IndexExists(ctx, "currencies")
	require.NoError(t, err)
	assert.True(t, exists)

	// Creating an index that already exists propagates the engine error.
	err = loader.CreateIndex(ctx, "currencies", mappings)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource_already_exists_exception")
}

func TestDeleteIndexDeclined(t *testing.T) {
	var out bytes.Buffer
	loader, srv := newTestLoader(t, esloader.Config{
		Confirmer: &esloader.StdinConfirmer{In: strings.NewReader("n\n"), Out: &out},
	})
	ctx := context.Background()
	require.NoError(t, loader.CreateIndex(ctx, "test", nil))

	deleted, err := loader.DeleteIndex(ctx, "test")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.True(t, srv.HasIndex("test"))
	assert.Equal(t, "WARNING: Being asked to delete test, is this correct? (y/n) ", out.String())
}

func TestDeleteIndexConfirmed(t *testing.T) {
	var out bytes.Buffer
	loader, srv := newTestLoader(t, esloader.Config{
		Confirmer: &esloader.StdinConfirmer{In: strings.NewReader("y\n"), Out: &out},
	})
	ctx := context.Background()
	require.NoError(t, loader.CreateIndex(ctx, "test", nil))

	deleted, err := loader.DeleteIndex(ctx, "test")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, srv.HasIndex("test"))
}

func TestDeleteIndexMissing(t *testing.T) {
	loader, _ := newTestLoader(t, esloader.Config{Confirmer: esloader.Force(true)})
	_, err := loader.DeleteIndex(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index_not_found_exception")
}

func TestBulkInsert(t *testing.T) {
	loader, srv := newTestLoader(t, esloader.Config{})
	ctx := context.Background()
	dataset := testDataset(1000)

	require.NoError(t, loader.BulkInsert(ctx, "test", dataset, "SNo"))

	docs := srv.Docs("test")
	require.Len(t, docs, len(dataset))
	require.Contains(t, docs, "42")

	var row esloader.Row
	require.NoError(t, json.Unmarshal(docs["42"], &row))
	assert.Equal(t, float64(42), row["SNo"])
	assert.Equal(t, "name-42", row["name"])
	assert.Equal(t, float64(21), row["rank"])

	require.NoError(t, loader.Refresh(ctx, "test"))
	count, err := loader.Count(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(len(dataset)), count)
}

func TestBulkInsertCompression(t *testing.T) {
	for _, tc := range []struct {
		Name             string
		CompressionLevel int
	}{
		{Name: "no_compression", CompressionLevel: 0},
		{Name: "default_compression", CompressionLevel: -1},
		{Name: "most_compression", CompressionLevel: 9},
		{Name: "speed_compression", CompressionLevel: 1},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			loader, srv := newTestLoader(t, esloader.Config{
				CompressionLevel: tc.CompressionLevel,
			})
			require.NoError(t, loader.BulkInsert(context.Background(), "test", testDataset(100), "SNo"))
			assert.Len(t, srv.Docs("test"), 100)
		})
	}
}

func TestBulkInsertDuplicateIDs(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	loader, srv := newTestLoader(t, esloader.Config{
		Logger:      zap.New(core),
		MaxRequests: 1,
	})
	dataset := esloader.Dataset{
		{"SNo": 1, "name": "a"},
		{"SNo": 1, "name": "b"},
		{"SNo": 2, "name": "c"},
	}

	require.NoError(t, loader.BulkInsert(context.Background(), "test", dataset, "SNo"))

	// The duplicate overwrote silently: fewer documents than rows.
	docs := srv.Docs("test")
	assert.Less(t, len(docs), len(dataset))
	var row esloader.Row
	require.NoError(t, json.Unmarshal(docs["1"], &row))
	assert.Equal(t, "b", row["name"])

	// The non-created status was reported, not raised.
	entries := observed.FilterMessageSnippet("failed to index documents").All()
	require.NotEmpty(t, entries)
}

func TestBulkInsertPartialFailureLogged(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	srv := esloadertest.NewServer(t)
	srv.HandleBulk(func(w http.ResponseWriter, r *http.Request) {
		_, metas, result := esloadertest.DecodeBulkRequest(r)
		for i, meta := range metas {
			if meta.ID != "2" {
				continue
			}
			item := result.Items[i][meta.Action]
			item.Status = http.StatusBadRequest
			item.Error.Type = "mapper_parsing_exception"
			item.Error.Reason = "for testing"
			result.Items[i][meta.Action] = item
			result.HasErrors = true
		}
		json.NewEncoder(w).Encode(result)
	})
	loader, err := esloader.New(srv.Client(t), esloader.Config{
		Logger:      zap.New(core),
		MaxRequests: 1,
	})
	require.NoError(t, err)

	err = loader.BulkInsert(context.Background(), "test", testDataset(3), "SNo")
	require.NoError(t, err)

	entries := observed.FilterMessageSnippet("failed to index documents").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "mapper_parsing_exception")
	assert.Contains(t, entries[0].Message, "for testing")
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusBadRequest), fields["status"])
	assert.Equal(t, int64(1), fields["documents"])
}

func TestBulkInsertRequestFailureTolerated(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	srv := esloadertest.NewServer(t)
	srv.HandleBulk(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "{}", http.StatusInternalServerError)
	})
	loader, err := esloader.New(srv.Client(t), esloader.Config{
		Logger:      zap.New(core),
		MaxRequests: 1,
	})
	require.NoError(t, err)

	// Request-level failures are logged and tolerated, like per-document
	// failures.
	err = loader.BulkInsert(context.Background(), "test", testDataset(10), "SNo")
	require.NoError(t, err)
	require.NotEmpty(t, observed.FilterMessageSnippet("bulk insert request failed").All())
}

func TestBulkInsertContextCancelled(t *testing.T) {
	loader, _ := newTestLoader(t, esloader.Config{DocumentBufferSize: 1, MaxRequests: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := loader.BulkInsert(ctx, "test", testDataset(10000), "SNo")
	require.ErrorIs(t, err, context.Canceled)
}

func TestBulkInsertMissingIndex(t *testing.T) {
	loader, _ := newTestLoader(t, esloader.Config{})
	err := loader.BulkInsert(context.Background(), "", testDataset(1), "SNo")
	require.EqualError(t, err, "missing index name")
}

func TestBulkInsertTracing(t *testing.T) {
	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()

	loader, _ := newTestLoader(t, esloader.Config{
		Tracer:      tracer.Tracer,
		MaxRequests: 1,
	})
	require.NoError(t, loader.BulkInsert(context.Background(), "test", testDataset(10), "SNo"))

	tracer.Flush(nil)
	payloads := tracer.Payloads()
	require.NotEmpty(t, payloads.Transactions)
	assert.Equal(t, "esloader.flush", payloads.Transactions[0].Name)
	assert.Equal(t, "output", payloads.Transactions[0].Type)
}

func TestBulkInsertMetrics(t *testing.T) {
	rdr := sdkmetric.NewManualReader(sdkmetric.WithTemporalitySelector(
		func(ik sdkmetric.InstrumentKind) metricdata.Temporality {
			return metricdata.DeltaTemporality
		},
	))
	loader, _ := newTestLoader(t, esloader.Config{
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
		MaxRequests:   1,
	})

	require.NoError(t, loader.BulkInsert(context.Background(), "test", testDataset(10), "SNo"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)

	assert.Equal(t, int64(10), counterValue(t, rm, "elasticsearch.documents.count", attribute.Set{}))
	assert.Equal(t, int64(10), counterValue(t, rm, "elasticsearch.documents.processed",
		attribute.NewSet(attribute.String("status", "Success"))))
	assert.Equal(t, int64(1), counterValue(t, rm, "elasticsearch.bulk_requests.count", attribute.Set{}))
}

// counterValue returns the summed datapoints of the named Int64 counter
// whose attributes contain attrs.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs attribute.Set) int64 {
	t.Helper()
	var total int64
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				matches := true
				for _, kv := range attrs.ToSlice() {
					if v, ok := dp.Attributes.Value(kv.Key); !ok || v != kv.Value {
						matches = false
						break
					}
				}
				if matches {
					total += dp.Value
					found = true
				}
			}
		}
	}
	require.True(t, found, "metric %s not found", name)
	return total
}
