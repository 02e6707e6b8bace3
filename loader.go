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

package esloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errMissingIndex = errors.New("missing index name")

// BulkLoader loads tabular datasets into Elasticsearch and manages the
// indices they are loaded into. The underlying client session lives for the
// lifetime of the BulkLoader.
//
// BulkInsert fans documents out over up to Config.MaxRequests concurrent
// bulk requests. Per-document failures are logged and tolerated; the call
// returns once every bulk request has been acknowledged or failed.
type BulkLoader struct {
	config  Config
	client  *elasticsearch.Client
	metrics metrics
}

// New returns a new BulkLoader that issues requests through client.
func New(client *elasticsearch.Client, cfg Config) (*BulkLoader, error) {
	cfg = DefaultConfig(cfg)
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	return &BulkLoader{
		config:  cfg,
		client:  client,
		metrics: ms,
	}, nil
}

// Connect builds an Elasticsearch client from cfg and returns a BulkLoader
// using it. The CA certificate, if configured, is read at this point; a read
// or client construction failure propagates immediately, there is no retry.
func Connect(cfg Config) (*BulkLoader, error) {
	cfg = DefaultConfig(cfg)
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.CACertPath != "" {
		cert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		esCfg.CACert = cert
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return New(client, cfg)
}

type indexSettings struct {
	NumberOfShards   int `json:"number_of_shards"`
	NumberOfReplicas int `json:"number_of_replicas"`
}

type createIndexBody struct {
	Settings indexSettings `json:"settings"`
	Mappings Mapping       `json:"mappings"`
}

// CreateIndex creates an index with one shard, one replica and the supplied
// mappings. It fails if the index already exists; callers wanting
// create-if-absent semantics should check IndexExists first.
func (l *BulkLoader) CreateIndex(ctx context.Context, name string, mappings Mapping) error {
	if name == "" {
		return errMissingIndex
	}
	body, err := jsoniter.Marshal(createIndexBody{
		Settings: indexSettings{NumberOfShards: 1, NumberOfReplicas: 1},
		Mappings: mappings,
	})
	if err != nil {
		return fmt.Errorf("failed to encode index settings: %w", err)
	}
	req := esapi.IndicesCreateRequest{Index: name, Body: bytes.NewReader(body)}
	res, err := req.Do(ctx, l.client)
	if err != nil {
		return fmt.Errorf("failed to create index %q: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to create index %q: %s", name, res.String())
	}
	l.config.Logger.Info("index created", zap.String("index", name))
	return nil
}

// IndexExists reports whether the named index exists. It has no side
// effects.
func (l *BulkLoader) IndexExists(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, errMissingIndex
	}
	req := esapi.IndicesExistsRequest{Index: []string{name}}
	res, err := req.Do(ctx, l.client)
	if err != nil {
		return false, fmt.Errorf("failed to check index %q: %w", name, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200:
		return true, nil
	case 404:
		return false, nil
	}
	return false, fmt.Errorf("failed to check index %q: %s", name, res.String())
}

// DeleteIndex deletes the named index after asking the configured Confirmer.
// It returns false and deletes nothing if the operator declines; declining
// is not an error.
func (l *BulkLoader) DeleteIndex(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, errMissingIndex
	}
	prompt := fmt.Sprintf("WARNING: Being asked to delete %s, is this correct? (y/n) ", name)
	if !l.config.Confirmer.Confirm(prompt) {
		l.config.Logger.Info("interrupted index deletion", zap.String("index", name))
		return false, nil
	}
	req := esapi.IndicesDeleteRequest{Index: []string{name}}
	res, err := req.Do(ctx, l.client)
	if err != nil {
		return false, fmt.Errorf("failed to delete index %q: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return false, fmt.Errorf("failed to delete index %q: %s", name, res.String())
	}
	l.config.Logger.Info("index deleted", zap.String("index", name))
	return true, nil
}

// Refresh forces a refresh of the named index so freshly inserted documents
// become searchable.
func (l *BulkLoader) Refresh(ctx context.Context, name string) error {
	if name == "" {
		return errMissingIndex
	}
	req := esapi.IndicesRefreshRequest{Index: []string{name}}
	res, err := req.Do(ctx, l.client)
	if err != nil {
		return fmt.Errorf("failed to refresh index %q: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to refresh index %q: %s", name, res.String())
	}
	return nil
}

// Count returns the number of documents in the named index.
func (l *BulkLoader) Count(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, errMissingIndex
	}
	req := esapi.CountRequest{Index: []string{name}}
	res, err := req.Do(ctx, l.client)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents in %q: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("failed to count documents in %q: %s", name, res.String())
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("error decoding count response: %w", err)
	}
	return out.Count, nil
}

// BulkInsert converts each dataset row into a document, using idField as the
// document identifier, and submits the documents to the named index over
// concurrent bulk requests.
//
// Rows sharing an identifier value overwrite each other; the loader does not
// validate uniqueness. Per-document failures are logged at error level and
// do not abort sibling requests, nor are they returned to the caller.
// BulkInsert returns once all bulk requests have been acknowledged or
// failed; the only errors returned are context cancellation and a failure
// to construct the request encoders.
func (l *BulkLoader) BulkInsert(ctx context.Context, index string, dataset Dataset, idField string) error {
	if index == "" {
		return errMissingIndex
	}

	docs := make(chan Document, l.config.DocumentBufferSize)
	attrs := metric.WithAttributeSet(l.config.MetricAttributes)

	var g errgroup.Group
	for i := 0; i < l.config.MaxRequests; i++ {
		g.Go(func() error {
			indexer, err := newBulkIndexer(bulkIndexerConfig{
				Client:           l.client,
				CompressionLevel: l.config.CompressionLevel,
			})
			if err != nil {
				return err
			}
			for doc := range docs {
				if err := indexer.Add(doc); err != nil {
					l.config.Logger.Error("failed to add document to bulk request",
						zap.String("document_id", doc.ID), zap.Error(err))
					continue
				}
				if indexer.Len() >= l.config.FlushBytes {
					if err := l.flush(ctx, indexer); err != nil {
						return err
					}
				}
			}
			return l.flush(ctx, indexer)
		})
	}

	it := GenerateDocuments(index, dataset, idField)
	var feedErr error
feed:
	for {
		doc, ok := it.Next()
		if !ok {
			break
		}
		select {
		case docs <- doc:
			l.metrics.docsAdded.Add(context.Background(), 1, attrs)
		case <-ctx.Done():
			feedErr = ctx.Err()
			break feed
		}
	}
	close(docs)

	if err := g.Wait(); err != nil {
		return err
	}
	return feedErr
}

// flush sends the buffered bulk request and reports the outcome. Request
// failures and per-document failures are logged, not returned; only context
// cancellation propagates so sibling requests keep going.
func (l *BulkLoader) flush(ctx context.Context, indexer *bulkIndexer) error {
	n := indexer.Items()
	if n == 0 {
		return nil
	}

	logger := l.config.Logger
	if l.tracingEnabled() {
		tx := l.config.Tracer.StartTransaction("esloader.flush", "output")
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	attrs := metric.WithAttributeSet(l.config.MetricAttributes)
	var stat bulkIndexerResponseStat
	var err error
	took := timeFunc(func() {
		stat, err = indexer.Flush(ctx)
	})
	l.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	l.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	if err != nil {
		logger.Error("bulk insert request failed", zap.Error(err))
		if l.tracingEnabled() {
			apm.CaptureError(ctx, err).Send()
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}

	docsFailed := int64(len(stat.FailedDocs))
	if docsFailed > 0 {
		failedCount := make(map[bulkIndexerResponseItem]int, len(stat.FailedDocs))
		for _, item := range stat.FailedDocs {
			item.Position = 0 // reset position so that the response item can be used as key in the map
			failedCount[item]++
		}
		for key, count := range failedCount {
			logger.Error(fmt.Sprintf("failed to index documents in %q (%s): %s",
				key.Index, key.Error.Type, key.Error.Reason,
			), zap.Int("status", key.Status), zap.Int("documents", count))
		}
		l.metrics.docsIndexed.Add(context.Background(), docsFailed, attrs,
			metric.WithAttributes(attribute.String("status", "Failed")))
	}
	if stat.Indexed > 0 {
		l.metrics.docsIndexed.Add(context.Background(), stat.Indexed, attrs,
			metric.WithAttributes(attribute.String("status", "Success")))
	}
	logger.Debug("bulk request completed",
		zap.Int64("docs_indexed", stat.Indexed),
		zap.Int64("docs_failed", docsFailed),
		zap.Int("bytes_flushed", indexer.BytesFlushed()),
	)
	return nil
}

func (l *BulkLoader) tracingEnabled() bool {
	return l.config.Tracer != nil
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
