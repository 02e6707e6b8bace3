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
	"os"
	"strings"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config holds configuration for BulkLoader.
type Config struct {
	// Addresses holds the Elasticsearch endpoint URLs.
	//
	// If Addresses is empty, https://localhost:9200 will be used.
	Addresses []string

	// Username and Password hold the basic auth credentials.
	Username string
	Password string

	// CACertPath holds the path of the PEM-encoded CA certificate used to
	// verify the server's TLS certificate. If empty, the system cert pool
	// is used.
	CACertPath string

	// Logger holds an optional Logger to use for logging index operations
	// and bulk insert failures.
	//
	// All per-document indexing failures will be logged at error level, so
	// when the loader is used for high throughput loading it is recommended
	// that a rate-limited logger is used.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// MaxRequests holds the maximum number of bulk insert requests to execute
	// concurrently during BulkInsert.
	//
	// If MaxRequests is less than or equal to zero, the default of 4 will be used.
	MaxRequests int

	// FlushBytes holds the flush threshold in bytes. If Compression is enabled,
	// the number of documents that can be buffered will be greater.
	//
	// If FlushBytes is zero, the default of 1MB will be used.
	FlushBytes int

	// DocumentBufferSize sets the number of documents that can be buffered
	// between the dataset iterator and the bulk insert workers.
	//
	// If DocumentBufferSize is zero, the default 1024 will be used.
	DocumentBufferSize int

	// Confirmer decides whether DeleteIndex may proceed.
	//
	// If Confirmer is nil, an interactive StdinConfirmer will be used.
	Confirmer Confirmer

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record loader metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

// DefaultConfig returns cfg with default values filled in.
func DefaultConfig(cfg Config) Config {
	if len(cfg.Addresses) == 0 {
		cfg.Addresses = []string{"https://localhost:9200"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 4
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = 1 << 20
	}
	if cfg.DocumentBufferSize <= 0 {
		cfg.DocumentBufferSize = 1024
	}
	if cfg.Confirmer == nil {
		cfg.Confirmer = &StdinConfirmer{}
	}
	return cfg
}

// ConfigFromEnv returns a Config populated from the process environment:
// ELASTIC_ADDRESSES (comma separated), ELASTIC_USERNAME, ELASTIC_PASSWORD
// and ELASTIC_CERT.
func ConfigFromEnv() Config {
	var cfg Config
	if addrs := os.Getenv("ELASTIC_ADDRESSES"); addrs != "" {
		for _, addr := range strings.Split(addrs, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Addresses = append(cfg.Addresses, addr)
			}
		}
	}
	cfg.Username = getEnv("ELASTIC_USERNAME", "elastic")
	cfg.Password = os.Getenv("ELASTIC_PASSWORD")
	cfg.CACertPath = os.Getenv("ELASTIC_CERT")
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
