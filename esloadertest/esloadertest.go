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

// Package esloadertest provides test doubles for esloader: an in-memory
// fake Elasticsearch covering the bulk insert and index management APIs,
// and helpers for decoding /_bulk request bodies.
package esloadertest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// BulkMeta holds the decoded action line of one bulk request item.
type BulkMeta struct {
	Action string
	Index  string
	ID     string
}

// Server is a fake Elasticsearch server backed by an in-memory document
// store. It handles /_bulk, index create/exists/delete, _refresh and
// _count. All responses carry the product header expected by the v8 client.
type Server struct {
	srv *httptest.Server

	mu      sync.Mutex
	indices map[string]map[string]json.RawMessage
	autoID  int
	bulk    http.HandlerFunc
}

// NewServer starts a fake Elasticsearch server, closed via t.Cleanup.
func NewServer(t testing.TB) *Server {
	s := &Server{indices: make(map[string]map[string]json.RawMessage)}
	mux := http.NewServeMux()
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		bulk := s.bulk
		s.mu.Unlock()
		if bulk != nil {
			bulk.ServeHTTP(w, r)
			return
		}
		s.handleBulk(w, r)
	})
	mux.HandleFunc("/", s.handleIndex)
	s.srv = httptest.NewServer(productHeaderHandler{mux})
	t.Cleanup(s.srv.Close)
	return s
}

type productHeaderHandler struct {
	next http.Handler
}

func (h productHeaderHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	h.next.ServeHTTP(w, r)
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// Client returns an elasticsearch.Client pointed at the fake server.
func (s *Server) Client(t testing.TB) *elasticsearch.Client {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{s.srv.URL},
		DisableRetry: true,
		Transport:    apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	require.NoError(t, err)
	return client
}

// HandleBulk overrides the default /_bulk behaviour with bulkHandler.
// Passing nil restores the default in-memory store.
func (s *Server) HandleBulk(bulkHandler http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulk = bulkHandler
}

// HasIndex reports whether the named index exists in the store.
func (s *Server) HasIndex(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.indices[name]
	return ok
}

// Docs returns a copy of the stored documents for the named index, keyed by
// document ID.
func (s *Server) Docs(index string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make(map[string]json.RawMessage, len(s.indices[index]))
	for id, doc := range s.indices[index] {
		docs[id] = doc
	}
	return docs
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	docs, metas, result := DecodeBulkRequest(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, meta := range metas {
		index := s.indices[meta.Index]
		if index == nil {
			// Indices are created on demand on the first write, as
			// Elasticsearch does by default.
			index = make(map[string]json.RawMessage)
			s.indices[meta.Index] = index
		}
		id := meta.ID
		if id == "" {
			s.autoID++
			id = "auto-" + strconv.Itoa(s.autoID)
		}
		_, exists := index[id]
		index[id] = docs[i]

		item := result.Items[i][meta.Action]
		item.DocumentID = id
		item.Index = meta.Index
		if exists {
			// Overwrite of an existing ID is acknowledged with 200 rather
			// than 201 created.
			item.Status = http.StatusOK
		}
		result.Items[i][meta.Action] = item
	}
	json.NewEncoder(w).Encode(result)
}

// handleIndex covers the index management endpoints: HEAD/PUT/DELETE
// /{index}, POST /{index}/_refresh and /{index}/_count.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	name := parts[0]
	if name == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.indices[name]

	if len(parts) == 2 {
		switch parts[1] {
		case "_refresh":
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"_shards":{"total":1,"successful":1,"failed":0}}`)
		case "_count":
			if !exists {
				writeError(w, http.StatusNotFound, "index_not_found_exception", name)
				return
			}
			fmt.Fprintf(w, `{"count":%d}`, len(s.indices[name]))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
		return
	}

	switch r.Method {
	case http.MethodHead:
		if exists {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodPut:
		if exists {
			writeError(w, http.StatusBadRequest, "resource_already_exists_exception", name)
			return
		}
		s.indices[name] = make(map[string]json.RawMessage)
		fmt.Fprintf(w, `{"acknowledged":true,"index":%q}`, name)
	case http.MethodDelete:
		if !exists {
			writeError(w, http.StatusNotFound, "index_not_found_exception", name)
			return
		}
		delete(s.indices, name)
		fmt.Fprint(w, `{"acknowledged":true}`)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeError(w http.ResponseWriter, status int, errType, index string) {
	w.WriteHeader(status)
	fmt.Fprintf(w,
		`{"error":{"type":%q,"reason":"index %s","index":%q},"status":%d}`,
		errType, index, index, status,
	)
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// documents, their action metadata and an all-created response body.
func DecodeBulkRequest(r *http.Request) ([][]byte, []BulkMeta, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	var docs [][]byte
	var metas []BulkMeta
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		action := make(map[string]struct {
			Index string `json:"_index"`
			ID    string `json:"_id"`
		})
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil {
			panic(err)
		}
		var meta BulkMeta
		for actionType, fields := range action {
			meta = BulkMeta{Action: actionType, Index: fields.Index, ID: fields.ID}
		}
		if !scanner.Scan() {
			panic("expected source")
		}

		doc := append([]byte{}, scanner.Bytes()...)
		if !json.Valid(doc) {
			panic(fmt.Errorf("invalid JSON: %s", doc))
		}
		docs = append(docs, doc)
		metas = append(metas, meta)

		item := esutil.BulkIndexerResponseItem{Status: http.StatusCreated}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{meta.Action: item})
	}
	return docs, metas, result
}
