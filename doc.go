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

// Package esloader provides an API for loading tabular datasets into
// Elasticsearch.
//
// This package intentionally covers a narrow slice of the Elasticsearch
// surface: creating an index with fixed shard and replica settings, checking
// whether an index exists, deleting an index behind a confirmation gate, and
// bulk-inserting the rows of an in-memory dataset as documents. It is not a
// general purpose indexing client; per-document failures during a bulk
// insert are logged and tolerated rather than returned to the caller.
package esloader
