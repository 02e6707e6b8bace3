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
	"encoding/json"
	"fmt"
	"strconv"
)

// Row is a single record of a tabular dataset, mapping field names to
// scalar or nested values. One field, chosen per BulkInsert call, acts as
// the unique document identifier.
type Row map[string]any

// Dataset is an ordered sequence of rows sharing a common identifier field.
type Dataset []Row

// Mapping holds an index schema, mapping field names to Elasticsearch type
// descriptors. It is embedded verbatim under "mappings" in the index create
// request.
type Mapping map[string]any

// Document is one record prepared for indexing: the target index, the
// stringified identifier, and the full row as the document body.
type Document struct {
	Index string
	ID    string
	Body  Row
}

// DocumentIterator lazily yields one Document per dataset row, in dataset
// order. The sequence is finite and single pass; restart it by calling
// GenerateDocuments again with the same dataset. It performs no I/O.
type DocumentIterator struct {
	index   string
	idField string
	rows    Dataset
	pos     int
}

// GenerateDocuments returns an iterator over the dataset, deriving each
// document's ID from the string form of the row's idField value and storing
// the full row as the document body.
func GenerateDocuments(index string, dataset Dataset, idField string) *DocumentIterator {
	return &DocumentIterator{index: index, idField: idField, rows: dataset}
}

// Len returns the total number of documents the iterator yields.
func (it *DocumentIterator) Len() int {
	return len(it.rows)
}

// Next returns the next document. It returns false after the last row.
func (it *DocumentIterator) Next() (Document, bool) {
	if it.pos >= len(it.rows) {
		return Document{}, false
	}
	row := it.rows[it.pos]
	it.pos++
	doc := Document{Index: it.index, Body: row}
	if v, ok := row[it.idField]; ok {
		doc.ID = formatID(v)
	}
	return doc, true
}

// formatID renders an identifier field value as a document ID. Integers and
// integral floats render without a fractional part so that a row decoded
// from JSON (where numbers arrive as float64) produces the same ID as one
// built from native integers.
func formatID(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
