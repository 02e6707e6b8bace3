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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Confirmer decides whether a destructive operation may proceed. It receives
// the full prompt text and returns true to confirm.
type Confirmer interface {
	Confirm(prompt string) bool
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(prompt string) bool

// Confirm calls f(prompt).
func (f ConfirmerFunc) Confirm(prompt string) bool {
	return f(prompt)
}

// Force returns a Confirmer with a fixed answer, for non-interactive use.
func Force(confirmed bool) Confirmer {
	return ConfirmerFunc(func(string) bool { return confirmed })
}

// StdinConfirmer prompts the operator and blocks until a line of input is
// read. Any answer other than a literal "n" (case-insensitive) confirms.
// In and Out default to os.Stdin and os.Stdout.
type StdinConfirmer struct {
	In  io.Reader
	Out io.Writer
}

// Confirm writes prompt to Out and reads one line from In. A read failure
// before any input counts as a decline.
func (c *StdinConfirmer) Confirm(prompt string) bool {
	in := c.In
	if in == nil {
		in = os.Stdin
	}
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprint(out, prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(answer), "n")
}
