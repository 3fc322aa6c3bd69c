/*
Copyright 2026 The Demokeep Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package statefile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// flushInterval is how long Set defers disk writes. Message replay
// advances the savepoint once per message; flushing every time would
// be an fsync per message.
const flushInterval = time.Second

// A Savepoint tracks the largest fully processed message id of one
// channel. The value is stored as a single decimal integer in a text
// file, or the literal string "None" when no message has been
// processed yet (a format shared with earlier deployments).
//
// Writes are throttled: Set updates the in-memory value immediately
// but only hits the disk if flushInterval has elapsed since the last
// flush. Close forces a final flush.
type Savepoint struct {
	path      string
	value     uint64
	ok        bool
	lastFlush time.Time

	now func() time.Time // for tests
}

// OpenSavepoint loads the savepoint at path, which need not exist yet.
func OpenSavepoint(path string) (*Savepoint, error) {
	sp := &Savepoint{path: path, now: time.Now}
	sp.lastFlush = sp.now()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return sp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("savepoint: reading %s: %w", path, err)
	}
	s := strings.TrimSpace(string(data))
	if s == "None" || s == "" {
		return sp, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("savepoint: parsing %s: %w", path, err)
	}
	sp.value, sp.ok = v, true
	return sp, nil
}

// Get returns the stored message id, or ok=false if none is recorded.
func (sp *Savepoint) Get() (id uint64, ok bool) {
	return sp.value, sp.ok
}

// Set records id as processed. If enough time has passed since the
// last flush, the value is written to disk; beforeSync runs just
// before that write and afterSync just after, so the caller can make
// an unrelated journal durable at the same moment. Either hook may be
// nil.
func (sp *Savepoint) Set(id uint64, beforeSync, afterSync func() error) error {
	sp.value, sp.ok = id, true
	if sp.now().Sub(sp.lastFlush) <= flushInterval {
		return nil
	}
	if beforeSync != nil {
		if err := beforeSync(); err != nil {
			return err
		}
	}
	if err := sp.Flush(); err != nil {
		return err
	}
	sp.lastFlush = sp.now()
	if afterSync != nil {
		return afterSync()
	}
	return nil
}

// Flush writes the current value to disk atomically.
func (sp *Savepoint) Flush() error {
	s := "None"
	if sp.ok {
		s = strconv.FormatUint(sp.value, 10)
	}
	return writeFileAtomic(sp.path, []byte(s))
}

// Close forces a final flush.
func (sp *Savepoint) Close() error {
	return sp.Flush()
}
