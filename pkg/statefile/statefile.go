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

// Package statefile persists small pieces of pipeline state as JSON
// files, written atomically (write to a temp file, fsync, rename).
// The rename is the sole durability primitive the rendering pipeline
// relies on.
package statefile // import "demokeep.org/pkg/statefile"

import (
	"encoding/json"
	"fmt"
	"os"
)

// A Store holds a value of type T backed by a JSON file.
// Mutate Value in place and call Flush to persist it.
//
// A Store performs no locking of its own; callers that share one
// across goroutines must serialize access.
type Store[T any] struct {
	path  string
	Value T
}

// Open loads the store at path. If the file does not exist yet, the
// store starts with def and the file is created on the first Flush.
func Open[T any](path string, def T) (*Store[T], error) {
	s := &Store[T]{path: path, Value: def}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statefile: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.Value); err != nil {
		return nil, fmt.Errorf("statefile: parsing %s: %w", path, err)
	}
	return s, nil
}

// Flush writes the current value to disk atomically.
func (s *Store[T]) Flush() error {
	data, err := json.Marshal(s.Value)
	if err != nil {
		return fmt.Errorf("statefile: encoding %s: %w", s.path, err)
	}
	return writeFileAtomic(s.path, data)
}

// Close flushes the store. The store may not be used afterwards.
func (s *Store[T]) Close() error {
	return s.Flush()
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
