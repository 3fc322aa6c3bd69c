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
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testState struct {
	Queue []string `json:"queue"`
	Full  bool     `json:"full"`
}

func TestStoreDefaultOnAbsentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(path, testState{Queue: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Value.Queue) != 0 || st.Value.Full {
		t.Errorf("unexpected default value: %+v", st.Value)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Open should not create the file")
	}
}

func TestStoreFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(path, testState{})
	if err != nil {
		t.Fatal(err)
	}
	st.Value.Queue = append(st.Value.Queue, "a", "b")
	st.Value.Full = true
	if err := st.Flush(); err != nil {
		t.Fatal(err)
	}

	st2, err := Open(path, testState{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(st2.Value.Queue), 2; got != want {
		t.Fatalf("queue length = %d; want %d", got, want)
	}
	if st2.Value.Queue[0] != "a" || st2.Value.Queue[1] != "b" || !st2.Value.Full {
		t.Errorf("reloaded state = %+v", st2.Value)
	}
}

func TestStoreFlushLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	st, err := Open(path, testState{})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind after Flush")
	}
}

func TestSavepointAbsent(t *testing.T) {
	sp, err := OpenSavepoint(filepath.Join(t.TempDir(), "chan.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sp.Get(); ok {
		t.Errorf("fresh savepoint should have no value")
	}
}

func TestSavepointNoneLiteral(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chan.txt")
	if err := os.WriteFile(path, []byte("None"), 0600); err != nil {
		t.Fatal(err)
	}
	sp, err := OpenSavepoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sp.Get(); ok {
		t.Errorf(`"None" should read as no value`)
	}
	if err := sp.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "None" {
		t.Errorf("flushed empty savepoint = %q; want \"None\"", data)
	}
}

func TestSavepointThrottledFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chan.txt")
	sp, err := OpenSavepoint(path)
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Now()
	sp.now = func() time.Time { return clock }

	var beforeCalls, afterCalls int
	before := func() error { beforeCalls++; return nil }
	after := func() error { afterCalls++; return nil }

	if err := sp.Set(10, before, after); err != nil {
		t.Fatal(err)
	}
	if beforeCalls != 0 {
		t.Errorf("Set within the throttle window should not flush")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file should not exist before the first real flush")
	}

	clock = clock.Add(2 * time.Second)
	if err := sp.Set(11, before, after); err != nil {
		t.Fatal(err)
	}
	if beforeCalls != 1 || afterCalls != 1 {
		t.Errorf("hooks called %d/%d times; want 1/1", beforeCalls, afterCalls)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "11" {
		t.Errorf("flushed value = %q; want \"11\"", data)
	}

	// Immediately after a flush we are throttled again.
	if err := sp.Set(12, before, after); err != nil {
		t.Fatal(err)
	}
	if beforeCalls != 1 {
		t.Errorf("flush not throttled after sync")
	}

	if err := sp.Close(); err != nil {
		t.Fatal(err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "12" {
		t.Errorf("value after Close = %q; want \"12\"", data)
	}
}

func TestSavepointReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chan.txt")
	sp, err := OpenSavepoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.Set(891234567890, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := sp.Close(); err != nil {
		t.Fatal(err)
	}

	sp2, err := OpenSavepoint(path)
	if err != nil {
		t.Fatal(err)
	}
	id, ok := sp2.Get()
	if !ok || id != 891234567890 {
		t.Errorf("reloaded savepoint = %d, %v; want 891234567890, true", id, ok)
	}
}
