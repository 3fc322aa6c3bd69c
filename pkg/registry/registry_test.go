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

package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndLookup(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Lookup(ctx, "run.dm_68"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup before Record = %v; want ErrNotFound", err)
	}
	if err := r.Record(ctx, "run.dm_68", "https://youtu.be/abc"); err != nil {
		t.Fatal(err)
	}
	url, err := r.Lookup(ctx, "run.dm_68")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://youtu.be/abc" {
		t.Errorf("Lookup = %q", url)
	}
}

func TestRecordDuplicateIsNoop(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if err := r.Record(ctx, "run.dm_68", "https://youtu.be/first"); err != nil {
		t.Fatal(err)
	}
	// A re-delivered terminal callback must not fail or clobber.
	if err := r.Record(ctx, "run.dm_68", "https://youtu.be/second"); err != nil {
		t.Fatal(err)
	}
	url, err := r.Lookup(ctx, "run.dm_68")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://youtu.be/first" {
		t.Errorf("Lookup after duplicate Record = %q; want the first URL", url)
	}
}

func TestReopenExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "db.sqlite")
	ctx := context.Background()

	r, err := Open(file)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Record(ctx, "a.dm_68", "https://youtu.be/x"); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(file)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	url, err := r2.Lookup(ctx, "a.dm_68")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://youtu.be/x" {
		t.Errorf("Lookup after reopen = %q", url)
	}
}
