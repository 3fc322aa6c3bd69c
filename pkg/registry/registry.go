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

// Package registry maps an archived demo filename to the URL of its
// published video, backed by an SQLite database file. A row exists
// only once a final, publicly observable video URL exists for the
// filename, so re-submissions of an already rendered demo can be
// answered with the prior URL.
package registry // import "demokeep.org/pkg/registry"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"go4.org/syncutil"
)

// ErrNotFound is returned by Lookup when no URL is recorded for a
// filename.
var ErrNotFound = errors.New("registry: filename not found")

// A Registry is a handle to the rendered-demos database.
type Registry struct {
	file string
	db   *sql.DB

	// gate serializes access. The SQLite driver likes to return
	// "database is locked" under concurrency, so keep one statement
	// in flight at a time.
	gate *syncutil.Gate
}

// Open opens (creating and initializing if necessary) the registry
// database at file.
func Open(file string) (*Registry, error) {
	fi, err := os.Stat(file)
	if os.IsNotExist(err) || (err == nil && fi.Size() == 0) {
		if err := InitDB(file); err != nil {
			return nil, fmt.Errorf("registry: could not initialize sqlite DB at %s: %w", file, err)
		}
	}
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		file: file,
		db:   db,
		gate: syncutil.NewGate(1),
	}
	version, err := r.schemaVersion()
	if err != nil {
		return nil, fmt.Errorf("registry: error getting schema version of %s: %w", file, err)
	}
	if version != requiredSchemaVersion {
		return nil, fmt.Errorf("registry: database schema version is %d; expect %d (need to re-init/upgrade database?)",
			version, requiredSchemaVersion)
	}
	return r, nil
}

func (r *Registry) schemaVersion() (version int, err error) {
	err = r.db.QueryRow("SELECT value FROM meta WHERE metakey='version'").Scan(&version)
	return
}

// Record stores the final video URL for filename. Recording the same
// filename again is a no-op; terminal pipeline callbacks may be
// delivered more than once after a crash and the first recorded URL
// wins.
func (r *Registry) Record(ctx context.Context, filename, url string) error {
	r.gate.Start()
	defer r.gate.Done()
	_, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rendered_demos (filename, url) VALUES (?, ?)", filename, url)
	if err != nil {
		return fmt.Errorf("registry: recording %q: %w", filename, err)
	}
	return nil
}

// Lookup returns the video URL recorded for filename, or ErrNotFound.
// More than one row for a filename indicates a corrupt database and
// fails loudly.
func (r *Registry) Lookup(ctx context.Context, filename string) (string, error) {
	r.gate.Start()
	defer r.gate.Done()
	rows, err := r.db.QueryContext(ctx,
		"SELECT url FROM rendered_demos WHERE filename = ?", filename)
	if err != nil {
		return "", fmt.Errorf("registry: looking up %q: %w", filename, err)
	}
	defer rows.Close()
	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return "", err
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(urls) {
	case 0:
		return "", ErrNotFound
	case 1:
		return urls[0], nil
	default:
		return "", fmt.Errorf("registry: %d rows for filename %q; database corrupt?", len(urls), filename)
	}
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}
