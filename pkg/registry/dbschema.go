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
	"database/sql"
	"fmt"
)

const requiredSchemaVersion = 1

// SchemaVersion returns the version of the database schema this
// package expects.
func SchemaVersion() int {
	return requiredSchemaVersion
}

// SQLCreateTables returns the statements creating the registry schema.
func SQLCreateTables() []string {
	return []string{
		`CREATE TABLE rendered_demos (
 id INTEGER PRIMARY KEY AUTOINCREMENT,
 filename VARCHAR(255) NOT NULL UNIQUE,
 url VARCHAR(255) NOT NULL)`,

		`CREATE TABLE meta (
 metakey VARCHAR(255) NOT NULL PRIMARY KEY,
 value VARCHAR(255) NOT NULL)`,
	}
}

// InitDB creates the registry database file with the current schema.
func InitDB(file string) error {
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return err
	}
	defer db.Close()
	for _, tableSQL := range SQLCreateTables() {
		if _, err := db.Exec(tableSQL); err != nil {
			return fmt.Errorf("error creating table with %q: %w", tableSQL, err)
		}
	}
	_, err = db.Exec(fmt.Sprintf(`REPLACE INTO meta VALUES ('version', '%d')`, SchemaVersion()))
	return err
}
