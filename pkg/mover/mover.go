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

// Package mover moves files into an archive directory, renaming on
// name collision and collapsing byte-identical duplicates, so that
// each distinct byte sequence gets exactly one canonical on-disk name.
package mover // import "demokeep.org/pkg/mover"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
)

// splitExt captures the longest trailing ".xxx" suffix that contains
// no path separators; collision counters are inserted before it.
var splitExt = regexp.MustCompile(`^(.*)(\.[^/.\\]*)$`)

// Move moves src to dest. If dest is taken by a file with different
// content, numbered alternatives (dest.1.ext, dest.2.ext, ...) are
// tried in order. If some candidate already holds bytes identical to
// src, src is deleted and that candidate is returned with isNew=false.
// Otherwise src is renamed to the first free candidate and isNew=true.
//
// The existence check and the rename are not atomic together; a
// concurrent writer may slip a file in between. The caller owns the
// archive directory, so in practice this does not happen.
func Move(src, dest string) (actualDest string, isNew bool, err error) {
	for i := 0; ; i++ {
		candidate := dest
		if i > 0 {
			candidate = numberedName(dest, i)
		}
		_, statErr := os.Stat(candidate)
		switch {
		case statErr == nil:
			same, err := sameContents(src, candidate)
			if err != nil {
				return "", false, err
			}
			if same {
				if err := os.Remove(src); err != nil {
					return "", false, err
				}
				return candidate, false, nil
			}
		case os.IsNotExist(statErr):
			if err := os.Rename(src, candidate); err != nil {
				if errors.Is(err, fs.ErrExist) {
					// Lost a race; retest this candidate for equality.
					i--
					continue
				}
				return "", false, err
			}
			return candidate, true, nil
		default:
			return "", false, statErr
		}
	}
}

func numberedName(dest string, i int) string {
	if m := splitExt.FindStringSubmatch(dest); m != nil {
		return fmt.Sprintf("%s.%d%s", m[1], i, m[2])
	}
	return fmt.Sprintf("%s.%d", dest, i)
}

func sameContents(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	sa, err := fa.Stat()
	if err != nil {
		return false, err
	}
	sb, err := fb.Stat()
	if err != nil {
		return false, err
	}
	if sa.Size() != sb.Size() {
		return false, nil
	}

	var bufA, bufB [32 * 1024]byte
	for {
		na, errA := io.ReadFull(fa, bufA[:])
		nb, errB := io.ReadFull(fb, bufB[:])
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			return true, nil
		}
		if errA != nil {
			return false, errA
		}
		if errB != nil {
			return false, errB
		}
	}
}
