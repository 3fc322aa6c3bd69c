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

// Package analyzer extracts DeFRaG demo metadata by running the
// DemoCleaner binary and parsing its XML report.
//
// The report needs two repairs before parsing. Under Mono the binary
// emits trailing noise after the closing </demoFile> tag, which is
// trimmed at the last occurrence of that marker. And the document may
// contain numeric character references below the XML 1.0 permitted
// range (player names with control characters); those are rewritten
// to a private @<hex>; escape before parsing and decoded again on
// every element name and attribute afterwards.
package analyzer // import "demokeep.org/pkg/analyzer"

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// benignStderr is the one stderr line DemoCleaner is allowed to emit
// (a locale warning from its GUI toolkit on headless hosts).
const benignStderr = "Could not set X locale modifiers\n"

const endMarker = "</demoFile>"

// Info is the parsed demo metadata: element name of the report root's
// children to their attributes.
type Info map[string]map[string]string

// Attr returns the attribute value, or "" if the element or attribute
// is missing.
func (in Info) Attr(element, attr string) string {
	return in[element][attr]
}

// An Analyzer runs the DemoCleaner binary.
type Analyzer struct {
	// Exe is the path to the DemoCleaner executable.
	Exe string
}

// Analyze runs the analyzer on the demo at path and returns its
// metadata. Any stderr output other than the known benign locale
// warning is an error.
func (a *Analyzer) Analyze(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, a.Exe, "--xml", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("analyzer: running %s on %s: %w", a.Exe, path, err)
		}
		// A non-zero exit alone is not fatal; the stderr check below decides.
	}
	if s := stderr.String(); s != "" && s != benignStderr {
		return nil, fmt.Errorf("analyzer: %s on %s: stderr: %q", a.Exe, path, s)
	}
	info, err := parseReport(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("analyzer: processing %s: %w", path, err)
	}
	return info, nil
}

func parseReport(out []byte) (Info, error) {
	doc := preprocess(string(trimTrailingNoise(out)))
	dec := xml.NewDecoder(bytes.NewReader([]byte(doc)))

	info := Info{}
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				name, err := decodeEscapes(t.Name.Local)
				if err != nil {
					return nil, err
				}
				attrs := make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					k, err := decodeEscapes(a.Name.Local)
					if err != nil {
						return nil, err
					}
					v, err := decodeEscapes(a.Value)
					if err != nil {
						return nil, err
					}
					attrs[k] = v
				}
				info[name] = attrs
			}
		case xml.EndElement:
			depth--
		}
	}
	return info, nil
}

// trimTrailingNoise cuts everything after the last closing root tag.
func trimTrailingNoise(out []byte) []byte {
	if i := bytes.LastIndex(out, []byte(endMarker)); i >= 0 {
		return out[:i+len(endMarker)]
	}
	return out
}

// preprocess rewrites numeric character references to a private
// escape so that references below the XML 1.0 range survive parsing.
// A literal "@" becomes "@40;" first so the escape stays reversible.
func preprocess(s string) string {
	s = strings.ReplaceAll(s, "@", "@40;")
	return strings.ReplaceAll(s, "&#x", "@")
}

// decodeEscapes reverses preprocess on one parsed string.
func decodeEscapes(s string) (string, error) {
	parts := strings.Split(s, "@")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, chunk := range parts[1:] {
		semi := strings.IndexByte(chunk, ';')
		if semi < 0 {
			return "", fmt.Errorf("no semicolon in escaped chunk %q", chunk)
		}
		code, err := strconv.ParseUint(chunk[:semi], 16, 32)
		if err != nil {
			return "", fmt.Errorf("bad character reference %q: %w", chunk[:semi], err)
		}
		b.WriteRune(rune(code))
		b.WriteString(chunk[semi+1:])
	}
	return b.String(), nil
}
