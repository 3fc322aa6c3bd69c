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

package render

import (
	"encoding/json"
	"fmt"
)

// itemMetaVersion is the envelope version written by MarshalJSON.
const itemMetaVersion = 1

// ItemMeta is the per-item context carried through the pipeline so
// the final video URL can be attributed back to the originating chat
// message.
//
// Earlier deployments persisted this as a bare channel name or as a
// positional JSON array that grew over time; UnmarshalJSON still
// accepts all of those forms. New state is always written as a
// versioned object.
type ItemMeta struct {
	// InChannel is the stable textual name ("guild--channel") of the
	// channel the demo was posted in. Empty for queue-level failures.
	InChannel string
	// MessageID is the originating message, or 0 if unknown (legacy
	// items).
	MessageID   uint64
	Title       string
	Description string
	// RerenderingRound is nil on the first attempt and increments
	// each time a finished render was too large for a direct chat
	// upload and was restarted at lower quality.
	RerenderingRound *int
	// DemoURL is the attachment URL the demo was fetched from.
	DemoURL string
	// HasUnknown records that at least one metadata field was missing
	// at analysis time; the operator is notified on completion.
	HasUnknown bool
	// Filename is the sanitized local basename assigned by the mover;
	// it is the deduplication key in the registry.
	Filename string
}

// NextRound returns a copy with RerenderingRound advanced for a
// re-render at lower quality.
func (m *ItemMeta) NextRound() *ItemMeta {
	next := 0
	if m.RerenderingRound != nil {
		next = *m.RerenderingRound + 1
	}
	cp := *m
	cp.RerenderingRound = &next
	return &cp
}

type itemMetaJSON struct {
	V                int    `json:"v"`
	InChannel        string `json:"inChannel,omitempty"`
	MessageID        uint64 `json:"messageID,omitempty,string"`
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	RerenderingRound *int   `json:"rerenderingRound,omitempty"`
	DemoURL          string `json:"demoURL,omitempty"`
	HasUnknown       bool   `json:"hasUnknown,omitempty"`
	Filename         string `json:"filename,omitempty"`
}

func (m *ItemMeta) MarshalJSON() ([]byte, error) {
	return json.Marshal(itemMetaJSON{
		V:                itemMetaVersion,
		InChannel:        m.InChannel,
		MessageID:        m.MessageID,
		Title:            m.Title,
		Description:      m.Description,
		RerenderingRound: m.RerenderingRound,
		DemoURL:          m.DemoURL,
		HasUnknown:       m.HasUnknown,
		Filename:         m.Filename,
	})
}

func (m *ItemMeta) UnmarshalJSON(data []byte) error {
	switch firstByte(data) {
	case '{':
		var v itemMetaJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*m = ItemMeta{
			InChannel:        v.InChannel,
			MessageID:        v.MessageID,
			Title:            v.Title,
			Description:      v.Description,
			RerenderingRound: v.RerenderingRound,
			DemoURL:          v.DemoURL,
			HasUnknown:       v.HasUnknown,
			Filename:         v.Filename,
		}
		return nil
	case '[':
		return m.unmarshalPositional(data)
	case '"':
		// Oldest form: just the channel name.
		var ch string
		if err := json.Unmarshal(data, &ch); err != nil {
			return err
		}
		*m = ItemMeta{InChannel: ch}
		return nil
	default:
		return fmt.Errorf("render: unrecognized item meta representation: %.40s", data)
	}
}

// unmarshalPositional decodes the legacy positional sequence
// (in_channel, message_id, title, description, rerendering_round,
// demo_url, has_unknown, filename), accepting the shorter historical
// prefixes of it.
func (m *ItemMeta) unmarshalPositional(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch len(raw) {
	case 2, 6, 7, 8:
	default:
		return fmt.Errorf("render: legacy item meta with %d fields", len(raw))
	}
	*m = ItemMeta{}
	if err := json.Unmarshal(raw[0], &m.InChannel); err != nil {
		return fmt.Errorf("render: legacy item meta channel: %w", err)
	}
	if !isNull(raw[1]) {
		if err := json.Unmarshal(raw[1], &m.MessageID); err != nil {
			return fmt.Errorf("render: legacy item meta message id: %w", err)
		}
	}
	if len(raw) == 2 {
		return nil
	}
	decodeString(raw[2], &m.Title)
	decodeString(raw[3], &m.Description)
	if !isNull(raw[4]) {
		var round int
		if err := json.Unmarshal(raw[4], &round); err != nil {
			return fmt.Errorf("render: legacy item meta round: %w", err)
		}
		m.RerenderingRound = &round
	}
	decodeString(raw[5], &m.DemoURL)
	if len(raw) > 6 && !isNull(raw[6]) {
		if err := json.Unmarshal(raw[6], &m.HasUnknown); err != nil {
			return fmt.Errorf("render: legacy item meta has_unknown: %w", err)
		}
	}
	if len(raw) > 7 {
		decodeString(raw[7], &m.Filename)
	}
	return nil
}

func decodeString(raw json.RawMessage, dst *string) {
	if isNull(raw) {
		return
	}
	// Best effort; legacy fields were free-form.
	json.Unmarshal(raw, dst)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func firstByte(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
