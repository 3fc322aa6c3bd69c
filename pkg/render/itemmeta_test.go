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
	"reflect"
	"testing"
)

func TestItemMetaRoundTrip(t *testing.T) {
	round := 2
	metas := []*ItemMeta{
		{
			InChannel:        "Some Guild--demos",
			MessageID:        891111111283456789,
			Title:            "DeFRaG: w00t 00:32.184 cpm cityrun",
			Description:      "Nickname: w00t\nTime: 00:32.184",
			RerenderingRound: &round,
			DemoURL:          "https://cdn.example.com/run.dm_68",
			HasUnknown:       true,
			Filename:         "run.dm_68",
		},
		{InChannel: "g--c"},
		{},
		{InChannel: "g--c", MessageID: 1, RerenderingRound: new(int)},
	}
	for _, m := range metas {
		data, err := json.Marshal(m)
		if err != nil {
			t.Fatal(err)
		}
		var got ItemMeta
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if !reflect.DeepEqual(&got, m) {
			t.Errorf("round trip of %+v via %s = %+v", m, data, got)
		}
	}
}

func TestItemMetaLegacyBareChannel(t *testing.T) {
	var m ItemMeta
	if err := json.Unmarshal([]byte(`"guild--demos"`), &m); err != nil {
		t.Fatal(err)
	}
	if m.InChannel != "guild--demos" || m.MessageID != 0 || m.RerenderingRound != nil {
		t.Errorf("bare channel decode = %+v", m)
	}
}

func TestItemMetaLegacyPositional(t *testing.T) {
	tests := []struct {
		in   string
		want ItemMeta
	}{
		{
			in:   `["g--c", 42]`,
			want: ItemMeta{InChannel: "g--c", MessageID: 42},
		},
		{
			in:   `["g--c", null]`,
			want: ItemMeta{InChannel: "g--c"},
		},
		{
			in: `["g--c", 42, "title", "desc", null, "https://x/d.dm_68"]`,
			want: ItemMeta{
				InChannel: "g--c", MessageID: 42,
				Title: "title", Description: "desc",
				DemoURL: "https://x/d.dm_68",
			},
		},
		{
			in: `["g--c", 42, "t", "d", 1, "u", true, "d.dm_68"]`,
			want: func() ItemMeta {
				one := 1
				return ItemMeta{
					InChannel: "g--c", MessageID: 42,
					Title: "t", Description: "d",
					RerenderingRound: &one,
					DemoURL:          "u",
					HasUnknown:       true,
					Filename:         "d.dm_68",
				}
			}(),
		},
	}
	for _, tt := range tests {
		var got ItemMeta
		if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
			t.Errorf("unmarshal %s: %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("unmarshal %s = %+v; want %+v", tt.in, got, tt.want)
		}
	}
}

func TestItemMetaLegacyBadLength(t *testing.T) {
	var m ItemMeta
	if err := json.Unmarshal([]byte(`["g--c", 1, "only-three"]`), &m); err == nil {
		t.Errorf("3-element legacy form should be rejected")
	}
}

func TestNextRound(t *testing.T) {
	m := &ItemMeta{InChannel: "g--c", Filename: "d.dm_68"}
	r1 := m.NextRound()
	if r1.RerenderingRound == nil || *r1.RerenderingRound != 0 {
		t.Fatalf("first NextRound = %v; want 0", r1.RerenderingRound)
	}
	if m.RerenderingRound != nil {
		t.Errorf("NextRound must not mutate the receiver")
	}
	r2 := r1.NextRound()
	if *r2.RerenderingRound != 1 {
		t.Errorf("second NextRound = %d; want 1", *r2.RerenderingRound)
	}
	if r2.InChannel != "g--c" || r2.Filename != "d.dm_68" {
		t.Errorf("NextRound dropped fields: %+v", r2)
	}
}
