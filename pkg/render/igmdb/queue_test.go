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

package igmdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"demokeep.org/pkg/render"
	"demokeep.org/pkg/statefile"
)

// scriptedSubmitter accepts submissions until the remote "fills up",
// and serves scripted status answers per render id.
type scriptedSubmitter struct {
	freeSlots int
	nextID    int64
	submitted []string // demo URLs, in submission order

	// status maps render id to a queue of scripted answers.
	status map[int64][]statusAnswer
}

type statusAnswer struct {
	url  string
	done bool
	err  error
}

func (s *scriptedSubmitter) Submit(ctx context.Context, demoURL string, resolution int, title, description string) (int64, error) {
	if s.freeSlots <= 0 {
		return 0, ErrQueueFull
	}
	s.freeSlots--
	s.nextID++
	s.submitted = append(s.submitted, demoURL)
	return s.nextID, nil
}

func (s *scriptedSubmitter) Status(ctx context.Context, renderID int64) (string, bool, error) {
	answers := s.status[renderID]
	if len(answers) == 0 {
		return "", false, nil
	}
	a := answers[0]
	s.status[renderID] = answers[1:]
	return a.url, a.done, a.err
}

type callbackRecorder struct {
	done []string // video URLs
	fail []string // refs
	meta []*render.ItemMeta
}

func (r *callbackRecorder) onDone(ctx context.Context, url string, meta *render.ItemMeta) error {
	r.done = append(r.done, url)
	r.meta = append(r.meta, meta)
	return nil
}

func (r *callbackRecorder) onFail(ctx context.Context, ref string, err error, meta *render.ItemMeta) error {
	r.fail = append(r.fail, ref)
	return nil
}

func newTestQueue(t *testing.T, sub Submitter) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "igmdb-upload-queue.json")
	st, err := statefile.Open(path, DefaultState())
	if err != nil {
		t.Fatal(err)
	}
	return NewQueue(sub, st, time.Minute), path
}

func reopenQueue(t *testing.T, sub Submitter, path string) *Queue {
	t.Helper()
	st, err := statefile.Open(path, DefaultState())
	if err != nil {
		t.Fatal(err)
	}
	return NewQueue(sub, st, time.Minute)
}

func item(demoURL string) render.Item {
	return render.Item{
		DemoURL:    demoURL,
		Resolution: 28,
		Title:      "t " + demoURL,
		Meta:       &render.ItemMeta{InChannel: "g--c", DemoURL: demoURL, Filename: filepath.Base(demoURL)},
	}
}

func TestSubmitPollDone(t *testing.T) {
	ctx := context.Background()
	sub := &scriptedSubmitter{freeSlots: 10, nextID: 42862, status: map[int64][]statusAnswer{
		42863: {
			{done: false},
			{url: "https://youtu.be/X", done: true},
		},
	}}
	q, path := newTestQueue(t, sub)
	rec := &callbackRecorder{}
	q.AddDoneCallback(rec.onDone)
	q.AddFailCallback(rec.onFail)

	if err := q.Submit(ctx, item("https://cdn/run.dm_68")); err != nil {
		t.Fatal(err)
	}

	// First poll: still rendering.
	if err := q.CheckDone(ctx); err != nil {
		t.Fatal(err)
	}
	if len(rec.done) != 0 {
		t.Fatalf("done fired early: %v", rec.done)
	}

	// Restart between polls must preserve the pending item.
	q = reopenQueue(t, sub, path)
	q.AddDoneCallback(rec.onDone)
	q.AddFailCallback(rec.onFail)

	if err := q.CheckDone(ctx); err != nil {
		t.Fatal(err)
	}
	if len(rec.done) != 1 || rec.done[0] != "https://youtu.be/X" {
		t.Fatalf("done = %v; want one youtu.be URL", rec.done)
	}
	if rec.meta[0] == nil || rec.meta[0].Filename != "run.dm_68" {
		t.Errorf("meta not carried through: %+v", rec.meta[0])
	}

	// Completed item is gone; another poll fires nothing.
	if err := q.CheckDone(ctx); err != nil {
		t.Fatal(err)
	}
	if len(rec.done) != 1 {
		t.Errorf("done fired twice for the same render")
	}
}

func TestQueueFullOverflowOrder(t *testing.T) {
	ctx := context.Background()
	sub := &scriptedSubmitter{freeSlots: 4, status: map[int64][]statusAnswer{}}
	q, _ := newTestQueue(t, sub)

	// Remote accepts four, refuses the fifth; that and all later
	// submissions buffer locally in arrival order.
	for i := 1; i <= 9; i++ {
		if err := q.Submit(ctx, item(fmt.Sprintf("https://cdn/d%d.dm_68", i))); err != nil {
			t.Fatal(err)
		}
	}
	if !q.state.Value.QueueFull {
		t.Errorf("queue_full not set after refusal")
	}
	if got := len(q.state.Value.Uploaded); got != 4 {
		t.Errorf("uploaded = %d items; want 4", got)
	}
	if got := len(q.state.Value.Local); got != 5 {
		t.Fatalf("local = %d items; want 5", got)
	}
	// No remote call was made for items six through nine.
	if got := len(sub.submitted); got != 4 {
		t.Errorf("remote saw %d submissions; want 4", got)
	}

	// Remote drains two slots, then refuses the next.
	sub.freeSlots = 2
	if err := q.RetryUploads(ctx); err != nil {
		t.Fatal(err)
	}
	if !q.state.Value.QueueFull {
		t.Errorf("queue_full not set again after refused retry")
	}
	var left []string
	for _, p := range q.state.Value.Local {
		left = append(left, p.DemoURL)
	}
	want := []string{"https://cdn/d7.dm_68", "https://cdn/d8.dm_68", "https://cdn/d9.dm_68"}
	if len(left) != 3 || left[0] != want[0] || left[1] != want[1] || left[2] != want[2] {
		t.Errorf("local after retry = %v; want %v", left, want)
	}
}

func TestSubmitSkipsRemoteWhileFull(t *testing.T) {
	ctx := context.Background()
	sub := &scriptedSubmitter{freeSlots: 0, status: map[int64][]statusAnswer{}}
	q, _ := newTestQueue(t, sub)

	if err := q.Submit(ctx, item("https://cdn/a.dm_68")); err != nil {
		t.Fatal(err)
	}
	remoteCalls := len(sub.submitted)
	if err := q.Submit(ctx, item("https://cdn/b.dm_68")); err != nil {
		t.Fatal(err)
	}
	if len(sub.submitted) != remoteCalls {
		t.Errorf("Submit hit the remote while queue_full was set")
	}
}

func TestCheckDoneFailureRoutesToFailCallback(t *testing.T) {
	ctx := context.Background()
	sub := &scriptedSubmitter{freeSlots: 10, status: map[int64][]statusAnswer{
		1: {{err: errors.New("transport exploded")}},
	}}
	q, _ := newTestQueue(t, sub)
	rec := &callbackRecorder{}
	q.AddDoneCallback(rec.onDone)
	q.AddFailCallback(rec.onFail)

	if err := q.Submit(ctx, item("https://cdn/a.dm_68")); err != nil {
		t.Fatal(err)
	}
	if err := q.CheckDone(ctx); err != nil {
		t.Fatal(err)
	}
	if len(rec.fail) != 1 || rec.fail[0] != "1" {
		t.Fatalf("fail = %v; want one failure for render 1", rec.fail)
	}
	if got := len(q.state.Value.Uploaded); got != 0 {
		t.Errorf("failed item still queued (%d left)", got)
	}
}

func TestRetryPropagatesOtherErrors(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, failingSubmitter{})
	q.state.Value.Local = []pendingItem{{DemoURL: "https://cdn/a.dm_68", Resolution: 28}}
	q.state.Value.QueueFull = true

	if err := q.RetryUploads(ctx); err == nil {
		t.Fatal("generic submit error should propagate")
	}
	if len(q.state.Value.Local) != 1 {
		t.Errorf("item dropped on generic error")
	}
}

type failingSubmitter struct{}

func (failingSubmitter) Submit(ctx context.Context, demoURL string, resolution int, title, description string) (int64, error) {
	return 0, errors.New("boom")
}

func (failingSubmitter) Status(ctx context.Context, renderID int64) (string, bool, error) {
	return "", false, nil
}

func TestStateLegacyDecode(t *testing.T) {
	legacy := `{
	  "uploaded_queue": [123, [456, ["g--c", 42]], [789, null]],
	  "local_queue": [["https://cdn/a.dm_68", 28, "t", "d"],
	                  ["https://cdn/b.dm_68", 28, "t", "d", ["g--c", 7, "t", "d", null, "u", false, "b.dm_68"]]],
	  "queue_full": true
	}`
	path := filepath.Join(t.TempDir(), "igmdb-upload-queue.json")
	if err := os.WriteFile(path, []byte(legacy), 0600); err != nil {
		t.Fatal(err)
	}
	st, err := statefile.Open(path, DefaultState())
	if err != nil {
		t.Fatal(err)
	}
	s := st.Value
	if !s.QueueFull {
		t.Errorf("queue_full lost")
	}
	if len(s.Uploaded) != 3 || s.Uploaded[0].RenderID != 123 || s.Uploaded[1].RenderID != 456 {
		t.Fatalf("uploaded = %+v", s.Uploaded)
	}
	if s.Uploaded[1].Meta == nil || s.Uploaded[1].Meta.MessageID != 42 {
		t.Errorf("legacy pair meta = %+v", s.Uploaded[1].Meta)
	}
	if s.Uploaded[2].Meta != nil {
		t.Errorf("null meta should stay nil")
	}
	if len(s.Local) != 2 || s.Local[0].Meta != nil {
		t.Fatalf("local = %+v", s.Local)
	}
	if s.Local[1].Meta == nil || s.Local[1].Meta.Filename != "b.dm_68" {
		t.Errorf("legacy 5-tuple meta = %+v", s.Local[1].Meta)
	}
}
