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

package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"demokeep.org/pkg/render"
	"demokeep.org/pkg/statefile"
)

// maxPublishSleep bounds a single wait of the publish stage so that
// cancellation is noticed promptly even with long publishing delays.
const maxPublishSleep = 5 * time.Second

// renderTask awaits the local render.
type renderTask struct {
	DemoURL     string           `json:"demoURL"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Meta        *render.ItemMeta `json:"meta,omitempty"`
}

// uploadTask awaits the video-host upload.
type uploadTask struct {
	DemoURL     string           `json:"demoURL"`
	VideoFile   string           `json:"videoFile"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Meta        *render.ItemMeta `json:"meta,omitempty"`
}

// waitTask awaits the delayed publication announcement.
type waitTask struct {
	// PublishAt is a Unix timestamp in seconds; fractional values
	// from older queue files are preserved.
	PublishAt float64          `json:"publishAt"`
	VideoURL  string           `json:"videoURL"`
	Meta      *render.ItemMeta `json:"meta,omitempty"`
	DemoURL   string           `json:"demoURL"`
}

func (t *renderTask) UnmarshalJSON(data []byte) error {
	type plain renderTask
	if isJSONObject(data) {
		return json.Unmarshal(data, (*plain)(t))
	}
	// Legacy tuple [url, title, description, item_meta].
	fields := []any{&t.DemoURL, &t.Title, &t.Description, &t.Meta}
	return unmarshalTuple(data, "rendering", fields)
}

func (t *uploadTask) UnmarshalJSON(data []byte) error {
	type plain uploadTask
	if isJSONObject(data) {
		return json.Unmarshal(data, (*plain)(t))
	}
	// Legacy tuple [demo_url, video_file, title, description, item_meta].
	fields := []any{&t.DemoURL, &t.VideoFile, &t.Title, &t.Description, &t.Meta}
	return unmarshalTuple(data, "upload", fields)
}

func (t *waitTask) UnmarshalJSON(data []byte) error {
	type plain waitTask
	if isJSONObject(data) {
		return json.Unmarshal(data, (*plain)(t))
	}
	// Legacy tuple [publish_at, video_url, item_meta, demo_url].
	fields := []any{&t.PublishAt, &t.VideoURL, &t.Meta, &t.DemoURL}
	return unmarshalTuple(data, "waiting", fields)
}

func isJSONObject(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b == '{'
	}
	return false
}

func unmarshalTuple(data []byte, queue string, fields []any) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != len(fields) {
		return fmt.Errorf("local: legacy %s item with %d fields; want %d", queue, len(raw), len(fields))
	}
	for i, f := range raw {
		if string(f) == "null" {
			continue
		}
		if err := json.Unmarshal(f, fields[i]); err != nil {
			return fmt.Errorf("local: legacy %s item field %d: %w", queue, i, err)
		}
	}
	return nil
}

// State is the persisted queue state. The key names match the
// original deployment's local-rendering-queue.json.
type State struct {
	Rendering []renderTask `json:"rendering_queue"`
	Upload    []uploadTask `json:"upload_queue"`
	Waiting   []waitTask   `json:"waiting_queue"`
}

// DefaultState returns the state a fresh queue file starts with.
func DefaultState() State {
	return State{Rendering: []renderTask{}, Upload: []uploadTask{}, Waiting: []waitTask{}}
}

// Queue is the autonomous variant of render.Queue: three workers, one
// per stage, each taking the head of its queue, performing the side
// effect, appending to the next queue and only then popping and
// flushing. A crash between the side effect and the flush therefore
// repeats the side effect on restart; local re-renders are idempotent
// by filename pattern and duplicate uploads are visible to the
// operator, which is the accepted trade-off.
type Queue struct {
	renderer Renderer
	uploader Uploader
	delay    time.Duration
	logger   *log.Logger

	// Fetcher optionally overrides how demo bytes are fetched from
	// their URL. Defaults to a plain HTTP GET.
	Fetcher func(ctx context.Context, url string) ([]byte, error)

	now func() time.Time

	mu    sync.Mutex // guards state
	state *statefile.Store[State]

	renderKick chan struct{}
	uploadKick chan struct{}
	waitKick   chan struct{}

	done []render.DoneFunc
	fail []render.FailFunc
}

// NewQueue returns an autonomous queue persisting to st. Videos are
// announced delay after their upload finishes.
func NewQueue(renderer Renderer, uploader Uploader, st *statefile.Store[State], delay time.Duration) *Queue {
	return &Queue{
		renderer:   renderer,
		uploader:   uploader,
		state:      st,
		delay:      delay,
		logger:     log.New(log.Writer(), "localrender: ", log.LstdFlags),
		now:        time.Now,
		renderKick: make(chan struct{}, 1),
		uploadKick: make(chan struct{}, 1),
		waitKick:   make(chan struct{}, 1),
	}
}

func (q *Queue) AddDoneCallback(f render.DoneFunc) { q.done = append(q.done, f) }
func (q *Queue) AddFailCallback(f render.FailFunc) { q.fail = append(q.fail, f) }

// Submit appends the item to the rendering queue and persists it.
func (q *Queue) Submit(ctx context.Context, item render.Item) error {
	q.mu.Lock()
	q.state.Value.Rendering = append(q.state.Value.Rendering, renderTask{
		DemoURL:     item.DemoURL,
		Title:       item.Title,
		Description: item.Description,
		Meta:        item.Meta,
	})
	err := q.state.Flush()
	q.mu.Unlock()
	if err != nil {
		return err
	}
	kick(q.renderKick)
	return nil
}

// Run drives the three stages until ctx is canceled or a stage fails.
// The first stage error cancels the others.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.runRendering(ctx) })
	g.Go(func() error { return q.runUploads(ctx) })
	g.Go(func() error { return q.runPublishing(ctx) })
	return g.Wait()
}

func (q *Queue) runRendering(ctx context.Context) error {
	for {
		task, err := waitHead(ctx, q, q.renderKick, func(s *State) []renderTask { return s.Rendering })
		if err != nil {
			return err
		}

		videoFile, renderErr := q.renderOne(ctx, task)
		if renderErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := q.reportError(ctx, task.DemoURL, renderErr, task.Meta); err != nil {
				return err
			}
		}

		q.mu.Lock()
		if renderErr == nil {
			q.state.Value.Upload = append(q.state.Value.Upload, uploadTask{
				DemoURL:     task.DemoURL,
				VideoFile:   videoFile,
				Title:       task.Title,
				Description: task.Description,
				Meta:        task.Meta,
			})
		}
		q.state.Value.Rendering = q.state.Value.Rendering[1:]
		err = q.state.Flush()
		q.mu.Unlock()
		if err != nil {
			return err
		}
		kick(q.uploadKick)
	}
}

func (q *Queue) renderOne(ctx context.Context, task renderTask) (string, error) {
	data, err := q.fetch(ctx, task.DemoURL)
	if err != nil {
		return "", err
	}
	return q.renderer.Render(ctx, task.DemoURL, data)
}

func (q *Queue) runUploads(ctx context.Context) error {
	for {
		task, err := waitHead(ctx, q, q.uploadKick, func(s *State) []uploadTask { return s.Upload })
		if err != nil {
			return err
		}

		videoURL, upErr := q.uploader.Upload(ctx, task.Title, task.Description, task.VideoFile)
		if upErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := q.reportError(ctx, task.DemoURL, upErr, task.Meta); err != nil {
				return err
			}
		}

		q.mu.Lock()
		if upErr == nil {
			q.state.Value.Waiting = append(q.state.Value.Waiting, waitTask{
				PublishAt: float64(q.now().Add(q.delay).UnixMilli()) / 1e3,
				VideoURL:  videoURL,
				Meta:      task.Meta,
				DemoURL:   task.DemoURL,
			})
		}
		// NOTE: a failed upload is popped with no retry, mirroring the
		// long-standing behavior of this pipeline. The reactor's
		// direct-to-chat fallback is what keeps the video from being
		// lost entirely.
		q.state.Value.Upload = q.state.Value.Upload[1:]
		err = q.state.Flush()
		q.mu.Unlock()
		if err != nil {
			return err
		}
		kick(q.waitKick)
	}
}

func (q *Queue) runPublishing(ctx context.Context) error {
	for {
		task, err := waitHead(ctx, q, q.waitKick, func(s *State) []waitTask { return s.Waiting })
		if err != nil {
			return err
		}

		publishAt := time.UnixMilli(int64(task.PublishAt * 1e3))
		if err := q.sleepUntil(ctx, publishAt); err != nil {
			return err
		}
		for _, f := range q.done {
			if cbErr := f(ctx, task.VideoURL, task.Meta); cbErr != nil {
				// A completed artifact that cannot be announced is an
				// operator incident, not silent loss: report and halt
				// with the head still queued.
				if err := q.reportError(ctx, task.DemoURL, cbErr, task.Meta); err != nil {
					return err
				}
				return cbErr
			}
		}

		q.mu.Lock()
		q.state.Value.Waiting = q.state.Value.Waiting[1:]
		err = q.state.Flush()
		q.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// waitHead blocks until head returns a non-empty queue's head (or ctx
// is done) and returns a copy of it. A kick on kickCh wakes it up.
func waitHead[T any](ctx context.Context, q *Queue, kickCh chan struct{}, head func(*State) []T) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if items := head(&q.state.Value); len(items) > 0 {
			t := items[0]
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-kickCh:
		}
	}
}

func (q *Queue) sleepUntil(ctx context.Context, instant time.Time) error {
	for {
		remaining := instant.Sub(q.now())
		if remaining <= 0 {
			return nil
		}
		if remaining > maxPublishSleep {
			remaining = maxPublishSleep
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
}

func (q *Queue) fetch(ctx context.Context, url string) ([]byte, error) {
	if q.Fetcher != nil {
		return q.Fetcher(ctx, url)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local: fetching demo %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local: fetching demo %s: status %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// reportError fans the failure out to the fail callbacks. An error
// from a fail callback itself is returned and halts the queue.
func (q *Queue) reportError(ctx context.Context, ref string, failure error, meta *render.ItemMeta) error {
	for _, f := range q.fail {
		if err := f(ctx, ref, failure, meta); err != nil {
			q.logger.Printf("fail callback errored for %s: %v (original failure: %v)", ref, err, failure)
			return err
		}
	}
	return nil
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
