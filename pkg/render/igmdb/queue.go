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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"demokeep.org/pkg/render"
	"demokeep.org/pkg/statefile"
)

// An uploadedItem is a submission accepted by the remote service,
// awaiting completion.
type uploadedItem struct {
	RenderID int64
	Meta     *render.ItemMeta
}

type uploadedItemJSON struct {
	RenderID int64            `json:"renderID"`
	Meta     *render.ItemMeta `json:"meta,omitempty"`
}

func (it uploadedItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(uploadedItemJSON{RenderID: it.RenderID, Meta: it.Meta})
}

func (it *uploadedItem) UnmarshalJSON(data []byte) error {
	switch firstByte(data) {
	case '{':
		var v uploadedItemJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		it.RenderID, it.Meta = v.RenderID, v.Meta
		return nil
	case '[':
		// Legacy pair [render_id, item_meta].
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if len(raw) != 2 {
			return fmt.Errorf("igmdb: legacy uploaded item with %d fields", len(raw))
		}
		if err := json.Unmarshal(raw[0], &it.RenderID); err != nil {
			return err
		}
		if string(raw[1]) != "null" {
			it.Meta = new(render.ItemMeta)
			if err := json.Unmarshal(raw[1], it.Meta); err != nil {
				return err
			}
		}
		return nil
	default:
		// Oldest form: a bare render id.
		return json.Unmarshal(data, &it.RenderID)
	}
}

// A pendingItem is a full submission held back because the remote
// queue was full.
type pendingItem struct {
	DemoURL     string
	Resolution  int
	Title       string
	Description string
	Meta        *render.ItemMeta
}

type pendingItemJSON struct {
	DemoURL     string           `json:"demoURL"`
	Resolution  int              `json:"resolution"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Meta        *render.ItemMeta `json:"meta,omitempty"`
}

func (it pendingItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(pendingItemJSON(it))
}

func (it *pendingItem) UnmarshalJSON(data []byte) error {
	if firstByte(data) == '{' {
		var v pendingItemJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*it = pendingItem(v)
		return nil
	}
	// Legacy tuple [url, resolution, title, description] or
	// [url, resolution, title, description, item_meta].
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 && len(raw) != 5 {
		return fmt.Errorf("igmdb: legacy pending item with %d fields", len(raw))
	}
	*it = pendingItem{}
	if err := json.Unmarshal(raw[0], &it.DemoURL); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &it.Resolution); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &it.Title); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[3], &it.Description); err != nil {
		return err
	}
	if len(raw) == 5 && string(raw[4]) != "null" {
		it.Meta = new(render.ItemMeta)
		if err := json.Unmarshal(raw[4], it.Meta); err != nil {
			return err
		}
	}
	return nil
}

// State is the persisted polling-queue state. The key names match the
// original deployment's igmdb-upload-queue.json.
type State struct {
	Uploaded  []uploadedItem `json:"uploaded_queue"`
	Local     []pendingItem  `json:"local_queue"`
	QueueFull bool           `json:"queue_full"`
}

// DefaultState returns the state a fresh queue file starts with.
func DefaultState() State {
	return State{Uploaded: []uploadedItem{}, Local: []pendingItem{}}
}

// Queue is the polling variant of render.Queue. Submissions go to the
// remote service immediately; when the remote refuses admission they
// are buffered in a local overflow queue and drained on later ticks.
// Accepted submissions are polled for completion on every tick.
//
// All state transitions are flushed before the next external call, so
// after a crash every item is either re-polled or re-submitted;
// terminal callbacks may therefore be delivered more than once.
type Queue struct {
	sub      Submitter
	interval time.Duration
	logger   *log.Logger

	mu    sync.Mutex // guards state
	state *statefile.Store[State]

	done []render.DoneFunc
	fail []render.FailFunc
}

// NewQueue returns a polling queue persisting to st, polling every
// interval.
func NewQueue(sub Submitter, st *statefile.Store[State], interval time.Duration) *Queue {
	return &Queue{
		sub:      sub,
		state:    st,
		interval: interval,
		logger:   log.New(log.Writer(), "igmdb: ", log.LstdFlags),
	}
}

func (q *Queue) AddDoneCallback(f render.DoneFunc) { q.done = append(q.done, f) }
func (q *Queue) AddFailCallback(f render.FailFunc) { q.fail = append(q.fail, f) }

// Submit sends the item to the remote service, or buffers it locally
// when the remote queue is known or found to be full.
func (q *Queue) Submit(ctx context.Context, item render.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.Value.QueueFull {
		return q.bufferLocked(item)
	}
	err := q.submitLocked(ctx, item)
	if errors.Is(err, ErrQueueFull) {
		q.state.Value.QueueFull = true
		return q.bufferLocked(item)
	}
	if err != nil {
		return err
	}
	return q.state.Flush()
}

// submitLocked performs the remote call and appends to the uploaded
// queue in memory; the caller flushes.
func (q *Queue) submitLocked(ctx context.Context, item render.Item) error {
	id, err := q.sub.Submit(ctx, item.DemoURL, item.Resolution, item.Title, item.Description)
	if err != nil {
		return err
	}
	q.state.Value.Uploaded = append(q.state.Value.Uploaded, uploadedItem{RenderID: id, Meta: item.Meta})
	return nil
}

func (q *Queue) bufferLocked(item render.Item) error {
	q.state.Value.Local = append(q.state.Value.Local, pendingItem{
		DemoURL:     item.DemoURL,
		Resolution:  item.Resolution,
		Title:       item.Title,
		Description: item.Description,
		Meta:        item.Meta,
	})
	return q.state.Flush()
}

// CheckDone polls every uploaded item in insertion order. Completed
// items fire the done callbacks and are removed; failed items fire
// the fail callbacks and are removed; in-progress items stay. Each
// removal is flushed before the next poll.
func (q *Queue) CheckDone(ctx context.Context) error {
	i := 0
	for {
		q.mu.Lock()
		if i >= len(q.state.Value.Uploaded) {
			q.mu.Unlock()
			return nil
		}
		item := q.state.Value.Uploaded[i]
		q.mu.Unlock()

		videoURL, done, err := q.sub.Status(ctx, item.RenderID)
		if err == nil && done {
			err = q.fireDone(ctx, videoURL, item.Meta)
		}
		if err != nil {
			if ferr := q.fireFail(ctx, strconv.FormatInt(item.RenderID, 10), err, item.Meta); ferr != nil {
				return ferr
			}
			if err := q.removeUploaded(i); err != nil {
				return err
			}
			continue
		}
		if !done {
			i++
			continue
		}
		if err := q.removeUploaded(i); err != nil {
			return err
		}
	}
}

func (q *Queue) removeUploaded(i int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	up := q.state.Value.Uploaded
	q.state.Value.Uploaded = append(up[:i:i], up[i+1:]...)
	return q.state.Flush()
}

// RetryUploads clears the queue-full flag and drains the local
// overflow queue in FIFO order until the remote again refuses.
func (q *Queue) RetryUploads(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state.Value.QueueFull = false
	for len(q.state.Value.Local) > 0 {
		head := q.state.Value.Local[0]
		err := q.submitLocked(ctx, render.Item{
			DemoURL:     head.DemoURL,
			Resolution:  head.Resolution,
			Title:       head.Title,
			Description: head.Description,
			Meta:        head.Meta,
		})
		if errors.Is(err, ErrQueueFull) {
			q.state.Value.QueueFull = true
			return q.state.Flush()
		}
		if err != nil {
			return err
		}
		q.state.Value.Local = q.state.Value.Local[1:]
		if err := q.state.Flush(); err != nil {
			return err
		}
	}
	return q.state.Flush()
}

// Run drives the queue: an immediate tick, then one every polling
// interval, until ctx is canceled. Tick errors are routed to the fail
// callbacks (with no item meta) and do not stop the loop.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if err := q.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Printf("tick: %v", err)
			if ferr := q.fireFail(ctx, "", err, nil); ferr != nil {
				return ferr
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.interval):
		}
	}
}

func (q *Queue) tick(ctx context.Context) error {
	if err := q.CheckDone(ctx); err != nil {
		return err
	}
	return q.RetryUploads(ctx)
}

func (q *Queue) fireDone(ctx context.Context, videoURL string, meta *render.ItemMeta) error {
	for _, f := range q.done {
		if err := f(ctx, videoURL, meta); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) fireFail(ctx context.Context, ref string, failure error, meta *render.ItemMeta) error {
	for _, f := range q.fail {
		if err := f(ctx, ref, failure, meta); err != nil {
			return err
		}
	}
	return nil
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
