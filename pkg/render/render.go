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

// Package render defines the rendering pipeline abstraction: a
// durable queue that accepts demo submissions and eventually delivers
// a final video URL (or a typed failure) to registered callbacks.
//
// Two implementations exist: render/igmdb submits demos to the remote
// igmdb.org rendering service and polls it for completion, and
// render/local renders and uploads on the same host through external
// binaries. Both persist their queues and survive restarts; terminal
// callbacks are delivered at least once, so consumers must tolerate
// duplicates.
package render // import "demokeep.org/pkg/render"

import "context"

// An Item is one demo submission.
type Item struct {
	// DemoURL is where the raw demo bytes can be fetched.
	DemoURL string
	// Resolution selects the rendering quality (a provider-defined
	// scalar; re-renders after oversize uploads lower it).
	Resolution  int
	Title       string
	Description string
	// Meta travels with the item through every stage and attributes
	// the final URL back to the originating chat message. May be nil
	// for items recovered from very old queue files.
	Meta *ItemMeta
}

// A DoneFunc consumes a final video URL for an item.
type DoneFunc func(ctx context.Context, videoURL string, meta *ItemMeta) error

// A FailFunc consumes a terminal failure for an item. ref identifies
// the item for logging: the remote render id, or the demo URL for the
// local pipeline. meta may be nil when the failure is not attributable
// to a single item.
type FailFunc func(ctx context.Context, ref string, err error, meta *ItemMeta) error

// A Queue is a crash-safe rendering pipeline.
//
// Submit persists the item before returning. Run drives the pipeline
// until ctx is canceled: the polling variant ticks the remote service,
// the local variant runs its render/upload/publish workers. Callbacks
// are invoked from Run's goroutines in registration order; both lists
// are append-only and must be complete before Run starts.
type Queue interface {
	Submit(ctx context.Context, item Item) error
	Run(ctx context.Context) error
	AddDoneCallback(DoneFunc)
	AddFailCallback(FailFunc)
}
