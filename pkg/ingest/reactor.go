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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"demokeep.org/pkg/chat"
	"demokeep.org/pkg/registry"
	"demokeep.org/pkg/render"
	"demokeep.org/pkg/render/local"
)

// ReactorConfig holds the announcement-side settings.
type ReactorConfig struct {
	// DonePrefix and DoneSuffix frame the video URL in announcements.
	DonePrefix string
	DoneSuffix string
	// DoneDirectMessage is the announcement text when the video is
	// posted to the chat directly instead of the video host.
	DoneDirectMessage string

	ReactionsDone   []string
	ReactionsFailed []string

	// MaxVideoSize is the chat platform's upload limit in bytes;
	// larger videos are re-rendered at RerenderResolution instead of
	// posted directly.
	MaxVideoSize       int64
	RerenderResolution int

	// OperatorUserID receives DMs about incomplete metadata and
	// first-round upload failures. Zero disables them.
	OperatorUserID uint64
}

// A Reactor consumes the render queue's terminal callbacks: it
// announces finished videos, records them in the registry, marks
// origin messages, and turns upload failures into re-renders or
// direct-to-chat posts.
type Reactor struct {
	client   chat.Client
	queue    render.Queue
	registry *registry.Registry
	// outputs resolves an origin channel name to announcement channel
	// ids (Ingester.OutputChannels).
	outputs func(name string) []uint64
	cfg     ReactorConfig
	logger  *log.Logger
}

// NewReactor returns a Reactor. Register OnDone and OnFail on the
// queue the items were submitted to.
func NewReactor(client chat.Client, queue render.Queue, reg *registry.Registry, outputs func(string) []uint64, cfg ReactorConfig) *Reactor {
	return &Reactor{
		client:   client,
		queue:    queue,
		registry: reg,
		outputs:  outputs,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "reactor: ", log.LstdFlags),
	}
}

// OnDone is a render.DoneFunc: it announces videoURL in every output
// channel of the origin, records the registry row, and reports
// incomplete metadata. Callbacks may fire more than once for the same
// render after a crash; the registry insert is a no-op then.
func (r *Reactor) OnDone(ctx context.Context, videoURL string, meta *render.ItemMeta) error {
	if meta == nil {
		r.logger.Printf("video done with no metadata: %s", videoURL)
		return nil
	}
	for _, channelID := range r.outputs(meta.InChannel) {
		origin, found, err := r.fetchOrigin(ctx, channelID, meta.MessageID)
		if err != nil {
			return err
		}
		req := chat.SendRequest{Content: r.cfg.DonePrefix + videoURL + r.cfg.DoneSuffix}
		if found {
			req.ReplyTo = origin.ID
		}
		if _, err := r.client.SendMessage(ctx, channelID, req); err != nil {
			return err
		}
		if found {
			if err := r.replaceReactions(ctx, origin, r.cfg.ReactionsDone); err != nil {
				return err
			}
		}
	}
	if err := r.registry.Record(ctx, meta.Filename, videoURL); err != nil {
		return err
	}
	if meta.HasUnknown {
		r.notifyOperator(ctx, "Video with some unknown: "+videoURL)
	}
	r.logger.Printf("announced %s for %s", videoURL, meta.Filename)
	return nil
}

// OnFail is a render.FailFunc. Upload failures that left a playable
// video behind are recovered (re-render or direct post); everything
// else marks the origin message failed. It never returns an error:
// item failures must not take the queue down.
func (r *Reactor) OnFail(ctx context.Context, ref string, failure error, meta *render.ItemMeta) error {
	r.logger.Printf("failure for %q (%+v): %v", ref, meta, failure)

	var ufe *local.UploadFailedError
	if errors.As(failure, &ufe) && meta != nil {
		if err := r.recoverVideo(ctx, meta, ufe); err != nil {
			r.logger.Printf("recovering failed upload for %q: %v", ref, err)
		}
		if meta.RerenderingRound == nil {
			// Re-render rounds reuse this path; only the first round
			// is worth an operator ping.
			r.notifyOperator(ctx, fmt.Sprintf(
				"Video upload failed: %s,\nmessage: %d,\nchannel: %s,\ntitle: %s\ndescription: %s\nerror details: %s\nvideo file: %s\n",
				meta.DemoURL, meta.MessageID, meta.InChannel, meta.Title, meta.Description, ufe.Msg, ufe.VideoFile))
		}
		return nil
	}

	if meta != nil {
		for _, channelID := range r.outputs(meta.InChannel) {
			origin, found, err := r.fetchOrigin(ctx, channelID, meta.MessageID)
			if err != nil || !found {
				continue
			}
			if err := r.replaceReactions(ctx, origin, r.cfg.ReactionsFailed); err != nil {
				r.logger.Printf("marking origin %d failed: %v", meta.MessageID, err)
			}
		}
	}
	return nil
}

// recoverVideo handles an upload failure with a produced mp4: oversize
// videos go back into the pipeline at a lower resolution, the rest are
// posted to the chat directly and their jump URL becomes the recorded
// video URL.
func (r *Reactor) recoverVideo(ctx context.Context, meta *render.ItemMeta, ufe *local.UploadFailedError) error {
	fi, err := os.Stat(ufe.VideoFile)
	if err != nil {
		return fmt.Errorf("ingest: sizing failed upload %s: %w", ufe.VideoFile, err)
	}
	if fi.Size() > r.cfg.MaxVideoSize {
		r.logger.Printf("video %s is %dB (max %dB); re-rendering at resolution %d",
			ufe.VideoFile, fi.Size(), r.cfg.MaxVideoSize, r.cfg.RerenderResolution)
		return r.queue.Submit(ctx, render.Item{
			DemoURL:     meta.DemoURL,
			Resolution:  r.cfg.RerenderResolution,
			Title:       meta.Title,
			Description: meta.Description,
			Meta:        meta.NextRound(),
		})
	}

	for _, channelID := range r.outputs(meta.InChannel) {
		origin, found, err := r.fetchOrigin(ctx, channelID, meta.MessageID)
		if err != nil {
			return err
		}
		f, err := os.Open(ufe.VideoFile)
		if err != nil {
			return err
		}
		req := chat.SendRequest{
			Content: r.cfg.DoneDirectMessage,
			File:    &chat.FileUpload{Filename: meta.Filename, Content: f},
		}
		if found {
			req.ReplyTo = origin.ID
		}
		out, err := r.client.SendMessage(ctx, channelID, req)
		f.Close()
		if err != nil {
			return err
		}
		if err := r.registry.Record(ctx, meta.Filename, out.JumpURL); err != nil {
			return err
		}
		if found {
			if err := r.replaceReactions(ctx, origin, r.cfg.ReactionsDone); err != nil {
				return err
			}
		}
	}
	if meta.HasUnknown {
		r.notifyOperator(ctx, fmt.Sprintf("Video with some unknown: %+v", meta))
	}
	return nil
}

// fetchOrigin fetches the message an item came from. A deleted
// message is not an error; found reports whether it still exists.
func (r *Reactor) fetchOrigin(ctx context.Context, channelID, messageID uint64) (m chat.Message, found bool, err error) {
	if messageID == 0 {
		return chat.Message{}, false, nil
	}
	m, err = r.client.FetchMessage(ctx, channelID, messageID)
	if errors.Is(err, chat.ErrNotFound) {
		r.logger.Printf("origin message %d is gone", messageID)
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, err
	}
	return m, true, nil
}

// replaceReactions swaps the bot's reactions on m for the given set,
// so the message shows exactly one state at a time.
func (r *Reactor) replaceReactions(ctx context.Context, m chat.Message, reactions []string) error {
	for _, old := range m.MyReactions {
		if err := r.client.RemoveOwnReaction(ctx, m.ChannelID, m.ID, old); err != nil {
			r.logger.Printf("removing reaction %s from %d: %v", old, m.ID, err)
		}
	}
	for _, emoji := range reactions {
		if err := r.client.AddReaction(ctx, m.ChannelID, m.ID, emoji); err != nil {
			return fmt.Errorf("ingest: adding reaction %s: %w", emoji, err)
		}
	}
	return nil
}

func (r *Reactor) notifyOperator(ctx context.Context, body string) {
	if r.cfg.OperatorUserID == 0 {
		return
	}
	if err := r.client.SendDirectMessage(ctx, r.cfg.OperatorUserID, body); err != nil {
		r.logger.Printf("DM to operator failed: %v", err)
	}
}
