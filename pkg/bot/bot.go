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

// Package bot wires the demokeep daemon together: configuration,
// single-instance locking, the chat client, the render queue variant,
// and the ingest/reactor pair, and drives them until shutdown.
package bot // import "demokeep.org/pkg/bot"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"go4.org/lock"
	"golang.org/x/sync/errgroup"

	"demokeep.org/pkg/analyzer"
	"demokeep.org/pkg/chat"
	"demokeep.org/pkg/chat/discord"
	"demokeep.org/pkg/ingest"
	"demokeep.org/pkg/registry"
	"demokeep.org/pkg/render"
	"demokeep.org/pkg/render/igmdb"
	"demokeep.org/pkg/render/local"
	"demokeep.org/pkg/statefile"
)

// An ExitError carries the process exit code a failure maps to:
// 1 for failures in the bot's own pipeline, 2 for fatal chat
// transport errors.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// A Bot is the assembled daemon.
type Bot struct {
	cfg    *Config
	logger *log.Logger
}

// New returns an unstarted Bot.
func New(cfg *Config) *Bot {
	return &Bot{
		cfg:    cfg,
		logger: log.New(log.Writer(), "bot: ", log.LstdFlags),
	}
}

// Run acquires the single-instance lock and runs the daemon until ctx
// is canceled. A clean shutdown returns nil.
func (b *Bot) Run(ctx context.Context) error {
	unlock, err := b.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock.Close()

	reg, err := registry.Open(filepath.Join(b.cfg.StateDir, "db.sqlite"))
	if err != nil {
		return err
	}
	defer reg.Close()

	queue, queueState, err := b.buildQueue()
	if err != nil {
		return err
	}
	defer queueState.Close()

	client := discord.NewClient(b.cfg.DiscordToken)
	ing := ingest.NewIngester(client, queue, &analyzer.Analyzer{Exe: b.cfg.DemocleanerExe}, reg, ingest.Config{
		Channels:                b.cfg.Channels,
		DefaultOutputs:          b.cfg.DefaultOutputs,
		StateDir:                b.cfg.StateDir,
		TempDir:                 b.cfg.TempDir,
		AttachmentsDir:          b.cfg.AttachmentsDir,
		URLsFile:                b.cfg.URLsFile,
		Resolution:              b.cfg.Resolution,
		ReactionsWIP:            b.cfg.ReactionsWIP,
		ReactionsRejected:       b.cfg.ReactionsRejected,
		AlreadyRenderedTemplate: b.cfg.AlreadyRenderedTemplate,
		DescriptionSuffix:       b.cfg.DescriptionSuffix,
	})
	reactor := ingest.NewReactor(client, queue, reg, ing.OutputChannels, ingest.ReactorConfig{
		DonePrefix:         b.cfg.DonePrefix,
		DoneSuffix:         b.cfg.DoneSuffix,
		DoneDirectMessage:  b.cfg.DoneDirectMessage,
		ReactionsDone:      b.cfg.ReactionsDone,
		ReactionsFailed:    b.cfg.ReactionsFailed,
		MaxVideoSize:       b.cfg.MaxVideoSize,
		RerenderResolution: b.cfg.RerenderResolution,
		OperatorUserID:     b.cfg.OperatorUserID,
	})
	queue.AddDoneCallback(reactor.OnDone)
	queue.AddFailCallback(reactor.OnFail)
	ing.FailHook = reactor.OnFail

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			return &ExitError{Code: 2, Err: fmt.Errorf("bot: chat connection: %w", err)}
		}
		return ctx.Err()
	})
	g.Go(func() error {
		if err := b.drive(ctx, g, client, ing, queue); err != nil && ctx.Err() == nil {
			return &ExitError{Code: 1, Err: err}
		}
		return ctx.Err()
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		b.logger.Printf("shut down cleanly")
		return nil
	}
	return err
}

// drive consumes chat events: readiness (re)initializes the channel
// map and replays history, messages replay their channel. Messages
// arriving during the initial replay set a dirty flag and are picked
// up by a second replay instead of running concurrently.
func (b *Bot) drive(ctx context.Context, g *errgroup.Group, client chat.Client, ing *ingest.Ingester, queue render.Queue) error {
	prepared := false
	dirty := false
	queueStarted := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-client.Events():
			if !ok {
				return errors.New("bot: event stream closed")
			}
			switch ev.Type {
			case chat.EventReady:
				b.logger.Printf("chat ready")
				if err := ing.InitChannels(ctx); err != nil {
					return err
				}
				if !queueStarted {
					queueStarted = true
					g.Go(func() error { return queue.Run(ctx) })
				}
				if err := ing.DownloadAll(ctx); err != nil {
					return err
				}
				if dirty {
					b.logger.Printf("messages arrived during replay; replaying again")
					dirty = false
					if err := ing.DownloadAll(ctx); err != nil {
						return err
					}
				}
				prepared = true
				b.logger.Printf("initial replay done")
			case chat.EventMessage:
				if !prepared {
					dirty = true
					continue
				}
				if err := ing.HandleMessage(ctx, ev.Message); err != nil {
					return err
				}
			}
		}
	}
}

// acquireLock takes {STATE}/run.lock, retrying for the configured
// timeout so a restart can wait out its predecessor.
func (b *Bot) acquireLock(ctx context.Context) (io.Closer, error) {
	path := filepath.Join(b.cfg.StateDir, "run.lock")
	deadline := time.Now().Add(b.cfg.LockTimeout)
	for {
		unlock, err := lock.Lock(path)
		if err == nil {
			return unlock, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("bot: unable to acquire %s; is another instance running? (%v)", path, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// buildQueue constructs the configured render queue variant along
// with its persistent state (closed, and thereby flushed, on
// shutdown).
func (b *Bot) buildQueue() (render.Queue, io.Closer, error) {
	switch b.cfg.Provider {
	case ProviderIgmdb:
		var sub igmdb.Submitter
		if b.cfg.IgmdbToken == FakeUploaderToken {
			sub = igmdb.FakeSubmitter{}
		} else {
			sub = &igmdb.Client{Token: b.cfg.IgmdbToken}
		}
		st, err := statefile.Open(filepath.Join(b.cfg.StateDir, "igmdb-upload-queue.json"), igmdb.DefaultState())
		if err != nil {
			return nil, nil, err
		}
		return igmdb.NewQueue(sub, st, b.cfg.IgmdbPollingInterval), st, nil
	case ProviderLocal:
		st, err := statefile.Open(filepath.Join(b.cfg.StateDir, "local-rendering-queue.json"), local.DefaultState())
		if err != nil {
			return nil, nil, err
		}
		renderer := &local.ODFERenderer{
			Dir:          b.cfg.Local.ODFEDir,
			Executable:   b.cfg.Local.ODFEExecutable,
			ConfigDir:    b.cfg.Local.ConfigDir,
			DemoDir:      b.cfg.Local.DemoDir,
			VideoDir:     b.cfg.Local.VideoDir,
			ConfigPrefix: b.cfg.Local.ConfigPrefix,
		}
		uploader := &local.YoutubeUploader{
			Executable: b.cfg.Local.YoutubeExecutable,
			Params:     b.cfg.Local.YoutubeParams,
		}
		return local.NewQueue(renderer, uploader, st, b.cfg.PublishingDelay), st, nil
	}
	return nil, nil, fmt.Errorf("bot: unexpected provider %q", b.cfg.Provider)
}
