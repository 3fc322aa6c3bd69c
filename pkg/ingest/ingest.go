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

// Package ingest archives chat messages and drives demo attachments
// into the rendering pipeline: URL journaling, attachment download
// with dedup, metadata extraction, and submission to the configured
// render queue. Its counterpart, the Reactor, handles pipeline
// completions and failures back toward the chat.
package ingest // import "demokeep.org/pkg/ingest"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"demokeep.org/pkg/analyzer"
	"demokeep.org/pkg/chat"
	"demokeep.org/pkg/mover"
	"demokeep.org/pkg/registry"
	"demokeep.org/pkg/render"
	"demokeep.org/pkg/statefile"
)

// historyEpoch is the message id channel replay starts after when no
// savepoint exists yet. It predates every archived guild.
const historyEpoch = 891111111283456789

var (
	urlRE      = regexp.MustCompile(`https?://[^\s]+`)
	demoNameRE = regexp.MustCompile(`.*\.dm_6[0-9]$`)
	physicsRE  = regexp.MustCompile(`.*\((.*)\)$`)
)

func extractURLs(s string) []string { return urlRE.FindAllString(s, -1) }

// IsDemoFilename reports whether name looks like a DeFRaG demo.
func IsDemoFilename(name string) bool { return demoNameRE.MatchString(name) }

// Config holds the ingestion settings.
type Config struct {
	// Channels maps input channel names ("{guild}--{channel}") to the
	// output channel names rendered videos are announced in. Channels
	// not listed are still replayed, but only messages mentioning the
	// bot are archived.
	Channels map[string][]string
	// DefaultOutputs are the announcement channels for items whose
	// origin channel is unknown (state predating per-channel outputs).
	DefaultOutputs []string

	StateDir       string
	TempDir        string
	AttachmentsDir string
	URLsFile       string

	// Resolution is the rendering resolution for first submissions.
	Resolution int

	ReactionsWIP      []string
	ReactionsRejected []string

	// AlreadyRenderedTemplate is the reply for duplicate demos; %s is
	// the prior video URL.
	AlreadyRenderedTemplate string
	// DescriptionSuffix is appended to every video description.
	DescriptionSuffix string
}

// An Ingester replays channel history and archives messages. Replay
// and live-message handling are serialized by an internal lock so the
// savepoint and the URL journal advance atomically with respect to
// each other.
type Ingester struct {
	client   chat.Client
	queue    render.Queue
	analyzer *analyzer.Analyzer
	registry *registry.Registry
	cfg      Config
	logger   *log.Logger

	// FailHook receives item-local failures (analyzer or submit
	// errors), the same fan-out the render queues use. Set before the
	// first message is processed.
	FailHook render.FailFunc

	mu           sync.Mutex // serializes replay and message handling
	channels     map[string]chat.Channel
	channelNames map[uint64]string
	outputs      map[string][]uint64 // "" is the legacy default key
}

// NewIngester returns an Ingester. InitChannels must run after the
// client is ready and before any replay.
func NewIngester(client chat.Client, queue render.Queue, an *analyzer.Analyzer, reg *registry.Registry, cfg Config) *Ingester {
	return &Ingester{
		client:   client,
		queue:    queue,
		analyzer: an,
		registry: reg,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "ingest: ", log.LstdFlags),
	}
}

// InitChannels enumerates the visible channels and builds the
// name maps. It fails fast on duplicate names and on configured
// channels that cannot be found.
func (in *Ingester) InitChannels(ctx context.Context) error {
	chs, err := in.client.Channels(ctx)
	if err != nil {
		return fmt.Errorf("ingest: listing channels: %w", err)
	}
	channels := make(map[string]chat.Channel)
	names := make(map[uint64]string)
	for _, ch := range chs {
		name := ch.GuildName + "--" + ch.Name
		if _, dup := channels[name]; dup {
			return fmt.Errorf("ingest: multiple channels named %q", name)
		}
		channels[name] = ch
		names[ch.ID] = name
	}

	var missing []string
	for name := range in.cfg.Channels {
		if _, ok := channels[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("ingest: configured channels not found: %v", missing)
	}

	resolve := func(names []string) ([]uint64, error) {
		var ids []uint64
		for _, n := range names {
			ch, ok := channels[n]
			if !ok {
				return nil, fmt.Errorf("ingest: output channel not found: %q", n)
			}
			ids = append(ids, ch.ID)
		}
		return ids, nil
	}
	outputs := make(map[string][]uint64)
	if outputs[""], err = resolve(in.cfg.DefaultOutputs); err != nil {
		return err
	}
	for name, outs := range in.cfg.Channels {
		if outputs[name], err = resolve(outs); err != nil {
			return err
		}
	}

	in.mu.Lock()
	in.channels = channels
	in.channelNames = names
	in.outputs = outputs
	in.mu.Unlock()
	return nil
}

// OutputChannels resolves the announcement channel ids for an origin
// channel name. Unconfigured origins announce back into themselves;
// the empty name uses the legacy defaults.
func (in *Ingester) OutputChannels(name string) []uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	if outs := in.outputs[name]; len(outs) > 0 {
		return outs
	}
	if ch, ok := in.channels[name]; ok {
		return []uint64{ch.ID}
	}
	return nil
}

// DownloadAll replays every visible channel oldest first from its
// savepoint.
func (in *Ingester) DownloadAll(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	names := make([]string, 0, len(in.channels))
	for name := range in.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, checkAll := in.cfg.Channels[name]
		in.logger.Printf("## %s (check all: %v)", name, checkAll)
		if err := in.downloadChannel(ctx, name, in.channels[name].ID, checkAll); err != nil {
			return err
		}
	}
	return nil
}

// HandleMessage processes one live message by re-running the replay of
// its channel, which picks the message up savepoint-gated like any
// other.
func (in *Ingester) HandleMessage(ctx context.Context, m chat.Message) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	name, ok := in.channelNames[m.ChannelID]
	if !ok {
		in.logger.Printf("skipping message %d: unknown channel %d", m.ID, m.ChannelID)
		return nil
	}
	_, checkAll := in.cfg.Channels[name]
	in.logger.Printf("new message in channel %s", name)
	return in.downloadChannel(ctx, name, m.ChannelID, checkAll)
}

// downloadChannel replays one channel. in.mu must be held.
func (in *Ingester) downloadChannel(ctx context.Context, name string, channelID uint64, checkAll bool) error {
	sp, err := statefile.OpenSavepoint(filepath.Join(in.cfg.StateDir, url.PathEscape(name)+".txt"))
	if err != nil {
		return fmt.Errorf("ingest: opening savepoint for %s: %w", name, err)
	}
	defer sp.Close()

	urlsFile, err := os.OpenFile(in.cfg.URLsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("ingest: opening URL journal: %w", err)
	}
	defer urlsFile.Close()
	beforeSync := func() error {
		return urlsFile.Sync()
	}

	after, ok := sp.Get()
	if !ok {
		after = historyEpoch
	}
	err = in.client.History(ctx, channelID, after, func(m chat.Message) error {
		if checkAll || m.MentionsMe {
			if err := in.archiveMessage(ctx, name, m, urlsFile); err != nil {
				return err
			}
		}
		return sp.Set(m.ID, beforeSync, nil)
	})
	if errors.Is(err, chat.ErrForbidden) {
		in.logger.Printf("no access to channel %s", name)
		return nil
	}
	return err
}

func (in *Ingester) archiveMessage(ctx context.Context, channelName string, m chat.Message, urlsFile *os.File) error {
	in.logger.Printf("#%d: %s", m.ID, m.Content)
	for _, u := range extractURLs(m.Content) {
		if _, err := fmt.Fprintf(urlsFile, "%s (%s)\n", u, m.JumpURL); err != nil {
			return fmt.Errorf("ingest: appending to URL journal: %w", err)
		}
	}

	for i, att := range m.Attachments {
		tmp := filepath.Join(in.cfg.TempDir, fmt.Sprintf("%d-%d-%d-%d", m.ID, att.ID, i, os.Getpid()))
		sanitized := sanitizeFilename(att.Filename)
		dest := filepath.Join(in.cfg.AttachmentsDir, sanitized)

		if err := in.downloadTo(ctx, att.URL, tmp); err != nil {
			return fmt.Errorf("ingest: downloading attachment %s: %w", att.Filename, err)
		}
		actualDest, isNew, err := mover.Move(tmp, dest)
		if err != nil {
			return fmt.Errorf("ingest: archiving attachment %s: %w", att.Filename, err)
		}
		in.logger.Printf("* %s (archived as %s, new: %v)", att.Filename, actualDest, isNew)

		if !IsDemoFilename(att.Filename) {
			continue
		}
		if isNew {
			if err := in.addReactions(ctx, m, in.cfg.ReactionsWIP); err != nil {
				return err
			}
			in.submitDemo(ctx, channelName, m, att, actualDest)
			continue
		}
		priorURL, err := in.registry.Lookup(ctx, sanitized)
		switch {
		case err == nil:
			if err := in.addReactions(ctx, m, in.cfg.ReactionsRejected); err != nil {
				return err
			}
			reply := fmt.Sprintf(in.cfg.AlreadyRenderedTemplate, priorURL)
			if _, err := in.client.SendMessage(ctx, m.ChannelID, chat.SendRequest{Content: reply, ReplyTo: m.ID}); err != nil {
				return err
			}
		case errors.Is(err, registry.ErrNotFound):
			// Archived before, but the render never finished.
			if err := in.addReactions(ctx, m, in.cfg.ReactionsWIP); err != nil {
				return err
			}
			in.submitDemo(ctx, channelName, m, att, actualDest)
		default:
			return err
		}
	}
	return nil
}

func (in *Ingester) downloadTo(ctx context.Context, srcURL, dest string) error {
	body, err := in.client.Download(ctx, srcURL)
	if err != nil {
		return err
	}
	defer body.Close()
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// submitDemo extracts metadata and hands the demo to the render queue.
// Failures are item-local: they go to FailHook, not up the replay.
func (in *Ingester) submitDemo(ctx context.Context, channelName string, m chat.Message, att chat.Attachment, localPath string) {
	hasUnknown := false
	field := func(s string) string {
		if s == "" {
			hasUnknown = true
			return "<unknown>"
		}
		return s
	}

	info, err := in.analyzer.Analyze(ctx, localPath)
	if err != nil {
		in.fail(ctx, strconv.FormatUint(att.ID, 10), err, nil)
		return
	}

	nick := info.Attr("player", "uncoloredName")
	if nick == "" {
		nick = info.Attr("player", "df_name")
	}
	nick = field(nick)
	mapname := field(info.Attr("client", "mapname"))
	physics := field(extractPhysics(info.Attr("game", "gameplay")))
	bestTime := field(info.Attr("record", "bestTime"))

	unangle := strings.NewReplacer("<", "_", ">", "_")
	title := unangle.Replace(fmt.Sprintf("DeFRaG: %s %s %s %s", nick, bestTime, physics, mapname))
	description := unangle.Replace(fmt.Sprintf("Nickname: %s\nTime: %s\nPhysics: %s\nMap: %s\n%s",
		nick, bestTime, physics, mapname, in.cfg.DescriptionSuffix))

	meta := &render.ItemMeta{
		InChannel:   channelName,
		MessageID:   m.ID,
		Title:       title,
		Description: description,
		DemoURL:     att.URL,
		HasUnknown:  hasUnknown,
		Filename:    filepath.Base(localPath),
	}
	err = in.queue.Submit(ctx, render.Item{
		DemoURL:     att.URL,
		Resolution:  in.cfg.Resolution,
		Title:       title,
		Description: description,
		Meta:        meta,
	})
	if err != nil {
		in.fail(ctx, strconv.FormatUint(att.ID, 10), err, meta)
	}
}

func (in *Ingester) fail(ctx context.Context, ref string, err error, meta *render.ItemMeta) {
	if in.FailHook == nil {
		in.logger.Printf("failure for %s with no hook installed: %v", ref, err)
		return
	}
	if hookErr := in.FailHook(ctx, ref, err, meta); hookErr != nil {
		in.logger.Printf("failure hook errored for %s: %v (original failure: %v)", ref, hookErr, err)
	}
}

func (in *Ingester) addReactions(ctx context.Context, m chat.Message, reactions []string) error {
	for _, r := range reactions {
		if err := in.client.AddReaction(ctx, m.ChannelID, m.ID, r); err != nil {
			return fmt.Errorf("ingest: adding reaction %s: %w", r, err)
		}
	}
	return nil
}

// extractPhysics pulls the short physics name out of gameplay strings
// like "ProMode (cpm)"; strings without parentheses pass through.
func extractPhysics(gameplay string) string {
	if m := physicsRE.FindStringSubmatch(gameplay); m != nil {
		return m[1]
	}
	return gameplay
}

// sanitizeFilename makes an attachment filename safe as a single path
// component, replacing separators, reserved punctuation and control
// characters with "-".
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteRune('-')
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimRight(b.String(), " .")
	if out == "" || out == "." || out == ".." {
		return "-"
	}
	return out
}
