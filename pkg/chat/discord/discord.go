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

// Package discord implements chat.Client against the Discord REST and
// gateway APIs, speaking API v10 with a bot token.
package discord // import "demokeep.org/pkg/chat/discord"

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"demokeep.org/pkg/chat"
)

const apiBase = "https://discord.com/api/v10"

// restRate is a coarse global budget well under Discord's per-route
// limits; 429 responses are still honored when they happen.
var restRate = rate.NewLimiter(rate.Every(25*time.Millisecond), 10)

// A Client is a Discord connection implementing chat.Client.
type Client struct {
	token string
	hc    *http.Client
	base  string // API base URL, overridden in tests

	limiter *rate.Limiter
	logger  *log.Logger
	events  chan chat.Event

	mu           sync.Mutex
	userID       snowflake
	guildNames   map[snowflake]string
	channelGuild map[snowflake]snowflake
	dmChannels   map[uint64]snowflake // recipient user id -> DM channel id
}

// NewClient returns a client authenticating with the given bot token.
// Run must be called before events flow; the REST methods work without
// it.
func NewClient(token string) *Client {
	return &Client{
		token:        token,
		hc:           &http.Client{Timeout: time.Minute},
		base:         apiBase,
		limiter:      restRate,
		logger:       log.New(log.Writer(), "discord: ", log.LstdFlags),
		events:       make(chan chat.Event, 64),
		guildNames:   make(map[snowflake]string),
		channelGuild: make(map[snowflake]snowflake),
		dmChannels:   make(map[uint64]snowflake),
	}
}

func (c *Client) Events() <-chan chat.Event { return c.events }

// snowflake is a Discord id. The API encodes them as decimal strings;
// gateway payloads occasionally use bare numbers.
type snowflake uint64

func (s snowflake) String() string { return strconv.FormatUint(uint64(s), 10) }

func (s *snowflake) UnmarshalJSON(data []byte) error {
	if len(data) >= 2 && data[0] == '"' {
		data = data[1 : len(data)-1]
	}
	if string(data) == "null" || len(data) == 0 {
		*s = 0
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("discord: bad snowflake %q: %v", data, err)
	}
	*s = snowflake(n)
	return nil
}

func (s snowflake) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

type wireUser struct {
	ID snowflake `json:"id"`
}

type wireEmoji struct {
	Name string `json:"name"`
}

type wireReaction struct {
	Emoji wireEmoji `json:"emoji"`
	Me    bool      `json:"me"`
}

type wireAttachment struct {
	ID       snowflake `json:"id"`
	Filename string    `json:"filename"`
	URL      string    `json:"url"`
}

type wireMessage struct {
	ID              snowflake        `json:"id"`
	ChannelID       snowflake        `json:"channel_id"`
	GuildID         snowflake        `json:"guild_id"`
	Author          wireUser         `json:"author"`
	Content         string           `json:"content"`
	Attachments     []wireAttachment `json:"attachments"`
	Mentions        []wireUser       `json:"mentions"`
	MentionEveryone bool             `json:"mention_everyone"`
	Reactions       []wireReaction   `json:"reactions"`
}

type wireChannel struct {
	ID      snowflake `json:"id"`
	Type    int       `json:"type"`
	Name    string    `json:"name"`
	GuildID snowflake `json:"guild_id"`
}

type wireGuild struct {
	ID   snowflake `json:"id"`
	Name string    `json:"name"`
}

const channelTypeGuildText = 0

func (c *Client) toMessage(w wireMessage) chat.Message {
	c.mu.Lock()
	me := c.userID
	guildID := w.GuildID
	if guildID == 0 {
		guildID = c.channelGuild[w.ChannelID]
	}
	c.mu.Unlock()

	m := chat.Message{
		ID:         uint64(w.ID),
		ChannelID:  uint64(w.ChannelID),
		Content:    w.Content,
		MentionsMe: w.MentionEveryone,
	}
	if guildID != 0 {
		m.JumpURL = fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, w.ChannelID, w.ID)
	}
	for _, u := range w.Mentions {
		if u.ID == me {
			m.MentionsMe = true
		}
	}
	for _, a := range w.Attachments {
		m.Attachments = append(m.Attachments, chat.Attachment{
			ID:       uint64(a.ID),
			Filename: a.Filename,
			URL:      a.URL,
		})
	}
	for _, r := range w.Reactions {
		if r.Me {
			m.MyReactions = append(m.MyReactions, r.Emoji.Name)
		}
	}
	return m
}

// apiError is Discord's JSON error body.
type apiError struct {
	Code       int     `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Status     int     `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("discord: HTTP %d: %s (code %d)", e.Status, e.Message, e.Code)
}

func (e *apiError) Unwrap() error {
	switch e.Status {
	case http.StatusForbidden:
		return chat.ErrForbidden
	case http.StatusNotFound:
		return chat.ErrNotFound
	}
	return nil
}

// do performs an authenticated API call, honoring the global rate
// budget and retrying on 429. body may be nil; out may be nil.
func (c *Client) do(ctx context.Context, method, path string, contentType string, body []byte, out any) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			var ae apiError
			_ = json.Unmarshal(respBody, &ae)
			wait := time.Duration(ae.RetryAfter * float64(time.Second))
			if wait <= 0 {
				wait = time.Second
			}
			c.logger.Printf("rate limited on %s %s; sleeping %v", method, path, wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			ae := &apiError{Status: resp.StatusCode}
			_ = json.Unmarshal(respBody, ae)
			return ae
		}
		if out != nil && len(respBody) > 0 {
			return json.Unmarshal(respBody, out)
		}
		return nil
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}
	return c.do(ctx, method, path, "application/json", body, out)
}

// Channels implements chat.Client. It also (re)builds the channel to
// guild map jump URLs depend on.
func (c *Client) Channels(ctx context.Context) ([]chat.Channel, error) {
	var guilds []wireGuild
	if err := c.doJSON(ctx, "GET", "/users/@me/guilds?limit=200", nil, &guilds); err != nil {
		return nil, fmt.Errorf("discord: listing guilds: %w", err)
	}
	var out []chat.Channel
	for _, g := range guilds {
		var chans []wireChannel
		if err := c.doJSON(ctx, "GET", "/guilds/"+g.ID.String()+"/channels", nil, &chans); err != nil {
			return nil, fmt.Errorf("discord: listing channels of %s: %w", g.Name, err)
		}
		c.mu.Lock()
		c.guildNames[g.ID] = g.Name
		for _, ch := range chans {
			if ch.Type != channelTypeGuildText {
				continue
			}
			c.channelGuild[ch.ID] = g.ID
			out = append(out, chat.Channel{
				ID:        uint64(ch.ID),
				GuildName: g.Name,
				Name:      ch.Name,
			})
		}
		c.mu.Unlock()
	}
	return out, nil
}

// History implements chat.Client, walking forward 100 messages per
// request.
func (c *Client) History(ctx context.Context, channelID, afterID uint64, fn func(chat.Message) error) error {
	after := afterID
	for {
		path := fmt.Sprintf("/channels/%d/messages?limit=100&after=%d", channelID, after)
		var batch []wireMessage
		if err := c.doJSON(ctx, "GET", path, nil, &batch); err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		// Discord returns each batch newest first.
		for i := len(batch) - 1; i >= 0; i-- {
			m := c.toMessage(batch[i])
			if err := fn(m); err != nil {
				return err
			}
			if m.ID > after {
				after = m.ID
			}
		}
	}
}

type sendPayload struct {
	Content          string            `json:"content,omitempty"`
	MessageReference *messageReference `json:"message_reference,omitempty"`
}

type messageReference struct {
	MessageID snowflake `json:"message_id"`
	// Replies to deleted messages degrade to plain messages.
	FailIfNotExists bool `json:"fail_if_not_exists"`
}

// SendMessage implements chat.Client.
func (c *Client) SendMessage(ctx context.Context, channelID uint64, req chat.SendRequest) (chat.Message, error) {
	payload := sendPayload{Content: req.Content}
	if req.ReplyTo != 0 {
		payload.MessageReference = &messageReference{MessageID: snowflake(req.ReplyTo)}
	}
	path := fmt.Sprintf("/channels/%d/messages", channelID)

	var w wireMessage
	if req.File == nil {
		if err := c.doJSON(ctx, "POST", path, payload, &w); err != nil {
			return chat.Message{}, err
		}
		return c.toMessage(w), nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	pj, err := json.Marshal(payload)
	if err != nil {
		return chat.Message{}, err
	}
	if err := mw.WriteField("payload_json", string(pj)); err != nil {
		return chat.Message{}, err
	}
	fw, err := mw.CreateFormFile("files[0]", req.File.Filename)
	if err != nil {
		return chat.Message{}, err
	}
	if _, err := io.Copy(fw, req.File.Content); err != nil {
		return chat.Message{}, err
	}
	if err := mw.Close(); err != nil {
		return chat.Message{}, err
	}
	if err := c.do(ctx, "POST", path, mw.FormDataContentType(), buf.Bytes(), &w); err != nil {
		return chat.Message{}, err
	}
	return c.toMessage(w), nil
}

// SendDirectMessage implements chat.Client. The DM channel per
// recipient is cached.
func (c *Client) SendDirectMessage(ctx context.Context, userID uint64, content string) error {
	c.mu.Lock()
	dm, ok := c.dmChannels[userID]
	c.mu.Unlock()
	if !ok {
		var ch wireChannel
		in := map[string]string{"recipient_id": snowflake(userID).String()}
		if err := c.doJSON(ctx, "POST", "/users/@me/channels", in, &ch); err != nil {
			return fmt.Errorf("discord: opening DM channel to %d: %w", userID, err)
		}
		dm = ch.ID
		c.mu.Lock()
		c.dmChannels[userID] = dm
		c.mu.Unlock()
	}
	_, err := c.SendMessage(ctx, uint64(dm), chat.SendRequest{Content: content})
	return err
}

// FetchMessage implements chat.Client.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID uint64) (chat.Message, error) {
	var w wireMessage
	path := fmt.Sprintf("/channels/%d/messages/%d", channelID, messageID)
	if err := c.doJSON(ctx, "GET", path, nil, &w); err != nil {
		return chat.Message{}, err
	}
	return c.toMessage(w), nil
}

// AddReaction implements chat.Client.
func (c *Client) AddReaction(ctx context.Context, channelID, messageID uint64, emoji string) error {
	path := fmt.Sprintf("/channels/%d/messages/%d/reactions/%s/@me",
		channelID, messageID, url.PathEscape(emoji))
	return c.do(ctx, "PUT", path, "", nil, nil)
}

// RemoveOwnReaction implements chat.Client.
func (c *Client) RemoveOwnReaction(ctx context.Context, channelID, messageID uint64, emoji string) error {
	path := fmt.Sprintf("/channels/%d/messages/%d/reactions/%s/@me",
		channelID, messageID, url.PathEscape(emoji))
	return c.do(ctx, "DELETE", path, "", nil, nil)
}

// Download implements chat.Client. Attachment CDN URLs need no
// authentication.
func (c *Client) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("discord: downloading %s: %w", rawURL, chat.ErrNotFound)
		}
		return nil, fmt.Errorf("discord: downloading %s: status %s", rawURL, resp.Status)
	}
	return resp.Body, nil
}
