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

// Package chat defines the chat-platform abstraction the archiver and
// the rendering reactor are written against. The only production
// implementation is demokeep.org/pkg/chat/discord; tests use in-memory
// fakes.
package chat // import "demokeep.org/pkg/chat"

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrForbidden reports that the bot lacks permission for the
	// operation (reading a channel's history, usually).
	ErrForbidden = errors.New("chat: forbidden")
	// ErrNotFound reports that the referenced entity no longer exists
	// (deleted message, removed channel).
	ErrNotFound = errors.New("chat: not found")
)

// A Channel is a text channel the bot can see.
type Channel struct {
	ID        uint64
	GuildName string
	Name      string
}

// An Attachment is a file attached to a message.
type Attachment struct {
	ID       uint64
	Filename string
	URL      string
}

// A Message is a chat message as the archiver sees it.
type Message struct {
	ID          uint64
	ChannelID   uint64
	Content     string
	JumpURL     string
	Attachments []Attachment
	// MentionsMe reports whether the message mentions the bot user,
	// directly or through a role.
	MentionsMe bool
	// MyReactions lists the emoji the bot itself has put on the
	// message.
	MyReactions []string
}

// A FileUpload attaches a local file to an outgoing message.
type FileUpload struct {
	Filename string
	Content  io.Reader
}

// A SendRequest describes an outgoing channel message.
type SendRequest struct {
	Content string
	// ReplyTo, when nonzero, sends the message as a reply to that
	// message id in the same channel.
	ReplyTo uint64
	File    *FileUpload
}

// EventType discriminates Event.
type EventType int

const (
	// EventReady fires when the connection is established and the
	// channel list is usable. It fires again after reconnects.
	EventReady EventType = iota
	// EventMessage fires for each new message in a visible channel.
	EventMessage
)

// An Event is a push notification from the chat platform.
type Event struct {
	Type    EventType
	Message Message // set for EventMessage
}

// A Client is a connection to the chat platform.
//
// All methods are safe for concurrent use. Methods reporting on
// missing entities return an error wrapping ErrNotFound; permission
// failures wrap ErrForbidden.
type Client interface {
	// Run connects and pumps events until ctx is canceled. Events
	// arrive on Events after the first EventReady.
	Run(ctx context.Context) error

	// Events returns the event stream. The channel is closed when Run
	// returns.
	Events() <-chan Event

	// Channels lists the text channels visible to the bot, across all
	// its guilds.
	Channels(ctx context.Context) ([]Channel, error)

	// History walks the channel's messages with an id greater than
	// afterID, oldest first, calling fn for each. A non-nil error from
	// fn stops the walk and is returned.
	History(ctx context.Context, channelID, afterID uint64, fn func(Message) error) error

	// SendMessage posts to a channel and returns the created message.
	SendMessage(ctx context.Context, channelID uint64, req SendRequest) (Message, error)

	// SendDirectMessage messages a user directly.
	SendDirectMessage(ctx context.Context, userID uint64, content string) error

	// FetchMessage fetches a single message by id.
	FetchMessage(ctx context.Context, channelID, messageID uint64) (Message, error)

	// AddReaction adds the bot's reaction to a message.
	AddReaction(ctx context.Context, channelID, messageID uint64, emoji string) error

	// RemoveOwnReaction removes the bot's own reaction from a message.
	RemoveOwnReaction(ctx context.Context, channelID, messageID uint64, emoji string) error

	// Download fetches the content behind an attachment URL.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}
