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

package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"demokeep.org/pkg/chat"
)

// Gateway opcodes.
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opReconnect    = 7
	opInvalidSess  = 9
	opHello        = 10
	opHeartbeatACK = 11
)

// Gateway intents: guilds, guild messages, message content.
const gatewayIntents = 1<<0 | 1<<9 | 1<<15

type gatewayPayload struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  int64           `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Run implements chat.Client: it keeps a gateway connection alive
// until ctx is canceled, reconnecting with backoff on any failure.
// Events() is closed when Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	backoff := time.Second
	for {
		err := c.runGatewayOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Printf("gateway connection lost: %v; reconnecting in %v", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func (c *Client) runGatewayOnce(ctx context.Context) error {
	var gw struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, "GET", "/gateway/bot", nil, &gw); err != nil {
		return fmt.Errorf("discord: fetching gateway URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gw.URL+"?v=10&encoding=json", nil)
	if err != nil {
		return fmt.Errorf("discord: dialing gateway: %w", err)
	}
	defer conn.Close()

	// Unblock conn.ReadJSON when ctx goes away.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopped:
		}
	}()

	var writeMu sync.Mutex
	send := func(p any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(p)
	}

	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("discord: reading hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("discord: expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return fmt.Errorf("discord: bad hello payload: %v", err)
	}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   c.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      runtime.GOOS,
				"browser": "demokeep",
				"device":  "demokeep",
			},
		},
	}
	if err := send(identify); err != nil {
		return fmt.Errorf("discord: identifying: %w", err)
	}

	var lastSeq atomic.Int64
	heartbeat := func() error {
		return send(map[string]any{"op": opHeartbeat, "d": lastSeq.Load()})
	}
	go func() {
		t := time.NewTicker(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-stopped:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := heartbeat(); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		var p gatewayPayload
		if err := conn.ReadJSON(&p); err != nil {
			return err
		}
		if p.S != 0 {
			lastSeq.Store(p.S)
		}
		switch p.Op {
		case opHeartbeat:
			if err := heartbeat(); err != nil {
				return err
			}
		case opReconnect, opInvalidSess:
			return fmt.Errorf("discord: server asked for reconnect (op %d)", p.Op)
		case opHeartbeatACK:
		case opDispatch:
			if err := c.dispatch(ctx, p); err != nil {
				return err
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, p gatewayPayload) error {
	switch p.T {
	case "READY":
		var d struct {
			User wireUser `json:"user"`
		}
		if err := json.Unmarshal(p.D, &d); err != nil {
			return fmt.Errorf("discord: bad READY payload: %v", err)
		}
		c.mu.Lock()
		c.userID = d.User.ID
		c.mu.Unlock()
		return c.emit(ctx, chat.Event{Type: chat.EventReady})
	case "MESSAGE_CREATE":
		var w wireMessage
		if err := json.Unmarshal(p.D, &w); err != nil {
			c.logger.Printf("ignoring undecodable MESSAGE_CREATE: %v", err)
			return nil
		}
		c.mu.Lock()
		me := c.userID
		c.mu.Unlock()
		if w.Author.ID == me {
			return nil
		}
		return c.emit(ctx, chat.Event{Type: chat.EventMessage, Message: c.toMessage(w)})
	}
	return nil
}

func (c *Client) emit(ctx context.Context, ev chat.Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
