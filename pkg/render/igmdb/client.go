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

// Package igmdb submits DeFRaG demos to the igmdb.org rendering
// service and polls it for finished videos. Submissions that the
// service refuses with its admission-control error are buffered in a
// local overflow queue and retried later.
package igmdb // import "demokeep.org/pkg/render/igmdb"

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// queueFullError is the exact error text the service returns when it
// refuses admission. It is the only reliable Queue-Full signal.
const queueFullError = "Can't submit; you are banned or have reached the maximum number of demos in queue"

// ErrQueueFull reports that the remote service refused admission.
var ErrQueueFull = errors.New("igmdb: remote rendering queue is full")

// An AlreadySubmittedError reports that the service considers the
// demo a duplicate submission. The service does the duplicate
// detection; we keep no idempotency key of our own.
type AlreadySubmittedError struct {
	DemoURL string
}

func (e *AlreadySubmittedError) Error() string {
	return fmt.Sprintf("igmdb: demo seems to have been already submitted: %s", e.DemoURL)
}

// A Submitter is the remote rendering surface the polling queue
// drives. Submit returns the remote render id; Status returns the
// final video URL once the render is done.
type Submitter interface {
	Submit(ctx context.Context, demoURL string, resolution int, title, description string) (renderID int64, err error)
	Status(ctx context.Context, renderID int64) (videoURL string, done bool, err error)
}

// A Client talks to the igmdb.org processor API.
type Client struct {
	// Token is the api_key credential.
	Token string
	// BaseURL optionally overrides the service root, for tests.
	BaseURL string
	// HTTPClient optionally overrides http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "https://www.igmdb.org"
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Submit submits a demo for rendering. Returns ErrQueueFull when the
// service refuses admission and *AlreadySubmittedError when it
// detects a duplicate.
func (c *Client) Submit(ctx context.Context, demoURL string, resolution int, title, description string) (int64, error) {
	form := url.Values{
		"api_key":  {c.Token},
		"demo_url": {demoURL},
		"resolution": {strconv.Itoa(resolution)},
		// output=1 renders straight to YouTube; 4 is needed for a
		// custom channel (barely documented).
		"output":             {"4"},
		"stream_title":       {title},
		"stream_description": {description},
	}
	req, err := http.NewRequestWithContext(ctx, "POST",
		c.baseURL()+"/processor.php?action=submitDemo",
		strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("igmdb: submitting %s: %w", demoURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("igmdb: reading submit response: %w", err)
	}
	// The service escapes quotes PHP-style; repair before parsing.
	body = bytes.ReplaceAll(body, []byte(`\'`), []byte(`'`))

	var parsed struct {
		Success  bool   `json:"success"`
		RenderID int64  `json:"render_id"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("igmdb: parsing submit response %q: %w", body, err)
	}
	if parsed.Success && parsed.RenderID == 0 {
		return 0, &AlreadySubmittedError{DemoURL: demoURL}
	}
	if !parsed.Success {
		if parsed.Error == queueFullError {
			return 0, ErrQueueFull
		}
		return 0, fmt.Errorf("igmdb: submit of %s refused: %s", demoURL, parsed.Error)
	}
	return parsed.RenderID, nil
}

// Status polls a render. done is false while the render is still in
// progress.
func (c *Client) Status(ctx context.Context, renderID int64) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/processor.php?action=getRenderInformation&render_id=%d", c.baseURL(), renderID), nil)
	if err != nil {
		return "", false, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", false, fmt.Errorf("igmdb: polling render %d: %w", renderID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("igmdb: reading status response: %w", err)
	}

	var parsed struct {
		Success bool `json:"success"`
		Output  struct {
			StatusFinal             string `json:"status_final"`
			StreamIdentifier        string `json:"stream_identifier"`
			DonatorStreamIdentifier string `json:"donator_stream_identifier"`
			Error                   string `json:"error"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false, fmt.Errorf("igmdb: parsing status response %q: %w", body, err)
	}
	if !parsed.Success {
		if parsed.Output.Error != "" {
			return "", false, fmt.Errorf("igmdb: status of render %d: %s", renderID, parsed.Output.Error)
		}
		return "", false, fmt.Errorf("igmdb: unknown error checking status of render %d: %q", renderID, body)
	}
	if parsed.Output.StatusFinal != "1" {
		return "", false, nil
	}
	id := parsed.Output.DonatorStreamIdentifier
	if id == "" {
		id = parsed.Output.StreamIdentifier
	}
	if id == "" {
		return "", false, fmt.Errorf("igmdb: empty stream identifier for render %d: %q", renderID, body)
	}
	return "https://youtu.be/" + id, true, nil
}
