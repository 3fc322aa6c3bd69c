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
	"fmt"
	"log"
	"math/rand"
)

// A FakeSubmitter simulates the remote service for operator dry-runs
// (configure the igmdb token as "fake-uploader"). It randomly accepts,
// refuses with Queue-Full, claims duplicates, and completes renders,
// exercising every branch of the polling queue without network
// traffic.
type FakeSubmitter struct{}

func (FakeSubmitter) Submit(ctx context.Context, demoURL string, resolution int, title, description string) (int64, error) {
	log.Printf("igmdb: simulating submit of %s: title: %s, resolution: %d", demoURL, title, resolution)
	switch r := rand.Intn(100); {
	case r < 33:
		return 0, ErrQueueFull
	case r < 43:
		return 0, &AlreadySubmittedError{DemoURL: demoURL}
	case r < 53:
		return 0, fmt.Errorf("igmdb: simulated generic submit failure")
	}
	return int64(rand.Intn(65536)), nil
}

func (FakeSubmitter) Status(ctx context.Context, renderID int64) (string, bool, error) {
	log.Printf("igmdb: simulating status check for %d", renderID)
	switch r := rand.Intn(100); {
	case r < 20:
		return fmt.Sprintf("https://example.com/#%d", rand.Intn(65536)), true, nil
	case r < 90:
		return "", false, nil
	}
	return "", false, fmt.Errorf("igmdb: simulated status failure")
}
