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

package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// An UploadFailedError reports that the video-host upload failed but
// a playable video file exists on disk. The completion reactor reuses
// the file: oversize videos trigger a lower-quality re-render, others
// are posted to the chat directly.
type UploadFailedError struct {
	Msg       string
	VideoFile string
}

func (e *UploadFailedError) Error() string {
	return fmt.Sprintf("local: video upload failed: %s (video file %s)", e.Msg, e.VideoFile)
}

// requestErrorMarker precedes the structured error JSON in the
// uploader's stdout.
var requestErrorMarker = []byte("[RequestError] Server response:")

// YoutubeUploader uploads videos by running an external uploader
// binary: <exe> <static args...> --description=... --title=... -- <file>.
// The last stdout line on success is the platform video identifier.
type YoutubeUploader struct {
	Executable string
	// Params are static arguments (credentials file, category,
	// privacy) inserted before the per-video flags.
	Params []string
}

// Upload implements Uploader.
func (u *YoutubeUploader) Upload(ctx context.Context, title, description, videoPath string) (string, error) {
	args := append(append([]string{}, u.Params...),
		"--description="+description,
		"--title="+title,
		"--",
		videoPath,
	)
	cmd := exec.CommandContext(ctx, u.Executable, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return "", fmt.Errorf("local: running uploader: %w", err)
		}
		if _, jsonPart, found := bytes.Cut(stdout.Bytes(), requestErrorMarker); found {
			var msg json.RawMessage
			if jerr := json.Unmarshal(bytes.TrimSpace(jsonPart), &msg); jerr == nil {
				return "", &UploadFailedError{Msg: string(msg), VideoFile: videoPath}
			}
		}
		return "", &UploadFailedError{
			Msg:       fmt.Sprintf("uploader exited with an error: %v", err),
			VideoFile: videoPath,
		}
	}
	if stderr.Len() > 0 {
		return "", &UploadFailedError{
			Msg:       fmt.Sprintf("uploader wrote to stderr: %q", stderr.String()),
			VideoFile: videoPath,
		}
	}
	lines := bytes.Split(bytes.TrimSpace(stdout.Bytes()), []byte("\n"))
	id := string(bytes.TrimSpace(lines[len(lines)-1]))
	if id == "" {
		return "", &UploadFailedError{Msg: "uploader produced no video identifier", VideoFile: videoPath}
	}
	return "https://youtu.be/" + id, nil
}
