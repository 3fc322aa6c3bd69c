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
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeUploaderStub(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "uploader")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestYoutubeUploadSuccess(t *testing.T) {
	exe := writeUploaderStub(t, `echo "uploading..."
echo "dQw4w9WgXcQ"
`)
	u := &YoutubeUploader{Executable: exe, Params: []string{"--client-secrets=/etc/secrets.json"}}
	url, err := u.Upload(context.Background(), "title", "desc", "/videos/a.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://youtu.be/dQw4w9WgXcQ" {
		t.Errorf("url = %q", url)
	}
}

func TestYoutubeUploadRequestError(t *testing.T) {
	exe := writeUploaderStub(t, `echo '[RequestError] Server response: {"error": "uploadTooLarge"}'
exit 1
`)
	u := &YoutubeUploader{Executable: exe}
	_, err := u.Upload(context.Background(), "t", "d", "/videos/big.mp4")
	var ufe *UploadFailedError
	if !errors.As(err, &ufe) {
		t.Fatalf("err = %v; want UploadFailedError", err)
	}
	if ufe.VideoFile != "/videos/big.mp4" {
		t.Errorf("video file = %q", ufe.VideoFile)
	}
	if !strings.Contains(ufe.Msg, "uploadTooLarge") {
		t.Errorf("msg = %q; want the server response carried through", ufe.Msg)
	}
}

func TestYoutubeUploadStderrIsFailure(t *testing.T) {
	exe := writeUploaderStub(t, `echo "someid"
echo "quota exceeded" >&2
`)
	u := &YoutubeUploader{Executable: exe}
	_, err := u.Upload(context.Background(), "t", "d", "/videos/a.mp4")
	var ufe *UploadFailedError
	if !errors.As(err, &ufe) {
		t.Fatalf("err = %v; want UploadFailedError", err)
	}
}

func TestYoutubeUploadFlagOrder(t *testing.T) {
	// The video path follows a "--" separator so titles starting with
	// dashes cannot be parsed as flags.
	exe := writeUploaderStub(t, `for a in "$@"; do echo "$a"; done > "$OUT"
echo id123
`)
	out := filepath.Join(t.TempDir(), "args.txt")
	t.Setenv("OUT", out)
	u := &YoutubeUploader{Executable: exe, Params: []string{"-p", "unlisted"}}
	if _, err := u.Upload(context.Background(), "-title-", "d", "/videos/a.mp4"); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := "-p\nunlisted\n--description=d\n--title=-title-\n--\n/videos/a.mp4\n"
	if string(got) != want {
		t.Errorf("args = %q; want %q", got, want)
	}
}
