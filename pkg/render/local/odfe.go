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

// Package local renders DeFRaG demos to video and uploads the result
// through external binaries, driving both through a durable
// three-stage queue (render, upload, delayed publish).
package local // import "demokeep.org/pkg/render/local"

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// A Renderer converts demo bytes into a video file on local disk.
type Renderer interface {
	// Render renders the demo. demoName is only used to recover the
	// demo file extension (engines refuse demos with the wrong one).
	Render(ctx context.Context, demoName string, demoData []byte) (videoPath string, err error)
}

// An Uploader uploads a rendered video to the video host and returns
// its public URL.
type Uploader interface {
	Upload(ctx context.Context, title, description, videoPath string) (videoURL string, err error)
}

var demoExt = regexp.MustCompile(`.*\.(dm_6[0-9])$`)

// ODFERenderer renders demos by driving the oDFe engine binary: it
// drops the demo and a generated config into the engine's directories,
// runs the engine with +exec, and picks up the mp4 the video pipe
// produced.
type ODFERenderer struct {
	// Dir is the engine directory; the engine runs with this as its
	// working directory.
	Dir string
	// Executable is the engine binary name within Dir.
	Executable string
	// ConfigDir, DemoDir and VideoDir are the engine's config, demo
	// and video-output directories.
	ConfigDir string
	DemoDir   string
	VideoDir  string
	// ConfigPrefix is prepended verbatim to every generated config
	// (graphics settings, HUD setup and so on).
	ConfigPrefix string
}

// Render implements Renderer.
func (r *ODFERenderer) Render(ctx context.Context, demoName string, demoData []byte) (string, error) {
	m := demoExt.FindStringSubmatch(demoName)
	if m == nil {
		return "", fmt.Errorf("local: %q has no demo extension", demoName)
	}
	id := fmt.Sprintf("%d-%s", time.Now().Unix(), strings.ReplaceAll(uuid.New().String(), "-", ""))

	demoBase := id + "." + m[1]
	demoPath := filepath.Join(r.DemoDir, demoBase)
	if err := os.WriteFile(demoPath, demoData, 0644); err != nil {
		return "", fmt.Errorf("local: writing demo scratch file: %w", err)
	}
	defer os.Remove(demoPath)

	cfg := strings.Join([]string{
		r.ConfigPrefix,
		fmt.Sprintf("demo %q", demoBase),
		fmt.Sprintf("video-pipe %q", id),
		`set nextdemo "wait 100; quit"`,
	}, "\n") + "\n"
	cfgBase := "file-" + id + ".cfg"
	cfgPath := filepath.Join(r.ConfigDir, cfgBase)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		return "", fmt.Errorf("local: writing engine config: %w", err)
	}
	defer os.Remove(cfgPath)

	cmd := exec.CommandContext(ctx, filepath.Join(r.Dir, r.Executable), "+exec", cfgBase)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("local: engine failed rendering %s: %w; output: %q", demoName, err, out)
	}
	return filepath.Join(r.VideoDir, id+".mp4"), nil
}
