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

package bot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demokeep-config.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const baseConfig = `{
	"discordToken": "token123",
	"channels": {
		"guild--maps": "guild--rendered",
		"guild--wrs": ["guild--rendered", "guild--wrs"]
	},
	"renderingOutputChannel": "guild--rendered",
	"stateDirectory": "/var/lib/demokeep",
	"tempDirectory": "/tmp/demokeep",
	"attachmentsDirectory": "/var/lib/demokeep/attachments",
	"urlsFile": "/var/lib/demokeep/urls.txt",
	"demoRenderingProvider": "igmdb",
	"igmdbToken": "secret",
	"igmdbPollingInterval": "90s",
	"operatorUserID": "123456789012345678"
}`

func TestLoadConfig(t *testing.T) {
	conf, err := LoadConfig(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatal(err)
	}
	if conf.DiscordToken != "token123" {
		t.Errorf("token = %q", conf.DiscordToken)
	}
	if got := conf.Channels["guild--maps"]; len(got) != 1 || got[0] != "guild--rendered" {
		t.Errorf("single-string channel = %v", got)
	}
	if got := conf.Channels["guild--wrs"]; len(got) != 2 || got[1] != "guild--wrs" {
		t.Errorf("list channel = %v", got)
	}
	if len(conf.DefaultOutputs) != 1 || conf.DefaultOutputs[0] != "guild--rendered" {
		t.Errorf("default outputs = %v", conf.DefaultOutputs)
	}
	if conf.IgmdbPollingInterval != 90*time.Second {
		t.Errorf("polling interval = %v", conf.IgmdbPollingInterval)
	}
	if conf.OperatorUserID != 123456789012345678 {
		t.Errorf("operator = %d", conf.OperatorUserID)
	}
	// Defaults.
	if conf.Resolution != 28 || conf.RerenderResolution != 28 {
		t.Errorf("resolutions = %d, %d", conf.Resolution, conf.RerenderResolution)
	}
	if conf.LockTimeout != 10*time.Second {
		t.Errorf("lock timeout = %v", conf.LockTimeout)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	bad := strings.Replace(baseConfig, `"igmdbToken"`, `"igmdbTokn"`, 1)
	if _, err := LoadConfig(writeConfig(t, bad)); err == nil {
		t.Fatal("misspelled key accepted")
	}
}

func TestLoadConfigProviderValidation(t *testing.T) {
	noToken := strings.Replace(baseConfig, `"igmdbToken": "secret",`, "", 1)
	if _, err := LoadConfig(writeConfig(t, noToken)); err == nil || !strings.Contains(err.Error(), "igmdbToken") {
		t.Errorf("igmdb without token: err = %v", err)
	}

	badProvider := strings.Replace(baseConfig, `"igmdb"`, `"clouds"`, 1)
	if _, err := LoadConfig(writeConfig(t, badProvider)); err == nil || !strings.Contains(err.Error(), "clouds") {
		t.Errorf("unknown provider: err = %v", err)
	}

	localProvider := strings.Replace(baseConfig, `"igmdb"`, `"local-rendering"`, 1)
	if _, err := LoadConfig(writeConfig(t, localProvider)); err == nil || !strings.Contains(err.Error(), "odfeDir") {
		t.Errorf("local provider without renderer config: err = %v", err)
	}
}

func TestBuildQueueVariants(t *testing.T) {
	conf, err := LoadConfig(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatal(err)
	}
	conf.StateDir = t.TempDir()
	b := New(conf)

	q, st, err := b.buildQueue()
	if err != nil {
		t.Fatal(err)
	}
	if q == nil {
		t.Fatal("nil polling queue")
	}
	st.Close()

	conf.Provider = ProviderLocal
	conf.Local = LocalConfig{
		ODFEDir:           "/opt/odfe",
		ODFEExecutable:    "odfe",
		YoutubeExecutable: "uploader",
	}
	q, st, err = b.buildQueue()
	if err != nil {
		t.Fatal(err)
	}
	if q == nil {
		t.Fatal("nil local queue")
	}
	st.Close()
}
