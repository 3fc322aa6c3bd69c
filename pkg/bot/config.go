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
	"fmt"
	"strconv"
	"strings"
	"time"

	"go4.org/jsonconfig"
)

// Rendering providers.
const (
	ProviderIgmdb = "igmdb"
	ProviderLocal = "local-rendering"
)

// FakeUploaderToken in the igmdbToken slot swaps the remote service
// for an in-process simulator (operator dry-runs).
const FakeUploaderToken = "fake-uploader"

// Config is the daemon configuration, read from a single JSON file.
type Config struct {
	DiscordToken string

	// Channels maps input channel names to output channel names.
	Channels map[string][]string
	// DefaultOutputs announce items whose origin channel is unknown.
	DefaultOutputs []string

	StateDir       string
	TempDir        string
	AttachmentsDir string
	URLsFile       string

	Provider             string
	IgmdbToken           string
	IgmdbPollingInterval time.Duration

	DemocleanerExe string

	Local           LocalConfig
	PublishingDelay time.Duration

	MaxVideoSize       int64
	Resolution         int
	RerenderResolution int

	ReactionsWIP      []string
	ReactionsRejected []string
	ReactionsDone     []string
	ReactionsFailed   []string

	DonePrefix              string
	DoneSuffix              string
	DoneDirectMessage       string
	AlreadyRenderedTemplate string
	DescriptionSuffix       string

	OperatorUserID uint64

	LockTimeout time.Duration
}

// LocalConfig configures the local rendering provider.
type LocalConfig struct {
	ODFEDir        string
	ODFEExecutable string
	ConfigDir      string
	DemoDir        string
	VideoDir       string
	ConfigPrefix   string

	YoutubeExecutable string
	YoutubeParams     []string
}

// LoadConfig reads and validates the config file at path.
func LoadConfig(path string) (*Config, error) {
	obj, err := jsonconfig.ReadFile(path)
	if err != nil {
		return nil, err
	}
	conf := &Config{
		DiscordToken:   obj.RequiredString("discordToken"),
		DefaultOutputs: stringOrList(obj, "renderingOutputChannel"),

		StateDir:       obj.RequiredString("stateDirectory"),
		TempDir:        obj.RequiredString("tempDirectory"),
		AttachmentsDir: obj.RequiredString("attachmentsDirectory"),
		URLsFile:       obj.RequiredString("urlsFile"),

		Provider:   obj.OptionalString("demoRenderingProvider", ProviderIgmdb),
		IgmdbToken: obj.OptionalString("igmdbToken", ""),

		DemocleanerExe: obj.OptionalString("democleanerExe", "democleaner"),

		MaxVideoSize:       int64(obj.OptionalInt("maxVideoSize", 8000000)),
		Resolution:         obj.OptionalInt("resolution", 28),
		RerenderResolution: obj.OptionalInt("rerenderResolution", 28),

		ReactionsWIP:      obj.OptionalList("reactionsWIP"),
		ReactionsRejected: obj.OptionalList("reactionsRejected"),
		ReactionsDone:     obj.OptionalList("reactionsDone"),
		ReactionsFailed:   obj.OptionalList("reactionsFailed"),

		DonePrefix:              obj.OptionalString("renderingDoneMessagePrefix", "Here you go: "),
		DoneSuffix:              obj.OptionalString("renderingDoneMessageSuffix", ""),
		DoneDirectMessage:       obj.OptionalString("renderingDoneMessageDiscord", "Rendered video:"),
		AlreadyRenderedTemplate: obj.OptionalString("alreadyRenderedMessage", "This demo has already been rendered: %s"),
		DescriptionSuffix:       obj.OptionalString("descriptionSuffix", ""),
	}

	channels := obj.OptionalObject("channels")
	conf.Channels = make(map[string][]string)
	var channelNames []string
	for name := range channels {
		// Keys with a leading underscore are jsonconfig comments.
		if !strings.HasPrefix(name, "_") {
			channelNames = append(channelNames, name)
		}
	}
	for _, name := range channelNames {
		conf.Channels[name] = stringOrList(channels, name)
	}
	if err := channels.Validate(); err != nil {
		return nil, fmt.Errorf("bot: channels config: %v", err)
	}

	local := obj.OptionalObject("localRendering")
	conf.Local = LocalConfig{
		ODFEDir:           local.OptionalString("odfeDir", ""),
		ODFEExecutable:    local.OptionalString("odfeExecutable", ""),
		ConfigDir:         local.OptionalString("odfeConfigDir", ""),
		DemoDir:           local.OptionalString("odfeDemoDir", ""),
		VideoDir:          local.OptionalString("odfeVideoDir", ""),
		ConfigPrefix:      local.OptionalString("odfeConfigPrefix", ""),
		YoutubeExecutable: local.OptionalString("youtubeExecutable", ""),
		YoutubeParams:     local.OptionalList("youtubeParams"),
	}
	if err := local.Validate(); err != nil {
		return nil, fmt.Errorf("bot: localRendering config: %v", err)
	}

	if conf.IgmdbPollingInterval, err = duration(obj, "igmdbPollingInterval", time.Minute); err != nil {
		return nil, err
	}
	if conf.PublishingDelay, err = duration(obj, "publishingDelay", time.Hour); err != nil {
		return nil, err
	}
	if conf.LockTimeout, err = duration(obj, "lockTimeout", 10*time.Second); err != nil {
		return nil, err
	}

	if op := obj.OptionalString("operatorUserID", ""); op != "" {
		if conf.OperatorUserID, err = strconv.ParseUint(op, 10, 64); err != nil {
			return nil, fmt.Errorf("bot: bad operatorUserID %q: %v", op, err)
		}
	}

	if err := obj.Validate(); err != nil {
		return nil, err
	}

	switch conf.Provider {
	case ProviderIgmdb:
		if conf.IgmdbToken == "" {
			return nil, fmt.Errorf("bot: provider %q needs igmdbToken", ProviderIgmdb)
		}
	case ProviderLocal:
		if conf.Local.ODFEDir == "" || conf.Local.ODFEExecutable == "" {
			return nil, fmt.Errorf("bot: provider %q needs localRendering.odfeDir and odfeExecutable", ProviderLocal)
		}
		if conf.Local.YoutubeExecutable == "" {
			return nil, fmt.Errorf("bot: provider %q needs localRendering.youtubeExecutable", ProviderLocal)
		}
	default:
		return nil, fmt.Errorf("bot: unexpected demoRenderingProvider %q", conf.Provider)
	}
	return conf, nil
}

// stringOrList reads a key that historically held either a single
// channel name or a list of them.
func stringOrList(obj jsonconfig.Obj, key string) []string {
	if _, ok := obj[key].(string); ok {
		return []string{obj.OptionalString(key, "")}
	}
	return obj.OptionalList(key)
}

func duration(obj jsonconfig.Obj, key string, def time.Duration) (time.Duration, error) {
	s := obj.OptionalString(key, "")
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bot: bad duration for %s: %v", key, err)
	}
	return d, nil
}
