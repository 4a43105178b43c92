// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whip-client/pkg/errors"
)

const (
	DefaultVideoBitrate  = 3000 // kbps
	DefaultFramerate     = 30
	DefaultHTTPTimeout   = 10 * time.Second
	DefaultGatherTimeout = 5 * time.Second
	DefaultWHIPPort      = 8080

	endpointURLEnv = "WHIP_ENDPOINT_URL"
)

type Config struct {
	EndpointURL  string       `yaml:"endpoint_url"`  // required (env WHIP_ENDPOINT_URL)
	VideoCodec   *CodecConfig `yaml:"video_codec"`   // required
	VideoBitrate int32        `yaml:"video_bitrate"` // kbps
	Framerate    int16        `yaml:"framerate"`
	Simulcast    bool         `yaml:"simulcast"`
	Bframe       bool         `yaml:"bframe"`
	MediaSource  string       `yaml:"media_source"`

	// Link header style directives, ie. <turn:host:3478?transport=tcp>; username="u"; credential="c"
	ICEServers              []string `yaml:"ice_servers"`
	RelayOnly               bool     `yaml:"relay_only"`
	ICEPortRange            []uint16 `yaml:"ice_port_range"`
	EnableLoopbackCandidate bool     `yaml:"enable_loopback_candidate"`

	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	GatherTimeout time.Duration `yaml:"gather_timeout"`
	UserAgent     string        `yaml:"user_agent"`

	PrometheusPort int           `yaml:"prometheus_port"`
	Logging        logger.Config `yaml:"logging"`

	// test endpoint only
	WHIPPort int `yaml:"whip_port"`
}

type CodecConfig struct {
	Name       string            `yaml:"name"`
	Parameters map[string]string `yaml:"parameters"`
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		EndpointURL: os.Getenv(endpointURLEnv),
		Logging: logger.Config{
			Level: "info",
		},
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}

	conf.applyDefaults()

	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.VideoBitrate == 0 {
		c.VideoBitrate = DefaultVideoBitrate
	}
	if c.Framerate == 0 {
		c.Framerate = DefaultFramerate
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.GatherTimeout == 0 {
		c.GatherTimeout = DefaultGatherTimeout
	}
	if c.WHIPPort == 0 {
		c.WHIPPort = DefaultWHIPPort
	}
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	l := zl.WithValues(values...)
	logger.SetLogger(l, "whip-client")

	return nil
}
