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

package params

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/livekit/whip-client/pkg/config"
	"github.com/livekit/whip-client/pkg/errors"
)

// Params holds everything needed for one publish attempt. It is immutable once built.
type Params struct {
	endpointURL      string
	endpoint         *url.URL
	preferredCodec   CodecInfo
	videoBitrateKbps int32
	framerate        int16
	useSimulcast     bool
	useBframe        bool
	mediaSource      string

	seedRelayDirectives []string
}

type Settings struct {
	EndpointURL      string
	PreferredCodec   *CodecInfo
	VideoBitrateKbps int32
	Framerate        int16
	UseSimulcast     bool
	UseBframe        bool
	MediaSource      string

	SeedRelayDirectives []string
}

func New(s Settings) (*Params, error) {
	if s.PreferredCodec == nil || s.PreferredCodec.Name == "" {
		return nil, fmt.Errorf("%w: no video codec selected", errors.ErrInvalidSettings)
	}
	if s.VideoBitrateKbps <= 0 {
		return nil, fmt.Errorf("%w: video bitrate must be positive, got %d", errors.ErrInvalidSettings, s.VideoBitrateKbps)
	}
	if s.Framerate <= 0 {
		return nil, fmt.Errorf("%w: framerate must be positive, got %d", errors.ErrInvalidSettings, s.Framerate)
	}

	endpoint, err := parseEndpoint(s.EndpointURL)
	if err != nil {
		return nil, err
	}

	return &Params{
		endpointURL:         s.EndpointURL,
		endpoint:            endpoint,
		preferredCodec:      s.PreferredCodec.Clone(),
		videoBitrateKbps:    s.VideoBitrateKbps,
		framerate:           s.Framerate,
		useSimulcast:        s.UseSimulcast,
		useBframe:           s.UseBframe,
		mediaSource:         s.MediaSource,
		seedRelayDirectives: slices.Clone(s.SeedRelayDirectives),
	}, nil
}

// FromConfig resolves the configured codec against AvailableCodecs, checks the framerate
// against AvailableFramerates and builds Params.
func FromConfig(conf *config.Config) (*Params, error) {
	if conf == nil {
		return nil, errors.ErrNoConfig
	}
	if !slices.Contains(availableFramerates, conf.Framerate) {
		return nil, fmt.Errorf("%w: framerate %d is not one of %v", errors.ErrInvalidSettings, conf.Framerate, availableFramerates)
	}

	var codec *CodecInfo
	if conf.VideoCodec != nil {
		c, ok := FindCodec(conf.VideoCodec.Name, conf.VideoCodec.Parameters)
		if !ok {
			return nil, errors.ErrUnsupportedCodec(conf.VideoCodec.Name)
		}
		codec = &c
	}

	return New(Settings{
		EndpointURL:         conf.EndpointURL,
		PreferredCodec:      codec,
		VideoBitrateKbps:    conf.VideoBitrate,
		Framerate:           conf.Framerate,
		UseSimulcast:        conf.Simulcast,
		UseBframe:           conf.Bframe,
		MediaSource:         conf.MediaSource,
		SeedRelayDirectives: conf.ICEServers,
	})
}

func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", errors.ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", errors.ErrInvalidURL, raw)
	}

	return u, nil
}

func (p *Params) EndpointURL() string {
	return p.endpointURL
}

// Endpoint returns a copy of the parsed endpoint URL.
func (p *Params) Endpoint() *url.URL {
	u := *p.endpoint
	return &u
}

func (p *Params) PreferredCodec() CodecInfo {
	return p.preferredCodec.Clone()
}

func (p *Params) VideoBitrateKbps() int32 {
	return p.videoBitrateKbps
}

func (p *Params) Framerate() int16 {
	return p.framerate
}

func (p *Params) UseSimulcast() bool {
	return p.useSimulcast
}

func (p *Params) UseBframe() bool {
	return p.useBframe
}

func (p *Params) MediaSource() string {
	return p.mediaSource
}

func (p *Params) SeedRelayDirectives() []string {
	return slices.Clone(p.seedRelayDirectives)
}

func (p *Params) String() string {
	return fmt.Sprintf("<Params: endpoint: %s, bframe: %t, simulcast: %t, codec: %s, framerate: %d, %dKbps, source: %s, iceServers: %d>",
		p.endpointURL, p.useBframe, p.useSimulcast, p.preferredCodec.String(), p.framerate, p.videoBitrateKbps, p.mediaSource, len(p.seedRelayDirectives))
}

// CodecInfo identifies a video codec by name and its fmtp parameters.
type CodecInfo struct {
	Name       string
	Parameters map[string]string
}

func (c CodecInfo) Clone() CodecInfo {
	return CodecInfo{
		Name:       c.Name,
		Parameters: maps.Clone(c.Parameters),
	}
}

func (c CodecInfo) MimeType() string {
	return "video/" + c.Name
}

// Equal compares names case-insensitively and parameters exactly. A nil map equals an empty one.
func (c CodecInfo) Equal(name string, parameters map[string]string) bool {
	if !strings.EqualFold(c.Name, name) {
		return false
	}
	return maps.Equal(c.Parameters, parameters)
}

func (c CodecInfo) String() string {
	if pl, ok := c.H264ProfileLevel(); ok {
		return fmt.Sprintf("%s (%s, %s)", c.Name, pl.Profile, pl.Level)
	}
	return c.Name
}
