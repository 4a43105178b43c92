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

package media

import (
	"maps"
	"slices"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/livekit/whip-client/pkg/params"
)

const (
	RIDLow  = "low"
	RIDMid  = "mid"
	RIDHigh = "high"

	simulcastMinBitrate = 100_000
)

// CodecCapability is a sender codec capability reduced to what codec matching looks at.
type CodecCapability struct {
	Name       string
	Parameters map[string]string
}

func CapabilityFromCodec(c webrtc.RTPCodecCapability) CodecCapability {
	name := c.MimeType
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return CodecCapability{
		Name:       name,
		Parameters: ParseFmtpLine(c.SDPFmtpLine),
	}
}

// ParseFmtpLine turns "a=1;b=2" into a map. Pieces without a value map to "".
func ParseFmtpLine(line string) map[string]string {
	out := make(map[string]string)
	for _, piece := range strings.Split(line, ";") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		k, v, _ := strings.Cut(piece, "=")
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// FmtpLine renders parameters with sorted keys.
func FmtpLine(parameters map[string]string) string {
	keys := slices.Sorted(maps.Keys(parameters))
	pieces := make([]string, 0, len(keys))
	for _, k := range keys {
		pieces = append(pieces, k+"="+parameters[k])
	}
	return strings.Join(pieces, ";")
}

// PreferredIndex returns the index of the first capability matching preferred, or -1.
func PreferredIndex(caps []CodecCapability, preferred params.CodecInfo) int {
	for i, c := range caps {
		if preferred.Equal(c.Name, c.Parameters) {
			return i
		}
	}
	return -1
}

// MoveToFront returns a copy of s with s[i] at index 0 and the other entries in their
// original relative order. i < 0 returns an unchanged copy.
func MoveToFront[T any](s []T, i int) []T {
	out := make([]T, 0, len(s))
	if i < 0 || i >= len(s) {
		return append(out, s...)
	}
	out = append(out, s[i])
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

func ReorderCodecs(caps []CodecCapability, preferred params.CodecInfo) []CodecCapability {
	return MoveToFront(caps, PreferredIndex(caps, preferred))
}

type EncodingLayer struct {
	RID           string
	MinBitrateBps uint64 // 0 when unset
	MaxBitrateBps uint64
	MaxFramerate  float64
	Active        bool
}

type EncodingPlan []EncodingLayer

// MaxFramerate is the highest framerate of any active layer.
func (p EncodingPlan) MaxFramerate() float64 {
	var fps float64
	for _, l := range p {
		if l.Active && l.MaxFramerate > fps {
			fps = l.MaxFramerate
		}
	}
	return fps
}

func BuildEncodingPlan(useSimulcast bool, videoBitrateKbps int32, framerate int16) EncodingPlan {
	if useSimulcast {
		// fixed tiers, independent of the configured bitrate and framerate
		return EncodingPlan{
			{RID: RIDLow, MinBitrateBps: simulcastMinBitrate, MaxBitrateBps: 500_000, MaxFramerate: 15, Active: true},
			{RID: RIDMid, MinBitrateBps: simulcastMinBitrate, MaxBitrateBps: 1_000_000, MaxFramerate: 15, Active: true},
			{RID: RIDHigh, MinBitrateBps: simulcastMinBitrate, MaxBitrateBps: 2_000_000, MaxFramerate: 30, Active: true},
		}
	}

	return EncodingPlan{
		{MaxBitrateBps: uint64(videoBitrateKbps) * 1000, MaxFramerate: float64(framerate), Active: true},
	}
}

type Plan struct {
	Codecs    []CodecCapability
	Encodings EncodingPlan
}

func BuildPlan(p *params.Params, caps []CodecCapability) Plan {
	return Plan{
		Codecs:    ReorderCodecs(caps, p.PreferredCodec()),
		Encodings: BuildEncodingPlan(p.UseSimulcast(), p.VideoBitrateKbps(), p.Framerate()),
	}
}
