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
	"encoding/hex"
	"fmt"
	"strings"
)

type H264Profile int

const (
	H264ProfileConstrainedBaseline H264Profile = iota
	H264ProfileBaseline
	H264ProfileMain
	H264ProfileConstrainedHigh
	H264ProfileHigh
	H264ProfilePredictiveHigh444
)

func (p H264Profile) String() string {
	switch p {
	case H264ProfileConstrainedBaseline:
		return "Constrained Baseline"
	case H264ProfileBaseline:
		return "Baseline"
	case H264ProfileMain:
		return "Main"
	case H264ProfileConstrainedHigh:
		return "Constrained High"
	case H264ProfileHigh:
		return "High"
	case H264ProfilePredictiveHigh444:
		return "Predictive High 4:4:4"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

type H264Level int

// H264Level1b has no level_idc of its own, it is signalled through constraint_set3.
const H264Level1b H264Level = 0

func (l H264Level) String() string {
	if l == H264Level1b {
		return "1b"
	}
	return fmt.Sprintf("%d.%d", int(l)/10, int(l)%10)
}

type H264ProfileLevel struct {
	Profile H264Profile
	Level   H264Level
}

type profilePattern struct {
	profileIdc byte
	mask       byte
	value      byte
	profile    H264Profile
}

// bit patterns over profile_iop, from RFC 6184 and the libwebrtc profile table
var profilePatterns = []profilePattern{
	{0x42, 0x4f, 0x40, H264ProfileConstrainedBaseline},
	{0x4d, 0x8f, 0x80, H264ProfileConstrainedBaseline},
	{0x58, 0xcf, 0xc0, H264ProfileConstrainedBaseline},
	{0x42, 0x4f, 0x00, H264ProfileBaseline},
	{0x58, 0xcf, 0x80, H264ProfileBaseline},
	{0x4d, 0xaf, 0x00, H264ProfileMain},
	{0x64, 0xff, 0x00, H264ProfileHigh},
	{0x64, 0xff, 0x0c, H264ProfileConstrainedHigh},
	{0xf4, 0xff, 0x00, H264ProfilePredictiveHigh444},
}

// ParseH264ProfileLevelID decodes a profile-level-id fmtp value such as "42e01f".
func ParseH264ProfileLevelID(s string) (H264ProfileLevel, bool) {
	if len(s) != 6 {
		return H264ProfileLevel{}, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return H264ProfileLevel{}, false
	}

	profileIdc, profileIop, levelIdc := b[0], b[1], b[2]

	var level H264Level
	switch {
	case levelIdc == 11 && profileIop&0x10 != 0 && (profileIdc == 0x42 || profileIdc == 0x4d || profileIdc == 0x58):
		level = H264Level1b
	case levelIdc == 9:
		level = H264Level1b
	case levelIdc == 0:
		return H264ProfileLevel{}, false
	default:
		level = H264Level(levelIdc)
	}

	for _, p := range profilePatterns {
		if p.profileIdc == profileIdc && profileIop&p.mask == p.value {
			return H264ProfileLevel{Profile: p.profile, Level: level}, true
		}
	}
	return H264ProfileLevel{}, false
}

func (c CodecInfo) H264ProfileLevel() (H264ProfileLevel, bool) {
	if !strings.EqualFold(c.Name, "h264") {
		return H264ProfileLevel{}, false
	}
	id, ok := c.Parameters["profile-level-id"]
	if !ok {
		return H264ProfileLevel{}, false
	}
	return ParseH264ProfileLevelID(id)
}
