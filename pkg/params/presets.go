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
	"slices"
	"strings"
)

const (
	h264FmtpPrefix = "level-asymmetry-allowed"
)

var (
	availableCodecs = []CodecInfo{
		{Name: "H264", Parameters: h264Parameters("42e01f")},
		{Name: "H264", Parameters: h264Parameters("42001f")},
		{Name: "H264", Parameters: h264Parameters("4d001f")},
		{Name: "H264", Parameters: h264Parameters("64001f")},
		{Name: "H264", Parameters: h264Parameters("640c1f")},
		{Name: "VP8"},
		{Name: "VP9", Parameters: map[string]string{"profile-id": "0"}},
		{Name: "VP9", Parameters: map[string]string{"profile-id": "2"}},
		{Name: "AV1"},
	}

	availableFramerates = []int16{5, 15, 30, 60}
)

func h264Parameters(profileLevelID string) map[string]string {
	return map[string]string{
		h264FmtpPrefix:       "1",
		"packetization-mode": "1",
		"profile-level-id":   profileLevelID,
	}
}

// AvailableCodecs lists the video codecs the publisher can encode, in default preference order.
func AvailableCodecs() []CodecInfo {
	codecs := make([]CodecInfo, 0, len(availableCodecs))
	for _, c := range availableCodecs {
		codecs = append(codecs, c.Clone())
	}
	return codecs
}

func AvailableFramerates() []int16 {
	return slices.Clone(availableFramerates)
}

// FindCodec returns the first available codec named name. When parameters is non-empty
// the parameters have to match exactly.
func FindCodec(name string, parameters map[string]string) (CodecInfo, bool) {
	for _, c := range availableCodecs {
		if !strings.EqualFold(c.Name, name) {
			continue
		}
		if len(parameters) != 0 && !c.Equal(name, parameters) {
			continue
		}
		return c.Clone(), true
	}
	return CodecInfo{}, false
}
