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

package relay

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestParseDirective(t *testing.T) {
	s, ok := ParseDirective(`<turn:1.1.1.1:42000?transport=tcp>; rel="ice-server"; username="ome"; credential="airen"; credential-type="password"`)
	require.True(t, ok)
	require.Equal(t, []string{"turn:1.1.1.1:42000?transport=tcp"}, s.URLs)
	require.Equal(t, "ome", s.Username)
	require.Equal(t, "airen", s.Credential)
}

func TestParseDirectiveAttributes(t *testing.T) {
	for _, tc := range []struct {
		name       string
		token      string
		uri        string
		username   string
		credential string
	}{
		{"unquoted", `<stun:stun.example.com>; username=u; credential=c`, "stun:stun.example.com", "u", "c"},
		{"no brackets", `turn:host:3478 ; username = "u" ; credential="c"`, "turn:host:3478", "u", "c"},
		{"quotes stripped once", `<turn:host>; username=""u""; credential="c`, "turn:host", `"u"`, "c"},
		{"equals in value", `<turn:host>; username="a=b"; credential="x==y"`, "turn:host", "a=b", "x==y"},
		{"no attributes", `<stun:host:19302>`, "stun:host:19302", "", ""},
		{"piece without value", `<turn:host>; ice-server; username="u"`, "turn:host", "u", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, ok := ParseDirective(tc.token)
			require.True(t, ok)
			require.Equal(t, []string{tc.uri}, s.URLs)
			require.Equal(t, tc.username, s.Username)
			require.Equal(t, tc.credential, s.Credential)
		})
	}
}

func TestParseDirectiveMalformed(t *testing.T) {
	for _, token := range []string{"", "  ", "<>", "; username=u"} {
		_, ok := ParseDirective(token)
		require.False(t, ok, token)
	}
}

func TestParseHeader(t *testing.T) {
	value := `<turn:a.example.com:3478?transport=udp>; rel="ice-server"; username="u1"; credential="c1", ` +
		`<turn:b.example.com:443?transport=tcp>; rel="ice-server"; username="u2"; credential="c2"`

	require.Len(t, SplitHeader(value), 2)

	servers := ParseHeader(value)
	require.Len(t, servers, 2)
	require.Equal(t, []string{"turn:a.example.com:3478?transport=udp"}, servers[0].URLs)
	require.Equal(t, "u1", servers[0].Username)
	require.Equal(t, []string{"turn:b.example.com:443?transport=tcp"}, servers[1].URLs)
	require.Equal(t, "c2", servers[1].Credential)

	require.Empty(t, SplitHeader(""))
	require.Empty(t, ParseHeader(" , ,"))
	require.Len(t, ParseHeader("<stun:a>, <>, <stun:b>"), 2)
}

func TestICEServer(t *testing.T) {
	s, ok := ParseDirective(`<turn:host:3478>; username="u"; credential="c"`)
	require.True(t, ok)

	ice := s.ICEServer()
	require.Equal(t, []string{"turn:host:3478"}, ice.URLs)
	require.Equal(t, "u", ice.Username)
	require.Equal(t, "c", ice.Credential)
	require.Equal(t, webrtc.ICECredentialTypePassword, ice.CredentialType)

	s, _ = ParseDirective(`<stun:host:19302>`)
	ice = s.ICEServer()
	require.Nil(t, ice.Credential)

	require.Len(t, ICEServers([]*Server{s, s}), 2)
}

func TestDirective(t *testing.T) {
	s := &Server{URLs: []string{"turn:host:3478?transport=tcp"}, Username: "u", Credential: "c"}
	d := s.Directive()
	require.Equal(t, `<turn:host:3478?transport=tcp>; rel="ice-server"; username="u"; credential="c"; credential-type="password"`, d)

	parsed, ok := ParseDirective(d)
	require.True(t, ok)
	require.Equal(t, s, parsed)

	require.Equal(t, `<stun:host>; rel="ice-server"`, (&Server{URLs: []string{"stun:host"}}).Directive())
}
