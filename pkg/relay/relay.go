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
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	keyUsername   = "username"
	keyCredential = "credential"
)

// Server is one relay (ICE) server advertised by a directive such as
//
//	<turn:1.1.1.1:42000?transport=tcp>; rel="ice-server"; username="ome"; credential="airen"; credential-type="password"
type Server struct {
	URLs       []string
	Username   string
	Credential string
}

// ParseDirective parses a single directive. It returns false when the token carries no URI.
func ParseDirective(token string) (*Server, bool) {
	pieces := strings.Split(token, ";")
	for i := range pieces {
		pieces[i] = strings.TrimSpace(pieces[i])
	}

	uri := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(pieces[0], "<"), ">"))
	if uri == "" {
		return nil, false
	}

	attrs := make(map[string]string, len(pieces)-1)
	for _, piece := range pieces[1:] {
		key, value, ok := strings.Cut(piece, "=")
		if !ok {
			continue
		}
		attrs[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}

	return &Server{
		URLs:       []string{uri},
		Username:   attrs[keyUsername],
		Credential: attrs[keyCredential],
	}, true
}

// strips exactly one leading and one trailing double quote, no escape handling
func unquote(v string) string {
	v = strings.TrimPrefix(v, `"`)
	v = strings.TrimSuffix(v, `"`)
	return v
}

// SplitHeader splits a relay advertisement header value into directive tokens.
// Commas inside quoted attribute values are not supported.
func SplitHeader(value string) []string {
	var tokens []string
	for _, t := range strings.Split(value, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// ParseHeader parses every directive of a header value, skipping malformed ones.
func ParseHeader(value string) []*Server {
	return ParseDirectives(SplitHeader(value))
}

func ParseDirectives(tokens []string) []*Server {
	servers := make([]*Server, 0, len(tokens))
	for _, t := range tokens {
		if s, ok := ParseDirective(t); ok {
			servers = append(servers, s)
		}
	}
	return servers
}

func (s *Server) ICEServer() webrtc.ICEServer {
	ice := webrtc.ICEServer{
		URLs:     append([]string(nil), s.URLs...),
		Username: s.Username,
	}
	if s.Credential != "" {
		ice.Credential = s.Credential
		ice.CredentialType = webrtc.ICECredentialTypePassword
	}
	return ice
}

func ICEServers(servers []*Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ICEServer())
	}
	return out
}

// Directive renders s back into a Link header directive.
func (s *Server) Directive() string {
	var b strings.Builder
	for i, u := range s.URLs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("<" + u + `>; rel="ice-server"`)
		if s.Username != "" {
			b.WriteString(`; ` + keyUsername + `="` + s.Username + `"`)
		}
		if s.Credential != "" {
			b.WriteString(`; ` + keyCredential + `="` + s.Credential + `"; credential-type="password"`)
		}
	}
	return b.String()
}
