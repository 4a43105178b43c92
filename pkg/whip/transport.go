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

package whip

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"

	"github.com/livekit/whip-client/version"
)

const (
	headerAccept      = "Accept"
	headerContentType = "Content-Type"
	headerUserAgent   = "User-Agent"
	headerLocation    = "Location"
	headerLink        = "Link"
	headerVary        = "Vary"

	contentTypeSDP = "application/sdp"
)

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport executes one HTTP exchange. Timeouts and retries, if any, belong to the implementation.
type Transport interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

type httpTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport returns a Transport backed by client, http.DefaultClient when nil.
// Accept and User-Agent are added to requests that don't set them.
func NewHTTPTransport(client *http.Client, userAgent string) Transport {
	if client == nil {
		client = http.DefaultClient
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent()
	}
	return &httpTransport{
		client:    client,
		userAgent: userAgent,
	}
}

func DefaultUserAgent() string {
	return fmt.Sprintf("whip-publisher/%s (%s; %s)", version.Version, runtime.GOOS, runtime.GOARCH)
}

func (t *httpTransport) Execute(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	if req.Header.Get(headerAccept) == "" {
		req.Header.Set(headerAccept, "*/*")
	}
	if req.Header.Get(headerUserAgent) == "" {
		req.Header.Set(headerUserAgent, t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       b,
	}, nil
}
