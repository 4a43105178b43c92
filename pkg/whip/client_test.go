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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/livekit/whip-client/pkg/errors"
	"github.com/livekit/whip-client/pkg/params"
	"github.com/livekit/whip-client/pkg/stats"
)

const (
	testOffer  = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=sendonly\r\n"
	testAnswer = "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=recvonly\r\n"
)

type fakeEngine struct {
	mu sync.Mutex

	offerErr  error
	localErr  error
	remoteErr error

	calls  []string
	remote string
	closed int
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

func (e *fakeEngine) CreateOffer(_ context.Context) (webrtc.SessionDescription, error) {
	e.record("offer")
	if e.offerErr != nil {
		return webrtc.SessionDescription{}, e.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testOffer}, nil
}

func (e *fakeEngine) SetLocalDescription(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	e.record("local")
	if e.localErr != nil {
		return webrtc.SessionDescription{}, e.localErr
	}
	return offer, nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, answer webrtc.SessionDescription) error {
	e.record("remote")
	if e.remoteErr != nil {
		return e.remoteErr
	}
	e.mu.Lock()
	e.remote = answer.SDP
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeTransport struct {
	mu       sync.Mutex
	requests []*Request
	handle   func(req *Request) (*Response, error)
}

func (t *fakeTransport) Execute(_ context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.mu.Unlock()
	return t.handle(req)
}

func (t *fakeTransport) sent() []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Request(nil), t.requests...)
}

func answerWith(header http.Header) func(req *Request) (*Response, error) {
	return func(req *Request) (*Response, error) {
		if req.Method == http.MethodDelete {
			return &Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
		}
		return &Response{StatusCode: http.StatusCreated, Header: header, Body: []byte(testAnswer)}, nil
	}
}

func testParams(t *testing.T, endpoint string) *params.Params {
	codec, ok := params.FindCodec("H264", map[string]string{
		"profile-level-id":        "42e01f",
		"level-asymmetry-allowed": "1",
		"packetization-mode":      "1",
	})
	require.True(t, ok)

	p, err := params.New(params.Settings{
		EndpointURL:      endpoint,
		PreferredCodec:   &codec,
		VideoBitrateKbps: 3000,
		Framerate:        30,
	})
	require.NoError(t, err)
	return p
}

func newTestClient(t *testing.T, engine *fakeEngine, transport Transport, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithTransport(transport)}, opts...)
	c, err := NewClient(testParams(t, "https://example.com:8443/whip/endpoint"), engine, opts...)
	require.NoError(t, err)
	return c
}

func TestCreateSession(t *testing.T) {
	header := http.Header{}
	header.Set("Location", "/whip/resource/abc")
	header.Add("Link", `<stun:stun.example.net>; rel="ice-server", <turn:turn.example.net?transport=udp>; rel="ice-server"; username="user"; credential="pass"`)
	header.Add("Vary", "Origin")
	header.Add("Vary", "Accept")

	engine := &fakeEngine{}
	transport := &fakeTransport{handle: answerWith(header)}
	c := newTestClient(t, engine, transport)

	var states []State
	c.OnStateChange(func(_, to State) {
		states = append(states, to)
	})

	require.NoError(t, c.CreateSession(context.Background()))
	require.Equal(t, StateActive, c.State())
	require.Equal(t, []State{StateOfferRequested, StateOfferReady, StateExchanging, StateActive}, states)
	require.Equal(t, []string{"offer", "local", "remote"}, engine.calls)
	require.Equal(t, testAnswer, engine.remote)

	reqs := transport.sent()
	require.Len(t, reqs, 1)
	require.Equal(t, http.MethodPost, reqs[0].Method)
	require.Equal(t, "https://example.com:8443/whip/endpoint", reqs[0].URL)
	require.Equal(t, "application/sdp", reqs[0].Header.Get("Content-Type"))
	require.Equal(t, testOffer, string(reqs[0].Body))

	s := c.Session()
	require.Equal(t, "/whip/resource/abc", s.ResourceLocation)
	require.Equal(t, []string{
		`<stun:stun.example.net>; rel="ice-server"`,
		`<turn:turn.example.net?transport=udp>; rel="ice-server"; username="user"; credential="pass"`,
	}, s.RelayDirectives)
	require.Equal(t, "Origin, Accept", s.Vary)
	require.NoError(t, s.LastError)

	servers := c.RelayServers()
	require.Len(t, servers, 2)
	require.Equal(t, []string{"turn:turn.example.net?transport=udp"}, servers[1].URLs)
	require.Equal(t, "user", servers[1].Username)
	require.Equal(t, "pass", servers[1].Credential)
}

func TestCreateSessionNoOptionalHeaders(t *testing.T) {
	c := newTestClient(t, &fakeEngine{}, &fakeTransport{handle: answerWith(http.Header{})})

	require.NoError(t, c.CreateSession(context.Background()))
	require.Equal(t, StateActive, c.State())
	require.Empty(t, c.ResourceLocation())
	require.Empty(t, c.RelayDirectives())
	require.Empty(t, c.Vary())
}

func TestCreateSessionFailures(t *testing.T) {
	engineErr := fmt.Errorf("boom")

	for _, tc := range []struct {
		name     string
		engine   *fakeEngine
		handle   func(req *Request) (*Response, error)
		expected error
		kind     errors.Kind
		requests int
	}{
		{
			name:     "offer",
			engine:   &fakeEngine{offerErr: engineErr},
			expected: errors.ErrEngineOffer,
			kind:     errors.KindEngineOfferError,
		},
		{
			name:     "already initialized",
			engine:   &fakeEngine{offerErr: errors.ErrEngineAlreadyInitialized},
			expected: errors.ErrEngineAlreadyInitialized,
			kind:     errors.KindEngineAlreadyInitialized,
		},
		{
			name:     "local description",
			engine:   &fakeEngine{localErr: engineErr},
			expected: errors.ErrEngineLocalDescription,
			kind:     errors.KindEngineLocalDescriptionError,
		},
		{
			name:   "transport",
			engine: &fakeEngine{},
			handle: func(*Request) (*Response, error) {
				return nil, fmt.Errorf("connection refused")
			},
			expected: errors.ErrTransport,
			kind:     errors.KindTransportError,
			requests: 1,
		},
		{
			name:   "conflict",
			engine: &fakeEngine{},
			handle: func(*Request) (*Response, error) {
				return &Response{StatusCode: http.StatusConflict, Header: http.Header{}, Body: []byte("exists")}, nil
			},
			expected: errors.ErrStreamExists,
			kind:     errors.KindStreamExists,
			requests: 1,
		},
		{
			name:   "server error",
			engine: &fakeEngine{},
			handle: func(*Request) (*Response, error) {
				return &Response{StatusCode: http.StatusInternalServerError, Header: http.Header{}, Body: []byte(testAnswer)}, nil
			},
			expected: errors.ErrInvalidResponse,
			kind:     errors.KindInvalidResponse,
			requests: 1,
		},
		{
			name:   "empty body",
			engine: &fakeEngine{},
			handle: func(*Request) (*Response, error) {
				return &Response{StatusCode: http.StatusCreated, Header: http.Header{}}, nil
			},
			expected: errors.ErrInvalidResponse,
			kind:     errors.KindInvalidResponse,
			requests: 1,
		},
		{
			name:   "invalid utf8",
			engine: &fakeEngine{},
			handle: func(*Request) (*Response, error) {
				return &Response{StatusCode: http.StatusCreated, Header: http.Header{}, Body: []byte{0xff, 0xfe, 0xfd}}, nil
			},
			expected: errors.ErrInvalidResponse,
			kind:     errors.KindInvalidResponse,
			requests: 1,
		},
		{
			name:     "remote description",
			engine:   &fakeEngine{remoteErr: engineErr},
			handle:   answerWith(http.Header{}),
			expected: errors.ErrEngineRemoteDescription,
			kind:     errors.KindEngineRemoteDescriptionError,
			requests: 1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			transport := &fakeTransport{handle: tc.handle}
			c := newTestClient(t, tc.engine, transport)

			err := c.CreateSession(context.Background())
			require.ErrorIs(t, err, tc.expected)
			require.Equal(t, tc.kind, errors.KindOf(err))
			require.Equal(t, StateFailed, c.State())
			require.ErrorIs(t, c.LastError(), tc.expected)
			require.Equal(t, 1, tc.engine.closeCount())
			require.Len(t, transport.sent(), tc.requests)

			// terminal sessions can't be reused
			require.ErrorIs(t, c.CreateSession(context.Background()), errors.ErrSessionTerminated)

			// closing a failed session sends nothing
			c.CloseSession(context.Background())
			require.Equal(t, StateFailed, c.State())
			require.Len(t, transport.sent(), tc.requests)
			require.Equal(t, 1, tc.engine.closeCount())
		})
	}
}

func TestCloseSession(t *testing.T) {
	t.Run("relative location", func(t *testing.T) {
		header := http.Header{}
		header.Set("Location", "/whip/resource/abc")
		engine := &fakeEngine{}
		transport := &fakeTransport{handle: answerWith(header)}
		c := newTestClient(t, engine, transport)

		require.NoError(t, c.CreateSession(context.Background()))
		c.CloseSession(context.Background())

		require.Equal(t, StateClosed, c.State())
		require.NoError(t, c.LastError())
		require.Equal(t, 1, engine.closeCount())

		reqs := transport.sent()
		require.Len(t, reqs, 2)
		require.Equal(t, http.MethodDelete, reqs[1].Method)
		require.Equal(t, "https://example.com:8443/whip/resource/abc", reqs[1].URL)
		require.Equal(t, "application/sdp", reqs[1].Header.Get("Content-Type"))
		require.Empty(t, reqs[1].Body)
	})

	t.Run("no location", func(t *testing.T) {
		engine := &fakeEngine{}
		transport := &fakeTransport{handle: answerWith(http.Header{})}
		c := newTestClient(t, engine, transport)

		require.NoError(t, c.CreateSession(context.Background()))
		c.CloseSession(context.Background())

		require.Equal(t, StateClosed, c.State())
		require.Len(t, transport.sent(), 1)
		require.Equal(t, 1, engine.closeCount())
	})

	t.Run("delete failure", func(t *testing.T) {
		header := http.Header{}
		header.Set("Location", "resource/abc")
		engine := &fakeEngine{}
		transport := &fakeTransport{handle: func(req *Request) (*Response, error) {
			if req.Method == http.MethodDelete {
				return &Response{StatusCode: http.StatusNotFound, Header: http.Header{}}, nil
			}
			return &Response{StatusCode: http.StatusCreated, Header: header, Body: []byte(testAnswer)}, nil
		}}
		c := newTestClient(t, engine, transport)

		require.NoError(t, c.CreateSession(context.Background()))
		c.CloseSession(context.Background())

		require.Equal(t, StateClosed, c.State())
		require.ErrorIs(t, c.LastError(), errors.ErrInvalidResponse)
		require.Equal(t, 1, engine.closeCount())
		require.Equal(t, "https://example.com:8443/resource/abc", transport.sent()[1].URL)
	})

	t.Run("idle", func(t *testing.T) {
		engine := &fakeEngine{}
		transport := &fakeTransport{handle: answerWith(http.Header{})}
		c := newTestClient(t, engine, transport)

		c.CloseSession(context.Background())
		require.Equal(t, StateClosed, c.State())
		require.Empty(t, transport.sent())
		require.Equal(t, 1, engine.closeCount())

		require.ErrorIs(t, c.CreateSession(context.Background()), errors.ErrSessionTerminated)
	})

	t.Run("twice", func(t *testing.T) {
		header := http.Header{}
		header.Set("Location", "/whip/resource/abc")
		engine := &fakeEngine{}
		transport := &fakeTransport{handle: answerWith(header)}
		c := newTestClient(t, engine, transport)

		require.NoError(t, c.CreateSession(context.Background()))
		c.CloseSession(context.Background())
		c.CloseSession(context.Background())

		require.Len(t, transport.sent(), 2)
		require.Equal(t, 1, engine.closeCount())
	})
}

func TestCloseDuringCreate(t *testing.T) {
	header := http.Header{}
	header.Set("Location", "/whip/resource/abc")

	posted := make(chan struct{})
	unblock := make(chan struct{})
	transport := &fakeTransport{handle: func(req *Request) (*Response, error) {
		if req.Method == http.MethodPost {
			close(posted)
			<-unblock
		}
		return answerWith(header)(req)
	}}
	engine := &fakeEngine{}
	c := newTestClient(t, engine, transport)

	created := make(chan error, 1)
	c.CreateSessionAsync(context.Background(), func(err error) {
		created <- err
	})
	<-posted
	require.Equal(t, StateExchanging, c.State())
	require.ErrorIs(t, c.CreateSession(context.Background()), errors.ErrSessionInProgress)

	closed := make(chan struct{})
	go func() {
		c.CloseSession(context.Background())
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned before create finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	require.NoError(t, <-created)
	<-closed

	require.Equal(t, StateClosed, c.State())
	reqs := transport.sent()
	require.Len(t, reqs, 2)
	require.Equal(t, http.MethodDelete, reqs[1].Method)
	require.Equal(t, 1, engine.closeCount())
}

func TestCloseDuringCreateCanceled(t *testing.T) {
	unblock := make(chan struct{})
	defer close(unblock)

	transport := &fakeTransport{handle: func(req *Request) (*Response, error) {
		<-unblock
		return answerWith(http.Header{})(req)
	}}
	c := newTestClient(t, &fakeEngine{}, transport)
	c.CreateSessionAsync(context.Background(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c.CloseSession(ctx)
	require.False(t, c.State().Terminal())
}

func TestMonitor(t *testing.T) {
	header := http.Header{}
	header.Set("Location", "/whip/resource/abc")

	m := stats.NewMonitor()
	c := newTestClient(t, &fakeEngine{}, &fakeTransport{handle: answerWith(header)}, WithMonitor(m))

	require.NoError(t, c.CreateSession(context.Background()))
	require.EqualValues(t, 1, m.ActiveSessions())

	c.CloseSession(context.Background())
	require.EqualValues(t, 0, m.ActiveSessions())
	require.EqualValues(t, 0, m.FailedRequests())
}

func TestResolveResourceURL(t *testing.T) {
	endpoint, err := url.Parse("http://whip.example.com:8080/app/stream?token=1")
	require.NoError(t, err)

	for location, expected := range map[string]string{
		"/resource/1":                      "http://whip.example.com:8080/resource/1",
		"resource/1":                       "http://whip.example.com:8080/resource/1",
		"/resource/1?x=y":                  "http://whip.example.com:8080/resource/1?x=y",
		"https://other.example.com/res/2":  "https://other.example.com/res/2",
		"http://whip.example.com:8080/r/3": "http://whip.example.com:8080/r/3",
		"//other.example.com/r/4?x=y":      "http://whip.example.com:8080/r/4?x=y",
		"//other.example.com":              "http://whip.example.com:8080/",
	} {
		actual, err := ResolveResourceURL(endpoint, location)
		require.NoError(t, err, location)
		require.Equal(t, expected, actual, location)
	}
}

func TestCloseSessionSchemeRelativeLocation(t *testing.T) {
	header := http.Header{}
	header.Set("Location", "//other.example.com/r/1")

	transport := &fakeTransport{handle: answerWith(header)}
	c := newTestClient(t, &fakeEngine{}, transport)

	require.NoError(t, c.CreateSession(context.Background()))
	c.CloseSession(context.Background())

	reqs := transport.sent()
	require.Len(t, reqs, 2)
	require.Equal(t, http.MethodDelete, reqs[1].Method)
	require.Equal(t, "https://example.com:8443/r/1", reqs[1].URL)
	require.Equal(t, StateClosed, c.State())
}

func TestConcurrentCreateAndClose(t *testing.T) {
	header := http.Header{}
	header.Set("Location", "/whip/resource/abc")

	for i := 0; i < 50; i++ {
		engine := &fakeEngine{}
		c := newTestClient(t, engine, &fakeTransport{handle: answerWith(header)})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.CreateSession(context.Background())
		}()
		go func() {
			defer wg.Done()
			c.CloseSession(context.Background())
		}()
		wg.Wait()

		require.Equal(t, StateClosed, c.State(), "iteration %d", i)
		require.Equal(t, 1, engine.closeCount(), "iteration %d", i)
	}
}

func TestHTTPTransport(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Location", "/resource/1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(testAnswer))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client(), "")
	resp, err := tr.Execute(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/whip",
		Header: http.Header{"Content-Type": []string{"application/sdp"}},
		Body:   []byte(testOffer),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "/resource/1", resp.Header.Get("Location"))
	require.Equal(t, testAnswer, string(resp.Body))

	require.Equal(t, "*/*", got.Header.Get("Accept"))
	require.Equal(t, DefaultUserAgent(), got.Header.Get("User-Agent"))
	require.Equal(t, "application/sdp", got.Header.Get("Content-Type"))
	require.Equal(t, testOffer, string(body))

	_, err = tr.Execute(context.Background(), &Request{
		Method: http.MethodDelete,
		URL:    srv.URL + "/resource/1",
		Header: http.Header{"Accept": []string{"application/sdp"}, "User-Agent": []string{"custom"}},
	})
	require.NoError(t, err)
	require.Equal(t, "application/sdp", got.Header.Get("Accept"))
	require.Equal(t, "custom", got.Header.Get("User-Agent"))
}
