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
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v4"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whip-client/pkg/errors"
	"github.com/livekit/whip-client/pkg/params"
	"github.com/livekit/whip-client/pkg/relay"
	"github.com/livekit/whip-client/pkg/stats"
)

// MediaEngine is the part of a WebRTC stack the signaling exchange drives.
type MediaEngine interface {
	// CreateOffer creates a send only offer, no audio or video is requested from the remote.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// SetLocalDescription applies offer and returns the description to send to the endpoint.
	SetLocalDescription(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, answer webrtc.SessionDescription) error
	// Close releases everything the engine allocated. It is safe to call more than once.
	Close() error
}

type ClientOption func(*Client)

func WithTransport(t Transport) ClientOption {
	return func(c *Client) {
		c.transport = t
	}
}

func WithMonitor(m *stats.Monitor) ClientOption {
	return func(c *Client) {
		c.monitor = m
	}
}

func WithLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// Client runs the WHIP exchange for one publish attempt.
type Client struct {
	params    *params.Params
	engine    MediaEngine
	transport Transport
	monitor   *stats.Monitor
	logger    logger.Logger

	mu            sync.Mutex
	session       *session
	createDone    chan struct{}
	onStateChange []func(from, to State)

	released core.Fuse
}

func NewClient(p *params.Params, engine MediaEngine, opts ...ClientOption) (*Client, error) {
	if p == nil {
		return nil, errors.ErrNoConfig
	}
	if engine == nil {
		return nil, errors.New("no media engine provided")
	}

	c := &Client{
		params:  p,
		engine:  engine,
		session: newSession(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(nil, "")
	}
	if c.logger == nil {
		c.logger = logger.GetLogger()
	}
	c.logger = c.logger.WithValues("endpoint", p.EndpointURL())

	if c.monitor != nil {
		c.monitor.SessionStateChanged("", string(StateIdle))
	}

	return c, nil
}

// OnStateChange registers fn to be called after every state transition, outside of the client lock.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	c.onStateChange = append(c.onStateChange, fn)
	c.mu.Unlock()
}

// CreateSession runs offer, POST and answer in order. On failure the engine is released
// and the session is left Failed.
func (c *Client) CreateSession(ctx context.Context) error {
	done, err := c.beginCreate()
	if err != nil {
		return err
	}
	defer close(done)

	return c.runCreate(ctx)
}

// CreateSessionAsync starts the exchange on its own goroutine. onDone is called exactly once,
// from that goroutine.
func (c *Client) CreateSessionAsync(ctx context.Context, onDone func(error)) {
	done, err := c.beginCreate()
	if err != nil {
		if onDone != nil {
			go onDone(err)
		}
		return
	}

	go func() {
		err := c.runCreate(ctx)
		close(done)
		if onDone != nil {
			onDone(err)
		}
	}()
}

func (c *Client) beginCreate() (chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch state := c.session.state(); {
	case state.Terminal():
		return nil, errors.ErrSessionTerminated
	case state != StateIdle:
		return nil, errors.ErrSessionInProgress
	}

	done := make(chan struct{})
	c.createDone = done
	return done, nil
}

// creating reports whether a create has begun and not finished. Callers hold mu.
func (c *Client) creating() bool {
	if c.createDone == nil {
		return false
	}
	select {
	case <-c.createDone:
		return false
	default:
		return true
	}
}

func (c *Client) runCreate(ctx context.Context) error {
	err := c.createSession(ctx)
	if err != nil {
		c.logger.Warnw("could not create WHIP session", err, "kind", errors.KindOf(err))
		c.release()
		c.fail(err)
	}
	return err
}

func (c *Client) createSession(ctx context.Context) error {
	c.logger.Infow("creating WHIP session", "params", c.params.String())

	if err := c.transition(eventRequestOffer); err != nil {
		return err
	}

	offer, err := c.engine.CreateOffer(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrEngineAlreadyInitialized) {
			return err
		}
		return errors.Wrap(errors.ErrEngineOffer, err)
	}
	logSDP(c.logger, "offer SDP is created", offer.SDP)

	if err = c.transition(eventOfferReady); err != nil {
		return err
	}

	local, err := c.engine.SetLocalDescription(ctx, offer)
	if err != nil {
		return errors.Wrap(errors.ErrEngineLocalDescription, err)
	}

	if err = c.transition(eventExchange); err != nil {
		return err
	}

	resp, err := c.postOffer(ctx, local.SDP)
	if err != nil {
		return err
	}
	logSDP(c.logger, "got answer SDP", string(resp.Body))

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(resp.Body),
	}
	if err = c.engine.SetRemoteDescription(ctx, answer); err != nil {
		return errors.Wrap(errors.ErrEngineRemoteDescription, err)
	}

	return c.activate(resp.Header)
}

func (c *Client) postOffer(ctx context.Context, sdp string) (*Response, error) {
	c.logger.Infow("requesting WHIP resource creation", "url", c.params.EndpointURL())

	resp, err := c.execute(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.params.EndpointURL(),
		Header: http.Header{headerContentType: []string{contentTypeSDP}},
		Body:   []byte(sdp),
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		c.logger.Infow("endpoint reports the stream already exists", "statusCode", resp.StatusCode)
		return nil, errors.ErrStreamExists
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.logger.Infow("endpoint responded with error status", "statusCode", resp.StatusCode, "bodyLength", len(resp.Body))
		return nil, errors.ErrUnexpectedStatus(resp.StatusCode)
	case len(resp.Body) == 0:
		return nil, errors.Wrap(errors.ErrInvalidResponse, errors.New("empty answer body"))
	case !utf8.Valid(resp.Body):
		return nil, errors.Wrap(errors.ErrInvalidResponse, errors.New("answer is not valid UTF-8"))
	}

	return resp, nil
}

func (c *Client) activate(h http.Header) error {
	location := h.Get(headerLocation)
	directives := relay.SplitHeader(strings.Join(h.Values(headerLink), ","))
	vary := strings.Join(h.Values(headerVary), ", ")

	c.mu.Lock()
	c.session.resourceLocation = location
	c.session.relayDirectives = directives
	c.session.vary = vary
	from, to, err := c.session.fire(eventActivate)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notify(from, to)

	c.logger.Infow("WHIP session is active",
		"location", location,
		"links", len(directives),
		"vary", vary,
	)
	for _, d := range directives {
		c.logger.Debugw("relay server advertised", "link", d)
	}

	return nil
}

// CloseSession deletes the remote resource, best effort, and releases the engine.
// A create still in flight is waited for first. Failures are logged and kept in LastError.
func (c *Client) CloseSession(ctx context.Context) {
	c.mu.Lock()
	for c.creating() {
		done := c.createDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Warnw("gave up waiting for WHIP session creation before close", ctx.Err())
			return
		}
		c.mu.Lock()
	}

	var event string
	switch c.session.state() {
	case StateIdle:
		event = eventDiscard
	case StateActive:
		event = eventClose
	default:
		// Failed and Closed are terminal, Closing means another close owns the delete
		c.mu.Unlock()
		return
	}
	location := c.session.resourceLocation
	from, to, err := c.session.fire(event)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warnw("could not close WHIP session", err)
		return
	}
	c.notify(from, to)

	if event == eventDiscard {
		c.release()
		return
	}

	if location != "" {
		if err = c.deleteResource(ctx, location); err != nil {
			c.logger.Warnw("WHIP resource deletion failed", err, "location", location)
		}
	} else {
		c.logger.Infow("no WHIP resource location, skipping delete")
	}
	c.release()

	c.mu.Lock()
	if err != nil {
		c.session.lastError = err
	}
	from, to, ferr := c.session.fire(eventClosed)
	c.mu.Unlock()
	if ferr == nil {
		c.notify(from, to)
	}
}

func (c *Client) deleteResource(ctx context.Context, location string) error {
	target, err := ResolveResourceURL(c.params.Endpoint(), location)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidURL, err)
	}

	c.logger.Infow("requesting WHIP resource deletion", "url", target)

	resp, err := c.execute(ctx, &Request{
		Method: http.MethodDelete,
		URL:    target,
		Header: http.Header{headerContentType: []string{contentTypeSDP}},
	})
	if err != nil {
		return errors.Wrap(errors.ErrTransport, err)
	}

	c.logger.Infow("requested WHIP resource deletion", "url", target, "statusCode", resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.ErrUnexpectedStatus(resp.StatusCode)
	}
	return nil
}

// ResolveResourceURL builds the absolute resource URL from the endpoint's scheme, host and
// port and the Location header. An absolute Location is used as is, a scheme-relative one
// never changes the host.
func ResolveResourceURL(endpoint *url.URL, location string) (string, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() && ref.Host != "" {
		return ref.String(), nil
	}
	if ref.Host != "" {
		// scheme-relative, only the path and query are kept
		ref = &url.URL{Path: ref.Path, RawPath: ref.RawPath, RawQuery: ref.RawQuery}
	}

	base := &url.URL{
		Scheme: endpoint.Scheme,
		Host:   endpoint.Host,
		Path:   "/",
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) execute(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := c.transport.Execute(ctx, req)

	if c.monitor != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.monitor.ObserveRequest(req.Method, status, err, time.Since(start))
	}
	return resp, err
}

func (c *Client) transition(event string) error {
	c.mu.Lock()
	from, to, err := c.session.fire(event)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.notify(from, to)
	return nil
}

func (c *Client) fail(cause error) {
	c.mu.Lock()
	c.session.lastError = cause
	from, to, err := c.session.fire(eventFail)
	c.mu.Unlock()
	if err == nil {
		c.notify(from, to)
	}
}

func (c *Client) release() {
	if !c.released.Break() {
		return
	}
	if err := c.engine.Close(); err != nil {
		c.logger.Warnw("could not release media engine", err)
	}
}

func (c *Client) notify(from, to State) {
	c.logger.Debugw("WHIP session state changed", "from", from, "to", to)
	if c.monitor != nil {
		c.monitor.SessionStateChanged(string(from), string(to))
	}

	c.mu.Lock()
	handlers := append([]func(from, to State){}, c.onStateChange...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(from, to)
	}
}

func logSDP(l logger.Logger, msg, sdp string) {
	l.Debugw(msg, "sdp", strings.ReplaceAll(sdp, "\r", ""))
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.state()
}

func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.snapshot()
}

func (c *Client) ResourceLocation() string {
	return c.Session().ResourceLocation
}

func (c *Client) RelayDirectives() []string {
	return c.Session().RelayDirectives
}

// RelayServers parses the advertised relay directives. Malformed ones are skipped.
func (c *Client) RelayServers() []*relay.Server {
	return relay.ParseDirectives(c.RelayDirectives())
}

func (c *Client) Vary() string {
	return c.Session().Vary
}

func (c *Client) LastError() error {
	return c.Session().LastError
}
