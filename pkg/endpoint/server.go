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

package endpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/mux"
	"github.com/pion/sdp/v3"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"
	"github.com/livekit/psrpc"

	"github.com/livekit/whip-client/pkg/config"
	"github.com/livekit/whip-client/pkg/errors"
	"github.com/livekit/whip-client/pkg/relay"
)

const (
	sdpResponseTimeout = 5 * time.Second

	contentTypeSDP = "application/sdp"
)

// Handler is the media side of one WHIP resource.
type Handler interface {
	// Done is closed once the peer connection ends on its own.
	Done() <-chan struct{}
	Close() error
}

// Answerer turns an offer into an answer and the handler receiving the media.
type Answerer interface {
	Answer(ctx context.Context, offer string) (string, Handler, error)
}

type resource struct {
	id        string
	app       string
	streamKey string
	handler   Handler
}

// Server is a minimal WHIP ingest endpoint.
type Server struct {
	conf     *config.Config
	answerer Answerer
	links    []string

	mu        sync.Mutex
	streams   map[string]*resource
	resources map[string]*resource

	created atomic.Uint64
	deleted atomic.Uint64

	hs       *http.Server
	shutdown core.Fuse
}

func NewServer(conf *config.Config, answerer Answerer) *Server {
	s := &Server{
		conf:      conf,
		answerer:  answerer,
		streams:   make(map[string]*resource),
		resources: make(map[string]*resource),
	}
	for _, srv := range relay.ParseDirectives(conf.ICEServers) {
		s.links = append(s.links, srv.Directive())
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/{app}", func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			s.handleError(err, w)
		}()

		bearer := r.Header.Get("Authorization")
		// some clients omit the 'Bearer' prefix
		streamKey := strings.TrimPrefix(bearer, "Bearer ")

		err = s.handleNewWhipClient(w, r, streamKey)
	}).Methods("POST")

	r.HandleFunc("/{app}/{stream_key}", func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			s.handleError(err, w)
		}()

		err = s.handleNewWhipClient(w, r, mux.Vars(r)["stream_key"])
	}).Methods("POST")

	r.HandleFunc("/{app}", func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w, false)
		w.WriteHeader(http.StatusNoContent)
	}).Methods("OPTIONS")

	r.HandleFunc("/{app}/{stream_key}", func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w, false)
		w.WriteHeader(http.StatusNoContent)
	}).Methods("OPTIONS")

	r.HandleFunc("/{app}/{stream_key}/{resource_id}", func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			s.handleError(err, w)
		}()

		w.Header().Set("Access-Control-Allow-Origin", "*")
		err = s.deleteResource(mux.Vars(r)["resource_id"])
		if err == nil {
			w.WriteHeader(http.StatusOK)
		}
	}).Methods("DELETE")

	// Trickle, ICE Restart unimplemented for now
	r.HandleFunc("/{app}/{stream_key}/{resource_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	}).Methods("PATCH")

	r.HandleFunc("/{app}/{stream_key}/{resource_id}", func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w, true)
	}).Methods("OPTIONS")

	return r
}

// Start serves on the configured WHIP port until Stop.
func (s *Server) Start() error {
	logger.Infow("starting WHIP endpoint", "port", s.conf.WHIPPort)

	s.hs = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.conf.WHIPPort),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		err := s.hs.ListenAndServe()
		if err != http.ErrServerClosed {
			logger.Errorw("WHIP endpoint start failed", err)
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if !s.shutdown.Break() {
		return nil
	}

	s.mu.Lock()
	resources := make([]*resource, 0, len(s.resources))
	for _, res := range s.resources {
		resources = append(resources, res)
	}
	s.mu.Unlock()

	for _, res := range resources {
		_ = s.deleteResource(res.id)
	}

	if s.hs == nil {
		return nil
	}
	return s.hs.Shutdown(ctx)
}

func (s *Server) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Resource returns the handler of an active resource.
func (s *Server) Resource(resourceID string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceID]
	if !ok {
		return nil, false
	}
	return res.handler, true
}

func (s *Server) Created() uint64 {
	return s.created.Load()
}

func (s *Server) Deleted() uint64 {
	return s.deleted.Load()
}

func (s *Server) handleError(err error, w http.ResponseWriter) {
	if err == nil {
		// Nothing, we already responded
		return
	}

	psrpcErr := errors.ToPSRPC(err)
	logger.Debugw("whip request failed", "error", err, "code", psrpcErr.Code())
	w.WriteHeader(psrpcErr.ToHttp())
	_, _ = w.Write([]byte(psrpcErr.Error()))
}

func (s *Server) handleNewWhipClient(w http.ResponseWriter, r *http.Request, streamKey string) error {
	if s.shutdown.IsBroken() {
		return psrpc.NewErrorf(psrpc.Unavailable, "endpoint shutting down")
	}
	if streamKey == "" {
		return psrpc.NewErrorf(psrpc.Unauthenticated, "missing stream key")
	}
	if ct := r.Header.Get("Content-Type"); ct != contentTypeSDP {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "unsupported content type %q", ct)
	}

	app := mux.Vars(r)["app"]

	sdpOffer := bytes.Buffer{}
	if _, err := io.Copy(&sdpOffer, r.Body); err != nil {
		return err
	}

	logger.Debugw("new whip request", "streamKey", streamKey, "sdpOffer", sdpOffer.String())

	if err := validateOffer(sdpOffer.Bytes()); err != nil {
		return psrpc.NewError(psrpc.InvalidArgument, err)
	}

	res, answer, err := s.createStream(r.Context(), app, streamKey, sdpOffer.String())
	if err != nil {
		return err
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Location, Link")
	w.Header().Set("Content-Type", contentTypeSDP)
	w.Header().Set("Location", fmt.Sprintf("/%s/%s/%s", app, streamKey, res.id))
	w.Header().Set("Vary", "Origin")
	for _, link := range s.links {
		w.Header().Add("Link", link)
	}
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(answer))

	return nil
}

func (s *Server) createStream(ctx context.Context, app, streamKey, sdpOffer string) (*resource, string, error) {
	res := &resource{
		id:        utils.NewGuid(utils.WHIPResourcePrefix),
		app:       app,
		streamKey: streamKey,
	}

	s.mu.Lock()
	if _, ok := s.streams[streamKey]; ok {
		s.mu.Unlock()
		return nil, "", psrpc.NewErrorf(psrpc.AlreadyExists, "stream %s is already being published", streamKey)
	}
	// reserve the key while answering
	s.streams[streamKey] = res
	s.mu.Unlock()

	ctx, done := context.WithTimeout(ctx, sdpResponseTimeout)
	defer done()

	answer, h, err := s.answerer.Answer(ctx, sdpOffer)
	if err != nil {
		s.mu.Lock()
		delete(s.streams, streamKey)
		s.mu.Unlock()
		return nil, "", err
	}
	res.handler = h

	s.mu.Lock()
	s.resources[res.id] = res
	s.mu.Unlock()
	s.created.Inc()

	logger.Infow("WHIP resource created", "app", app, "streamKey", streamKey, "resourceID", res.id)

	go func() {
		select {
		case <-h.Done():
			logger.Infow("WHIP session ended", "streamKey", streamKey, "resourceID", res.id)
			_ = s.deleteResource(res.id)
		case <-s.shutdown.Watch():
		}
	}()

	return res, answer, nil
}

func (s *Server) deleteResource(resourceID string) error {
	logger.Infow("handling WHIP delete request", "resourceID", resourceID)

	s.mu.Lock()
	res, ok := s.resources[resourceID]
	if ok {
		delete(s.resources, resourceID)
		delete(s.streams, res.streamKey)
	}
	s.mu.Unlock()

	if !ok {
		return psrpc.NewErrorf(psrpc.NotFound, "resource %s not found", resourceID)
	}
	s.deleted.Inc()

	if err := res.handler.Close(); err != nil {
		logger.Warnw("failed closing WHIP handler", err, "resourceID", resourceID)
	}
	return nil
}

func validateOffer(offer []byte) error {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal(offer); err != nil {
		return err
	}
	if len(parsed.MediaDescriptions) == 0 {
		return errors.New("offer has no media sections")
	}
	for _, md := range parsed.MediaDescriptions {
		if _, ok := md.Attribute(sdp.AttrKeyRecvOnly); ok {
			return fmt.Errorf("media section %s is receive only", md.MediaName.Media)
		}
	}
	return nil
}

func setCORSHeaders(w http.ResponseWriter, resourceEndpoint bool) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	if resourceEndpoint {
		w.Header().Set("Access-Control-Allow-Methods", "PATCH, OPTIONS, DELETE")
	} else {
		w.Header().Set("Accept-Post", contentTypeSDP)
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", "Location, Link")
	}
}
