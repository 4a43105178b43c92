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
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/dtls/v3/pkg/crypto/elliptic"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/logger/pionlogger"
	"github.com/livekit/psrpc"

	"github.com/livekit/whip-client/pkg/errors"
	"github.com/livekit/whip-client/pkg/params"
	"github.com/livekit/whip-client/pkg/relay"
)

const (
	trackID  = "video"
	streamID = "whip-publisher"
)

var videoRTCPFeedback = []webrtc.RTCPFeedback{{Type: "goog-remb"}, {Type: "ccm", Parameter: "fir"}, {Type: "nack"}, {Type: "nack", Parameter: "pli"}}

// VideoCodecs returns the codec table registered with every engine, built from params.AvailableCodecs.
func VideoCodecs() []webrtc.RTPCodecParameters {
	payloadTypes := []webrtc.PayloadType{102, 104, 106, 108, 127, 96, 98, 100, 45}

	var codecs []webrtc.RTPCodecParameters
	for i, c := range params.AvailableCodecs() {
		codecs = append(codecs, webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.MimeType(),
				ClockRate:    90000,
				SDPFmtpLine:  FmtpLine(c.Parameters),
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: payloadTypes[i],
		})
	}
	return codecs
}

// NewMediaEngine registers the video codec table and the header extensions simulcast needs.
func NewMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}

	for _, codec := range VideoCodecs() {
		if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}

	for _, uri := range []string{sdp.SDESMidURI, sdp.SDESRTPStreamIDURI} {
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}

	return m, nil
}

type EngineOption func(*Engine)

func WithRelayOnly(relayOnly bool) EngineOption {
	return func(e *Engine) {
		e.relayOnly = relayOnly
	}
}

func WithICEPortRange(start, end uint16) EngineOption {
	return func(e *Engine) {
		e.icePortStart = start
		e.icePortEnd = end
	}
}

func WithLoopbackCandidate(enable bool) EngineOption {
	return func(e *Engine) {
		e.loopback = enable
	}
}

func WithFrameSink(sink FrameSink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

func WithEngineLogger(l logger.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine is a pion backed send only video publisher.
type Engine struct {
	params *params.Params
	logger logger.Logger
	sink   FrameSink

	relayOnly    bool
	icePortStart uint16
	icePortEnd   uint16
	loopback     bool

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	plan   Plan
	codec  webrtc.RTPCodecParameters
	tracks []*webrtc.TrackLocalStaticSample
	source *Source

	closed core.Fuse
}

func NewEngine(p *params.Params, opts ...EngineOption) *Engine {
	e := &Engine{
		params: p,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.GetLogger()
	}
	return e
}

// Capabilities lists what the engine can send, in registration order.
func (e *Engine) Capabilities() []CodecCapability {
	var caps []CodecCapability
	for _, c := range VideoCodecs() {
		caps = append(caps, CapabilityFromCodec(c.RTPCodecCapability))
	}
	return caps
}

func (e *Engine) Plan() Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan
}

func (e *Engine) CreateOffer(_ context.Context) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.IsBroken() {
		return webrtc.SessionDescription{}, errors.ErrEngineClosed
	}
	if e.pc != nil {
		return webrtc.SessionDescription{}, errors.ErrEngineAlreadyInitialized
	}

	pc, err := e.createPeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	e.pc = pc

	if err = e.addTransceiver(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = checkSendOnly(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	return offer, nil
}

func (e *Engine) createPeerConnection() (*webrtc.PeerConnection, error) {
	settings := &webrtc.SettingEngine{
		LoggerFactory: pionlogger.NewLoggerFactory(e.logger),
	}
	if e.icePortStart != 0 || e.icePortEnd != 0 {
		if err := settings.SetEphemeralUDPPortRange(e.icePortStart, e.icePortEnd); err != nil {
			return nil, err
		}
	}
	settings.SetIncludeLoopbackCandidate(e.loopback)
	settings.SetDTLSEllipticCurves(elliptic.X25519, elliptic.P384, elliptic.P256)

	m, err := NewMediaEngine()
	if err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err = webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(*settings), webrtc.WithInterceptorRegistry(i))

	config := webrtc.Configuration{
		ICEServers:   relay.ICEServers(relay.ParseDirectives(e.params.SeedRelayDirectives())),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	}
	if e.relayOnly {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Infow("peer connection state changed", "state", state.String())
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.logger.Debugw("ICE connection state changed", "state", state.String())
	})

	return pc, nil
}

func (e *Engine) addTransceiver() error {
	codecs := VideoCodecs()
	caps := e.Capabilities()

	e.plan = BuildPlan(e.params, caps)
	if idx := PreferredIndex(caps, e.params.PreferredCodec()); idx >= 0 {
		codecs = MoveToFront(codecs, idx)
	} else {
		e.logger.Infow("preferred codec not supported, keeping default order", "codec", e.params.PreferredCodec())
	}
	e.codec = codecs[0]

	for _, layer := range e.plan.Encodings {
		var opts []func(*webrtc.TrackLocalStaticRTP)
		if layer.RID != "" {
			opts = append(opts, webrtc.WithRTPStreamID(layer.RID))
		}
		track, err := webrtc.NewTrackLocalStaticSample(e.codec.RTPCodecCapability, trackID, streamID, opts...)
		if err != nil {
			return err
		}
		e.tracks = append(e.tracks, track)
	}

	transceiver, err := e.pc.AddTransceiverFromTrack(e.tracks[0], webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return err
	}
	for _, track := range e.tracks[1:] {
		if err = transceiver.Sender().AddEncoding(track); err != nil {
			return err
		}
	}
	if err = transceiver.SetCodecPreferences(codecs); err != nil {
		return err
	}

	for _, layer := range e.plan.Encodings {
		e.logger.Debugw("encoding layer",
			"rid", layer.RID,
			"minBitrate", layer.MinBitrateBps,
			"maxBitrate", layer.MaxBitrateBps,
			"maxFramerate", layer.MaxFramerate,
		)
	}

	go e.readRTCP(transceiver.Sender())

	return nil
}

// SetLocalDescription applies offer and waits for ICE gathering so the returned
// description carries every candidate.
func (e *Engine) SetLocalDescription(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	pc, err := e.peerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	// Create channel that is blocked until ICE Gathering is complete
	gatherComplete := webrtc.GatheringCompletePromise(pc)

	if err = pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, psrpc.NewErrorf(psrpc.DeadlineExceeded, "timed out while waiting for ICE candidate gathering")
	}

	return *pc.LocalDescription(), nil
}

// SetRemoteDescription applies the answer and starts sending the media source, if any.
func (e *Engine) SetRemoteDescription(_ context.Context, answer webrtc.SessionDescription) error {
	pc, err := e.peerConnection()
	if err != nil {
		return err
	}

	if err = pc.SetRemoteDescription(answer); err != nil {
		return err
	}

	return e.startSource()
}

func (e *Engine) startSource() error {
	path := e.params.MediaSource()
	if path == "" {
		e.logger.Infow("no media source configured, sending nothing")
		return nil
	}

	src, err := OpenSource(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(src.MimeType(), e.codec.MimeType) {
		_ = src.Close()
		return fmt.Errorf("media source %s is %s, negotiated codec is %s", path, src.MimeType(), e.codec.MimeType)
	}

	e.mu.Lock()
	if e.closed.IsBroken() {
		e.mu.Unlock()
		_ = src.Close()
		return errors.ErrEngineClosed
	}
	e.source = src
	tracks := e.tracks
	e.mu.Unlock()

	go func() {
		err := src.Run(e.plan.Encodings.MaxFramerate(), tracks, e.sink, e.closed.Watch())
		if err != nil {
			e.logger.Warnw("media source stopped", err, "source", path)
		}
	}()

	return nil
}

func (e *Engine) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				e.logger.Debugw("keyframe requested", "ssrc", p.MediaSSRC)
			case *rtcp.FullIntraRequest:
				e.logger.Debugw("full intra requested", "ssrc", p.MediaSSRC)
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				e.logger.Debugw("remote bitrate estimate", "bitrate", p.Bitrate)
			}
		}
	}
}

func (e *Engine) peerConnection() (*webrtc.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.IsBroken() {
		return nil, errors.ErrEngineClosed
	}
	if e.pc == nil {
		return nil, errors.New("no offer created")
	}
	return e.pc, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed.Break() {
		return nil
	}

	var err error
	if e.source != nil {
		err = e.source.Close()
	}
	if e.pc != nil {
		if pcErr := e.pc.Close(); pcErr != nil {
			err = pcErr
		}
	}
	return err
}

func checkSendOnly(offer webrtc.SessionDescription) error {
	parsed, err := offer.Unmarshal()
	if err != nil {
		return err
	}

	for _, md := range parsed.MediaDescriptions {
		if !sendOnly(md) {
			return fmt.Errorf("media section %s is not send only", md.MediaName.Media)
		}
	}
	return nil
}

func sendOnly(md *sdp.MediaDescription) bool {
	_, ok := md.Attribute(sdp.AttrKeySendOnly)
	return ok
}
