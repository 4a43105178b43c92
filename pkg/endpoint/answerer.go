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
	"context"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/dtls/v3/pkg/crypto/elliptic"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/logger/pionlogger"
	"github.com/livekit/psrpc"

	"github.com/livekit/whip-client/pkg/config"
	"github.com/livekit/whip-client/pkg/media"
)

// PionAnswerer answers offers with a receive only pion peer connection per resource.
type PionAnswerer struct {
	conf *config.Config
}

func NewPionAnswerer(conf *config.Config) *PionAnswerer {
	return &PionAnswerer{conf: conf}
}

func (a *PionAnswerer) Answer(ctx context.Context, sdpOffer string) (string, Handler, error) {
	settings := &webrtc.SettingEngine{
		LoggerFactory: pionlogger.NewLoggerFactory(logger.GetLogger()),
	}

	if len(a.conf.ICEPortRange) == 2 {
		if err := settings.SetEphemeralUDPPortRange(a.conf.ICEPortRange[0], a.conf.ICEPortRange[1]); err != nil {
			return "", nil, err
		}
	}
	settings.SetIncludeLoopbackCandidate(a.conf.EnableLoopbackCandidate)
	// Change elliptic curve to improve connectivity
	settings.SetDTLSEllipticCurves(elliptic.X25519, elliptic.P384, elliptic.P256)
	settings.DisableSRTPReplayProtection(true)
	settings.DisableSRTCPReplayProtection(true)

	m, err := media.NewMediaEngine()
	if err != nil {
		return "", nil, err
	}

	i := &interceptor.Registry{}
	if err = webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return "", nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(*settings), webrtc.WithInterceptorRegistry(i))

	h := &PionHandler{}
	h.pc, err = api.NewPeerConnection(webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		BundlePolicy: webrtc.BundlePolicyBalanced,
	})
	if err != nil {
		return "", nil, err
	}
	defer func() {
		if err != nil {
			_ = h.pc.Close()
		}
	}()

	h.pc.OnTrack(h.addTrack)
	h.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Infow("Peer Connection State changed", "state", state.String())
		if state >= webrtc.PeerConnectionStateDisconnected {
			h.done.Break()
		}
	})

	answer, err := h.getSDPAnswer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer})
	if err != nil {
		return "", nil, err
	}
	return answer, h, nil
}

// PionHandler receives and counts the media of one resource.
type PionHandler struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote

	packets atomic.Uint64
	bytes   atomic.Uint64
	done    core.Fuse
}

func (h *PionHandler) getSDPAnswer(ctx context.Context, offer webrtc.SessionDescription) (string, error) {
	if err := h.pc.SetRemoteDescription(offer); err != nil {
		return "", psrpc.NewError(psrpc.InvalidArgument, err)
	}

	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	// Create channel that is blocked until ICE Gathering is complete
	gatherComplete := webrtc.GatheringCompletePromise(h.pc)

	if err = h.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", psrpc.NewErrorf(psrpc.DeadlineExceeded, "timed out while waiting for ICE candidate gathering")
	}

	return h.pc.LocalDescription().SDP, nil
}

func (h *PionHandler) addTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	logger.Infow("track has started",
		"type", track.PayloadType(),
		"codec", track.Codec().MimeType,
		"rid", track.RID(),
	)

	h.mu.Lock()
	h.tracks = append(h.tracks, track)
	h.mu.Unlock()

	h.writePLI(track.SSRC())

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			h.observe(pkt)
		}
	}()
}

func (h *PionHandler) observe(pkt *rtp.Packet) {
	h.packets.Inc()
	h.bytes.Add(uint64(len(pkt.Payload)))
}

func (h *PionHandler) writePLI(ssrc webrtc.SSRC) {
	logger.Debugw("sending PLI request", "ssrc", ssrc)
	pli := []rtcp.Packet{
		&rtcp.PictureLossIndication{SenderSSRC: uint32(ssrc), MediaSSRC: uint32(ssrc)},
	}
	if err := h.pc.WriteRTCP(pli); err != nil {
		logger.Warnw("failed writing PLI", err, "ssrc", ssrc)
	}
}

// Tracks returns the codec and RID of every received track.
func (h *PionHandler) Tracks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.tracks))
	for _, t := range h.tracks {
		out = append(out, t.Codec().MimeType+"/"+t.RID())
	}
	return out
}

func (h *PionHandler) Packets() uint64 {
	return h.packets.Load()
}

func (h *PionHandler) Bytes() uint64 {
	return h.bytes.Load()
}

func (h *PionHandler) Done() <-chan struct{} {
	return h.done.Watch()
}

func (h *PionHandler) Close() error {
	h.done.Break()
	logger.Debugw("closing WHIP handler", "packets", h.packets.Load(), "bytes", h.bytes.Load())
	return h.pc.Close()
}
