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


//go:build integration

package test

import (
	"context"
	"encoding/binary"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whip-client/pkg/endpoint"
	"github.com/livekit/whip-client/pkg/media"
	"github.com/livekit/whip-client/pkg/params"
	"github.com/livekit/whip-client/pkg/stats"
	"github.com/livekit/whip-client/pkg/whip"
)

const (
	publishTimeout = 10 * time.Second
	frameCount     = 30
)

func RunPublishTest(t *testing.T, conf *TestConfig, codecName string, simulcast bool) {
	srv := endpoint.NewServer(conf.Config, endpoint.NewPionAnswerer(conf.Config))
	ts := httptest.NewServer(srv.Handler())
	defer func() {
		ts.Close()
		_ = srv.Stop(context.Background())
	}()

	codec, ok := params.FindCodec(codecName, nil)
	require.True(t, ok)

	p, err := params.New(params.Settings{
		EndpointURL:      ts.URL + "/live/" + codecName,
		PreferredCodec:   &codec,
		VideoBitrateKbps: conf.VideoBitrate,
		Framerate:        conf.Framerate,
		UseSimulcast:     simulcast,
		MediaSource:      writeSource(t, codecName),
	})
	require.NoError(t, err)

	monitor := stats.NewMonitor()
	engine := media.NewEngine(p, media.WithLoopbackCandidate(true))
	client, err := whip.NewClient(p, engine, whip.WithMonitor(monitor))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	require.NoError(t, client.CreateSession(ctx))
	require.Equal(t, whip.StateActive, client.State())
	require.EqualValues(t, 1, monitor.ActiveSessions())

	h, ok := srv.Resource(path.Base(client.ResourceLocation()))
	require.True(t, ok)
	handler := h.(*endpoint.PionHandler)

	expectedTracks := 1
	if simulcast {
		expectedTracks = 3
	}
	require.Eventually(t, func() bool {
		return handler.Packets() > 0 && len(handler.Tracks()) == expectedTracks
	}, publishTimeout, 100*time.Millisecond)
	logger.Infow("receiving media", "tracks", handler.Tracks(), "packets", handler.Packets())

	client.CloseSession(context.Background())
	require.Equal(t, whip.StateClosed, client.State())
	require.NoError(t, client.LastError())
	require.Equal(t, 0, srv.ActiveStreams())
	require.EqualValues(t, 0, monitor.ActiveSessions())
}

// writeSource writes a short synthetic stream the packetizers accept. Nothing decodes it.
func writeSource(t *testing.T, codecName string) string {
	dir := t.TempDir()

	switch codecName {
	case "H264":
		var data []byte
		for i := 0; i < frameCount; i++ {
			if i == 0 {
				data = append(data, 0, 0, 0, 1, 0x67, 0x42, 0xe0, 0x1f)
				data = append(data, 0, 0, 0, 1, 0x68, 0xce, 0x06, 0xe2)
				data = append(data, 0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x33)
			} else {
				data = append(data, 0, 0, 0, 1, 0x41, 0x9a, 0x02, byte(i))
			}
		}
		p := filepath.Join(dir, "video.h264")
		require.NoError(t, os.WriteFile(p, data, 0644))
		return p

	default:
		header := make([]byte, 32)
		copy(header, "DKIF")
		binary.LittleEndian.PutUint16(header[6:], 32)
		copy(header[8:], "VP80")
		binary.LittleEndian.PutUint16(header[12:], 320)
		binary.LittleEndian.PutUint16(header[14:], 240)
		binary.LittleEndian.PutUint32(header[16:], 30)
		binary.LittleEndian.PutUint32(header[20:], 1)
		binary.LittleEndian.PutUint32(header[24:], frameCount)

		data := header
		for i := 0; i < frameCount; i++ {
			frame := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, byte(i)}
			fh := make([]byte, 12)
			binary.LittleEndian.PutUint32(fh, uint32(len(frame)))
			binary.LittleEndian.PutUint64(fh[4:], uint64(i))
			data = append(data, fh...)
			data = append(data, frame...)
		}
		p := filepath.Join(dir, "video.ivf")
		require.NoError(t, os.WriteFile(p, data, 0644))
		return p
	}
}
