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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/livekit/whip-client/pkg/errors"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// FrameSink receives every frame the source sends, ie. for a local preview.
type FrameSink interface {
	WriteFrame(mimeType string, sample pmedia.Sample)
}

type frameReader func() ([]byte, error)

// Source reads encoded video frames from a file and loops at EOF.
// IVF files carry VP8, VP9 or AV1, .h264 and .264 files carry Annex-B H264.
type Source struct {
	path     string
	mimeType string

	mu     sync.Mutex
	f      *os.File
	next   frameReader
	closed bool
}

func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Source{
		path: path,
		f:    f,
	}
	if err = s.reset(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) MimeType() string {
	return s.mimeType
}

func (s *Source) reset() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(s.path)); ext {
	case ".ivf":
		r, header, err := ivfreader.NewWith(s.f)
		if err != nil {
			return err
		}
		mimeType, err := ivfMimeType(header.FourCC)
		if err != nil {
			return err
		}
		s.mimeType = mimeType
		s.next = func() ([]byte, error) {
			frame, _, err := r.ParseNextFrame()
			return frame, err
		}

	case ".h264", ".264":
		r, err := h264reader.NewReader(s.f)
		if err != nil {
			return err
		}
		s.mimeType = webrtc.MimeTypeH264
		s.next = accessUnits(r)

	default:
		return fmt.Errorf("unsupported media source extension %q", ext)
	}

	return nil
}

func ivfMimeType(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("unsupported IVF fourcc %q", fourCC)
	}
}

// accessUnits groups NAL units up to and including the next coded slice.
func accessUnits(r *h264reader.H264Reader) frameReader {
	return func() ([]byte, error) {
		var frame []byte
		for {
			nal, err := r.NextNAL()
			if err != nil {
				if errors.Is(err, io.EOF) && len(frame) > 0 {
					return frame, nil
				}
				return nil, err
			}

			frame = append(frame, annexBStartCode...)
			frame = append(frame, nal.Data...)

			switch nal.UnitType {
			case h264reader.NalUnitTypeCodedSliceNonIdr, h264reader.NalUnitTypeCodedSliceIdr:
				return frame, nil
			}
		}
	}
}

// NextFrame returns the next frame, starting over at the end of the file.
func (s *Source) NextFrame() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}

	frame, err := s.next()
	if errors.Is(err, io.EOF) {
		if err = s.reset(); err != nil {
			return nil, err
		}
		frame, err = s.next()
	}
	return frame, err
}

// Run writes one frame per tick to every track until done is closed or reading fails.
func (s *Source) Run(framerate float64, tracks []*webrtc.TrackLocalStaticSample, sink FrameSink, done <-chan struct{}) error {
	if framerate <= 0 {
		framerate = 30
	}
	duration := time.Duration(float64(time.Second) / framerate)

	ticker := time.NewTicker(duration)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
		}

		frame, err := s.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		sample := pmedia.Sample{Data: frame, Duration: duration}
		for _, track := range tracks {
			if err = track.WriteSample(sample); err != nil {
				return err
			}
		}
		if sink != nil {
			sink.WriteFrame(s.mimeType, sample)
		}
	}
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
