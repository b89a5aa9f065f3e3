package webrtc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/silviot/live_translation_relay_go/pkg/audio"
)

// VideoSource opens the local video track for a device
type VideoSource interface {
	// OpenTrack returns a live track and a function that stops feeding it
	OpenTrack(deviceID string) (webrtc.TrackLocal, func(), error)
}

// IVFSource serves VP8 video from IVF files. A device id names a file,
// relative to Dir unless absolute. Files loop until the track is stopped.
type IVFSource struct {
	Dir    string
	Logger *slog.Logger
}

// NewIVFSource creates a source rooted at dir
func NewIVFSource(dir string, logger *slog.Logger) *IVFSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &IVFSource{Dir: dir, Logger: logger}
}

func (s *IVFSource) path(deviceID string) string {
	if filepath.IsAbs(deviceID) || s.Dir == "" {
		return deviceID
	}
	return filepath.Join(s.Dir, deviceID)
}

// OpenTrack validates the file and starts a goroutine that writes its frames
// to a new sample track at the file's frame rate
func (s *IVFSource) OpenTrack(deviceID string) (webrtc.TrackLocal, func(), error) {
	if deviceID == "" {
		return nil, nil, fmt.Errorf("%w: empty video device id", audio.ErrDeviceUnavailable)
	}

	path := s.path(deviceID)
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}

	_, header, err := ivfreader.NewWith(f)
	f.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid IVF file %s: %w", path, err)
	}
	if !strings.EqualFold(header.FourCC, "VP80") {
		return nil, nil, fmt.Errorf("unsupported IVF codec %q in %s", header.FourCC, path)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "relay-"+filepath.Base(deviceID),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create video track: %w", err)
	}

	frameDuration := time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameDuration = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go s.feed(path, track, frameDuration, stopCh, doneCh)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}

	s.Logger.Info("video track opened", "device", deviceID, "frameDuration", frameDuration)
	return track, stop, nil
}

// feed writes frames paced by a ticker and rewinds at end of file
func (s *IVFSource) feed(path string, track *webrtc.TrackLocalStaticSample, frameDuration time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		f, err := os.Open(path)
		if err != nil {
			s.Logger.Error("failed to reopen video file", "path", path, "error", err)
			return
		}
		reader, _, err := ivfreader.NewWith(f)
		if err != nil {
			f.Close()
			s.Logger.Error("failed to read video file", "path", path, "error", err)
			return
		}

		frames := 0
		for {
			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				s.Logger.Debug("video frame parse error", "path", path, "error", err)
				break
			}

			select {
			case <-stopCh:
				f.Close()
				return
			case <-ticker.C:
			}

			if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
				s.Logger.Debug("failed to write video sample", "error", err)
			}
			frames++
		}
		f.Close()

		if frames == 0 {
			s.Logger.Warn("video file has no frames", "path", path)
			return
		}

		select {
		case <-stopCh:
			return
		default:
		}
	}
}
