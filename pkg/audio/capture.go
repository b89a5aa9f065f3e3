package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrDeviceUnavailable is returned when a capture device cannot be opened
var ErrDeviceUnavailable = errors.New("device unavailable")

// Capture is an open capture stream of mono int16 frames
type Capture interface {
	Frames() <-chan []int16
	SampleRate() int
	Close() error
}

// Capturer opens capture streams scoped to a device id
type Capturer interface {
	Open(ctx context.Context, deviceID string) (Capture, error)
}

// ReaderCapturer captures raw s16le mono PCM from a file named by the device
// id, or from Stdin when the id is "-". Frames are paced in real time.
type ReaderCapturer struct {
	SampleRate int       // Input sample rate (default 16000)
	FrameSize  int       // Samples per frame (default 20ms worth)
	Loop       bool      // Rewind files at EOF
	Stdin      io.Reader // Source for "-" (default os.Stdin)
	Logger     *slog.Logger
}

// Open starts capturing from deviceID
func (c *ReaderCapturer) Open(ctx context.Context, deviceID string) (Capture, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = ServiceSampleRate
	}
	frameSize := c.FrameSize
	if frameSize <= 0 {
		frameSize = rate / 50
	}

	var (
		src    io.Reader
		closer io.Closer
		seeker io.Seeker
	)
	switch deviceID {
	case "":
		return nil, fmt.Errorf("%w: no audio device selected", ErrDeviceUnavailable)
	case "-":
		src = c.Stdin
		if src == nil {
			src = os.Stdin
		}
	default:
		f, err := os.Open(deviceID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		src, closer, seeker = f, f, f
	}

	ctx, cancel := context.WithCancel(ctx)
	rc := &readerCapture{
		frames:     make(chan []int16, 8),
		sampleRate: rate,
		cancel:     cancel,
		closer:     closer,
		done:       make(chan struct{}),
	}

	loop := c.Loop && seeker != nil
	go rc.run(ctx, src, seeker, loop, frameSize, logger.With("device", deviceID))

	logger.Info("audio capture opened", "device", deviceID, "sampleRate", rate, "frameSize", frameSize)
	return rc, nil
}

type readerCapture struct {
	frames     chan []int16
	sampleRate int
	cancel     context.CancelFunc
	closer     io.Closer
	done       chan struct{}
	closeOnce  sync.Once
}

func (r *readerCapture) run(ctx context.Context, src io.Reader, seeker io.Seeker, loop bool, frameSize int, logger *slog.Logger) {
	defer close(r.done)
	defer close(r.frames)

	frameDuration := time.Duration(frameSize) * time.Second / time.Duration(r.sampleRate)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	buf := make([]byte, frameSize*2)
	emitted := false // whether this pass over the file produced a frame
	for {
		n, err := io.ReadFull(src, buf)
		if n >= 2 {
			emitted = true
			frame := PCM16ToInt16(buf[:n-n%2])
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			select {
			case r.frames <- frame:
			case <-ctx.Done():
				return
			default:
				logger.Debug("capture consumer slow, dropping frame")
			}
		}

		if err != nil {
			if (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) && loop {
				if !emitted {
					logger.Warn("audio device has no samples, stopping capture")
					return
				}
				emitted = false
				if _, serr := seeker.Seek(0, io.SeekStart); serr == nil {
					continue
				}
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				logger.Warn("audio capture read failed", "error", err)
			}
			return
		}
	}
}

func (r *readerCapture) Frames() <-chan []int16 { return r.frames }

func (r *readerCapture) SampleRate() int { return r.sampleRate }

// Close stops capture and releases the device
func (r *readerCapture) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		if r.closer != nil {
			err = r.closer.Close()
		}
		// Stdin reads cannot be interrupted; do not wait for them
		if r.closer != nil {
			<-r.done
		}
	})
	return err
}
