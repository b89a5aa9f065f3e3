package relay

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// Sink plays PCM16 mono audio starting at a given time
type Sink interface {
	Play(pcm []byte, sampleRate int, at time.Time)
}

// Scheduler queues incoming chunks back to back so playback has no gaps
// or overlaps: start = max(previous end, now).
type Scheduler struct {
	mu      sync.Mutex
	nextEnd time.Time
	sink    Sink
	now     func() time.Time
}

// NewScheduler creates a scheduler feeding sink
func NewScheduler(sink Sink) *Scheduler {
	return &Scheduler{sink: sink, now: time.Now}
}

// Schedule places chunk on the timeline and hands it to the sink
func (s *Scheduler) Schedule(chunk *protocol.AudioChunk) (start, end time.Time) {
	s.mu.Lock()
	now := s.now()
	start = s.nextEnd
	if start.Before(now) {
		start = now
	}
	end = start.Add(chunk.Duration())
	s.nextEnd = end
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Play(chunk.Data, chunk.SampleRate, start)
	}
	return start, end
}

// Reset forgets the timeline
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.nextEnd = time.Time{}
	s.mu.Unlock()
}

type scheduledChunk struct {
	pcm []byte
	at  time.Time
}

// WriterSink writes raw PCM to an io.Writer at each chunk's scheduled time
type WriterSink struct {
	w      io.Writer
	queue  chan scheduledChunk
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewWriterSink starts a sink writing to w
func NewWriterSink(w io.Writer, logger *slog.Logger) *WriterSink {
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WriterSink{
		w:      w,
		queue:  make(chan scheduledChunk, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	ws.wg.Add(1)
	go ws.run()
	return ws
}

// Play queues pcm for writing at at. Chunks are dropped when the queue is full.
func (ws *WriterSink) Play(pcm []byte, sampleRate int, at time.Time) {
	select {
	case <-ws.done:
	case ws.queue <- scheduledChunk{pcm: pcm, at: at}:
	default:
		ws.logger.Warn("playback queue full, dropping chunk", "bytes", len(pcm))
	}
}

func (ws *WriterSink) run() {
	defer ws.wg.Done()
	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	for {
		var c scheduledChunk
		select {
		case <-ws.done:
			return
		case c = <-ws.queue:
		}

		if d := time.Until(c.at); d > 0 {
			timer.Reset(d)
			select {
			case <-ws.done:
				return
			case <-timer.C:
			}
		}
		if _, err := ws.w.Write(c.pcm); err != nil {
			ws.logger.Warn("playback write failed", "error", err)
		}
	}
}

// Close stops the sink; queued chunks are discarded
func (ws *WriterSink) Close() error {
	ws.once.Do(func() { close(ws.done) })
	ws.wg.Wait()
	return nil
}
