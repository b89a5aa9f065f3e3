// Package audio captures local speech and prepares it for the translation
// service: mono PCM16 at 16 kHz in fixed 2048-sample frames.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

const (
	// ServiceSampleRate is the input rate the translation service expects
	ServiceSampleRate = 16000
	// ServiceFrameSamples is the number of samples per frame sent to the service
	ServiceFrameSamples = 2048
)

// Pipeline turns captured int16 frames into service-ready PCM16 frames:
// resampling, format conversion, buffering
type Pipeline struct {
	inputSampleRate  int
	outputSampleRate int
	resampler        *Resampler
	chunks           *ChunkBuffer
	logger           *slog.Logger
}

// NewPipeline creates a pipeline from inputSampleRate to the service format
func NewPipeline(inputSampleRate int, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if inputSampleRate <= 0 {
		return nil, fmt.Errorf("invalid input sample rate: %d", inputSampleRate)
	}

	resampler, err := NewResampler(inputSampleRate, ServiceSampleRate, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	return &Pipeline{
		inputSampleRate:  inputSampleRate,
		outputSampleRate: ServiceSampleRate,
		resampler:        resampler,
		chunks:           NewChunkBuffer(ServiceFrameSamples, logger),
		logger:           logger,
	}, nil
}

// Process converts one captured frame and returns every complete service frame
func (p *Pipeline) Process(frame []int16) ([][]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}

	samples := Int16ToFloat32(frame)
	if p.inputSampleRate != p.outputSampleRate {
		resampled, err := p.resampler.Resample(samples)
		if err != nil {
			return nil, fmt.Errorf("resampling failed: %w", err)
		}
		samples = resampled
	}

	var out [][]byte
	for _, chunk := range p.chunks.Add(samples) {
		out = append(out, Float32ToPCM16(chunk))
	}
	return out, nil
}

// Flush returns the buffered partial frame, if any
func (p *Pipeline) Flush() []byte {
	rest := p.chunks.Flush()
	if len(rest) == 0 {
		return nil
	}
	return Float32ToPCM16(rest)
}

// Reset drops buffered samples
func (p *Pipeline) Reset() {
	p.chunks.Reset()
}

// Resampler handles audio resampling from one sample rate to another
type Resampler struct {
	inputRate  int
	outputRate int
	ratio      float64
	logger     *slog.Logger
}

// NewResampler creates a new resampler
func NewResampler(inputRate, outputRate int, logger *slog.Logger) (*Resampler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}

	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(outputRate) / float64(inputRate),
		logger:     logger,
	}, nil
}

// Resample performs linear interpolation resampling
func (r *Resampler) Resample(input []float32) ([]float32, error) {
	if len(input) == 0 {
		return []float32{}, nil
	}

	outputSize := len(input) * r.outputRate / r.inputRate
	if outputSize == 0 {
		return []float32{}, nil
	}

	output := make([]float32, outputSize)
	for i := 0; i < outputSize; i++ {
		pos := float64(i) / r.ratio
		idx := int(pos)

		if idx >= len(input)-1 {
			output[i] = input[len(input)-1]
			continue
		}

		frac := float32(pos - float64(idx))
		output[i] = input[idx]*(1-frac) + input[idx+1]*frac
	}

	return output, nil
}

// ChunkBuffer buffers samples into fixed-size chunks
type ChunkBuffer struct {
	chunkSize int
	buffer    []float32
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewChunkBuffer creates a buffer emitting chunks of chunkSize samples
func NewChunkBuffer(chunkSize int, logger *slog.Logger) *ChunkBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkBuffer{
		chunkSize: chunkSize,
		buffer:    make([]float32, 0, chunkSize),
		logger:    logger,
	}
}

// Add adds samples to the buffer and returns complete chunks
func (cb *ChunkBuffer) Add(samples []float32) [][]float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer = append(cb.buffer, samples...)

	var chunks [][]float32
	for len(cb.buffer) >= cb.chunkSize {
		chunk := make([]float32, cb.chunkSize)
		copy(chunk, cb.buffer[:cb.chunkSize])
		chunks = append(chunks, chunk)
		cb.buffer = cb.buffer[cb.chunkSize:]
	}

	return chunks
}

// Flush returns remaining samples as a partial chunk
func (cb *ChunkBuffer) Flush() []float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.buffer) == 0 {
		return nil
	}

	chunk := make([]float32, len(cb.buffer))
	copy(chunk, cb.buffer)
	cb.buffer = cb.buffer[:0]

	return chunk
}

// Reset clears the buffer
func (cb *ChunkBuffer) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buffer = cb.buffer[:0]
}
