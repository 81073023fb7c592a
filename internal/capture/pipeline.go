// Package capture acquires a microphone stream and segments it into timed,
// encoded audio chunks for the transcript transport.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxmeet/conference-agent/internal/audio"
	"github.com/voxmeet/conference-agent/internal/observability"
)

// Stream is one live device acquisition. Closing it releases the device so
// other consumers can open it.
type Stream interface {
	Close() error
}

// Source abstracts media acquisition. Implementations push raw mono s16le
// PCM into onPCM from the device callback.
type Source interface {
	Acquire(ctx context.Context, deviceID string, onPCM func([]byte)) (Stream, error)
}

// UnavailableError indicates that capture could not start: no device id is
// known, the device is busy, or acquisition was denied.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture unavailable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("capture unavailable: %s", e.Reason)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// ErrCaptureActive is returned when Start is called while a previous handle
// still owns the device.
var ErrCaptureActive = fmt.Errorf("capture already active")

// Pipeline segments a live audio stream into fixed-interval encoded chunks.
// At most one handle may be active at a time; the selected device is owned
// exclusively by that handle.
type Pipeline struct {
	source     Source
	sampleRate int
	interval   time.Duration
	logger     zerolog.Logger

	mu     sync.Mutex
	active *Handle
}

// NewPipeline creates a capture pipeline over the given media source
func NewPipeline(source Source, sampleRate int, interval time.Duration, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		source:     source,
		sampleRate: sampleRate,
		interval:   interval,
		logger:     logger.With().Str("component", "capture").Logger(),
	}
}

// Handle is one active capture. Stop is idempotent and always releases the
// underlying device stream.
type Handle struct {
	pipeline *Pipeline
	stream   Stream
	staging  *audio.PCMBuffer
	logger   zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Start acquires the device and begins invoking onChunk with one encoded
// chunk per interval boundary, in chunk order, while the handle is active.
// Intervals in which no audio arrived produce no chunk.
func (p *Pipeline) Start(ctx context.Context, deviceID string, onChunk func([]byte)) (*Handle, error) {
	if deviceID == "" {
		return nil, &UnavailableError{Reason: "no input device selected"}
	}
	if onChunk == nil {
		return nil, &UnavailableError{Reason: "no chunk consumer"}
	}

	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return nil, ErrCaptureActive
	}

	// Stage up to two intervals of PCM so a late tick never drops audio
	bytesPerInterval := int(float64(p.sampleRate) * p.interval.Seconds() * 2)
	h := &Handle{
		pipeline: p,
		staging:  audio.NewPCMBuffer(bytesPerInterval * 2),
		logger:   p.logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	stream, err := p.source.Acquire(ctx, deviceID, func(pcm []byte) {
		observability.RecordAudioBytes(int64(len(pcm)))
		h.staging.Write(pcm)
	})
	if err != nil {
		p.mu.Unlock()
		return nil, &UnavailableError{Reason: "media acquisition failed", Err: err}
	}

	h.stream = stream
	p.active = h
	p.mu.Unlock()

	p.logger.Info().
		Str("device", deviceID).
		Dur("interval", p.interval).
		Int("sample_rate", p.sampleRate).
		Msg("Capture started")

	go h.run(onChunk)
	return h, nil
}

// run drives the chunk cadence. A single goroutine owns chunk emission, so
// onChunk is called exactly once per chunk, in order.
func (h *Handle) run(onChunk func([]byte)) {
	defer close(h.done)

	ticker := time.NewTicker(h.pipeline.interval)
	defer ticker.Stop()

	var carry []byte // odd trailing byte held for the next boundary

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			pcm := h.staging.Drain()
			if len(carry) > 0 {
				pcm = append(carry, pcm...)
				carry = nil
			}
			if len(pcm)%2 != 0 {
				carry = []byte{pcm[len(pcm)-1]}
				pcm = pcm[:len(pcm)-1]
			}
			if len(pcm) == 0 {
				continue
			}

			encoded, err := audio.EncodeWAVChunk(pcm, h.pipeline.sampleRate)
			if err != nil {
				h.logger.Warn().Err(err).Msg("Failed to encode chunk")
				observability.RecordError("encode_error", "capture")
				continue
			}

			onChunk(encoded)
		}
	}
}

// Stop halts chunk emission and releases the device. Safe to call more than
// once or on a handle whose pipeline already moved on.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		<-h.done

		if h.stream != nil {
			if err := h.stream.Close(); err != nil {
				h.logger.Warn().Err(err).Msg("Failed to close device stream")
			}
		}

		h.pipeline.mu.Lock()
		if h.pipeline.active == h {
			h.pipeline.active = nil
		}
		h.pipeline.mu.Unlock()

		h.logger.Info().Msg("Capture stopped")
	})
}
