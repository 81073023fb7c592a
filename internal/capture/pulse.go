package capture

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// PulseSource acquires microphone streams from a PulseAudio server
type PulseSource struct {
	appName    string
	sampleRate int
}

// NewPulseSource creates a PulseAudio-backed media source capturing mono
// s16le at the given sample rate
func NewPulseSource(sampleRate int) *PulseSource {
	return &PulseSource{
		appName:    "conference-agent",
		sampleRate: sampleRate,
	}
}

// pulseStream owns the record stream plus its client connection
type pulseStream struct {
	client  *pulse.Client
	stream  *pulse.RecordStream
	stopped atomic.Bool
	done    chan struct{}
}

// Close stops the record stream and releases the device. Closing done lets
// the context watcher exit instead of living for the context's lifetime.
func (s *pulseStream) Close() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	close(s.done)
	return nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// Acquire opens a record stream bound to the given Pulse source name.
// Permission or resolution failures surface to the pipeline as acquisition
// errors.
func (p *PulseSource) Acquire(ctx context.Context, deviceID string, onPCM func([]byte)) (Stream, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(p.appName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}

	source, err := client.SourceByID(deviceID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", deviceID, err)
	}

	ps := &pulseStream{client: client, done: make(chan struct{})}

	writer := pulse.NewWriter(writerFunc(func(b []byte) (int, error) {
		if ps.stopped.Load() {
			return 0, io.EOF
		}
		if len(b) > 0 {
			onPCM(b)
		}
		return len(b), nil
	}), pulseproto.FormatInt16LE)

	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(p.sampleRate),
		pulse.RecordMediaName("conference transcription"),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create record stream: %w", err)
	}

	ps.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = ps.Close()
		case <-ps.done:
		}
	}()

	return ps, nil
}
