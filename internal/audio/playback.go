package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
)

// Playback renders pushed PCM (s16le mono) through a PulseAudio playback
// stream. Pushed audio is staged in a ring buffer and pulled by the stream
// at its own pace; gaps play as silence.
type Playback struct {
	client *pulse.Client
	stream *pulse.PlaybackStream

	mu       sync.Mutex
	buf      *PCMBuffer
	leftover []byte
	closed   bool

	closeOnce sync.Once
}

// NewPlayback connects to the Pulse server and starts a mono playback
// stream at the given sample rate.
func NewPlayback(appName string, sampleRate int) (*Playback, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName(appName))
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}

	p := &Playback{
		client: client,
		// One second of staged audio; frames beyond that are dropped
		buf: NewPCMBuffer(sampleRate * 2),
	}

	stream, err := client.NewPlayback(
		pulse.Int16Reader(p.read),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(0.05),
		pulse.PlaybackMediaName("conference audio"),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create pulse playback stream: %w", err)
	}
	p.stream = stream
	stream.Start()
	return p, nil
}

// Write stages PCM for playback. Never blocks; excess beyond the staging
// window is dropped.
func (p *Playback) Write(pcm []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("playback closed")
	}
	p.buf.Write(pcm)
	return len(pcm), nil
}

// read feeds the pulse stream. Underruns are filled with silence so the
// stream keeps its cadence.
func (p *Playback) read(out []int16) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, pulse.EndOfData
	}
	if len(p.leftover) == 0 {
		p.leftover = p.buf.Drain()
	}
	data := p.leftover

	n := len(out)
	if samples := len(data) / 2; samples < n {
		n = samples
	}
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	p.leftover = data[n*2:]
	p.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return len(out), nil
}

// Close stops the stream and releases the Pulse connection. Idempotent.
func (p *Playback) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.buf.Reset()
		p.leftover = nil
		p.mu.Unlock()

		p.stream.Stop()
		p.stream.Close()
		p.client.Close()
	})
}
