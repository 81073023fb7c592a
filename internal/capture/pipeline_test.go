package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeStream records whether the device was released
type fakeStream struct {
	closed atomic.Int32
}

func (f *fakeStream) Close() error {
	f.closed.Add(1)
	return nil
}

// fakeSource hands out a stream and keeps feeding PCM through onPCM
type fakeSource struct {
	mu     sync.Mutex
	onPCM  func([]byte)
	stream *fakeStream
	err    error
}

func (f *fakeSource) Acquire(ctx context.Context, deviceID string, onPCM func([]byte)) (Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.onPCM = onPCM
	f.stream = &fakeStream{}
	f.mu.Unlock()
	return f.stream, nil
}

func (f *fakeSource) feed(pcm []byte) {
	f.mu.Lock()
	cb := f.onPCM
	f.mu.Unlock()
	if cb != nil {
		cb(pcm)
	}
}

func TestStart_NoDeviceID(t *testing.T) {
	p := NewPipeline(&fakeSource{}, 16000, 10*time.Millisecond, zerolog.Nop())

	_, err := p.Start(context.Background(), "", func([]byte) {})

	var unavail *UnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("Expected UnavailableError, got %v", err)
	}
}

func TestStart_AcquisitionFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("device busy")}
	p := NewPipeline(src, 16000, 10*time.Millisecond, zerolog.Nop())

	_, err := p.Start(context.Background(), "mic-1", func([]byte) {})

	var unavail *UnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("Expected UnavailableError, got %v", err)
	}
}

func TestChunksArriveInOrder(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(src, 16000, 10*time.Millisecond, zerolog.Nop())

	var mu sync.Mutex
	var chunks [][]byte
	h, err := p.Start(context.Background(), "mic-1", func(chunk []byte) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Stop()

	// Feed PCM across several intervals
	for i := 0; i < 5; i++ {
		src.feed([]byte{byte(i), 0, byte(i), 0})
		time.Sleep(15 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(chunks)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) < 2 {
		t.Fatalf("Expected at least 2 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) <= 44 {
			t.Errorf("chunk %d has no PCM payload (%d bytes)", i, len(chunk))
		}
		if string(chunk[0:4]) != "RIFF" {
			t.Errorf("chunk %d is not WAV-encoded", i)
		}
	}
}

func TestEmptyIntervalProducesNoChunk(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(src, 16000, 10*time.Millisecond, zerolog.Nop())

	var count atomic.Int32
	h, err := p.Start(context.Background(), "mic-1", func([]byte) {
		count.Add(1)
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Stop()

	time.Sleep(60 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("Expected no chunks without audio, got %d", got)
	}
}

func TestStop_Idempotent(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(src, 16000, 10*time.Millisecond, zerolog.Nop())

	h, err := p.Start(context.Background(), "mic-1", func([]byte) {})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.Stop()
	h.Stop()
	h.Stop()

	if src.stream.closed.Load() != 1 {
		t.Errorf("Expected exactly one device release, got %d", src.stream.closed.Load())
	}
}

func TestStop_ReleasesExclusivity(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(src, 16000, 10*time.Millisecond, zerolog.Nop())

	h1, err := p.Start(context.Background(), "mic-1", func([]byte) {})
	if err != nil {
		t.Fatalf("First start failed: %v", err)
	}

	// Second concurrent acquisition of the device is rejected
	if _, err := p.Start(context.Background(), "mic-1", func([]byte) {}); !errors.Is(err, ErrCaptureActive) {
		t.Fatalf("Expected ErrCaptureActive, got %v", err)
	}

	h1.Stop()

	h2, err := p.Start(context.Background(), "mic-1", func([]byte) {})
	if err != nil {
		t.Fatalf("Start after stop failed: %v", err)
	}
	h2.Stop()
}

func TestPulseStreamCloseReleasesWatcher(t *testing.T) {
	ps := &pulseStream{done: make(chan struct{})}

	// Same watcher Acquire spawns: it must exit when the stream closes,
	// not only when the (possibly never-cancelled) context does
	ctx := context.Background()
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = ps.Close()
		case <-ps.done:
		}
	}()

	if err := ps.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher goroutine did not exit after stream close")
	}
}

func TestCaptureContinuesWhenConsumerDrops(t *testing.T) {
	src := &fakeSource{}
	p := NewPipeline(src, 16000, 10*time.Millisecond, zerolog.Nop())

	// Consumer simulating a closed transport: drops everything, never errors
	var delivered atomic.Int32
	h, err := p.Start(context.Background(), "mic-1", func([]byte) {
		delivered.Add(1)
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Stop()

	for i := 0; i < 6; i++ {
		src.feed([]byte{1, 0})
		time.Sleep(12 * time.Millisecond)
	}

	// Cadence is unaffected: chunks kept arriving across the whole window
	if delivered.Load() < 2 {
		t.Errorf("Expected capture cadence to continue, got %d deliveries", delivered.Load())
	}
}
