// Package audio provides PCM staging and chunk encoding for the capture
// pipeline.
package audio

import (
	"sync"
)

// PCMBuffer is a thread-safe, fixed-capacity byte buffer staging raw PCM
// between the device callback and the chunk ticker. Writes beyond capacity
// drop the excess rather than block the audio thread.
type PCMBuffer struct {
	buf   []byte
	size  int
	read  int
	write int
	mu    sync.Mutex
}

// NewPCMBuffer creates a staging buffer holding up to size bytes
func NewPCMBuffer(size int) *PCMBuffer {
	return &PCMBuffer{
		buf:  make([]byte, size+1), // one slot sacrificed to disambiguate full/empty
		size: size + 1,
	}
}

// Write appends data, returning the number of bytes accepted. Excess bytes
// beyond the free space are dropped.
func (b *PCMBuffer) Write(data []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	for _, c := range data {
		if (b.write+1)%b.size == b.read {
			break // full
		}
		b.buf[b.write] = c
		b.write = (b.write + 1) % b.size
		written++
	}
	return written
}

// Drain removes and returns everything currently buffered
func (b *PCMBuffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.buffered()
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = b.buf[b.read]
		b.read = (b.read + 1) % b.size
	}
	return out
}

// Buffered returns the number of bytes currently staged
func (b *PCMBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered()
}

// Reset discards all staged bytes
func (b *PCMBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = 0
	b.write = 0
}

func (b *PCMBuffer) buffered() int {
	if b.write >= b.read {
		return b.write - b.read
	}
	return b.size - b.read + b.write
}
