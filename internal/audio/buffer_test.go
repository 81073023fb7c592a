package audio

import (
	"bytes"
	"testing"
)

func TestPCMBuffer_WriteAndDrain(t *testing.T) {
	b := NewPCMBuffer(16)

	n := b.Write([]byte{1, 2, 3, 4})
	if n != 4 {
		t.Fatalf("Expected 4 bytes written, got %d", n)
	}
	if b.Buffered() != 4 {
		t.Errorf("Expected 4 buffered, got %d", b.Buffered())
	}

	out := b.Drain()
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Errorf("Drain returned %v", out)
	}
	if b.Buffered() != 0 {
		t.Errorf("Expected empty buffer after drain, got %d", b.Buffered())
	}
}

func TestPCMBuffer_DrainEmpty(t *testing.T) {
	b := NewPCMBuffer(8)
	if out := b.Drain(); out != nil {
		t.Errorf("Expected nil from empty drain, got %v", out)
	}
}

func TestPCMBuffer_OverflowDropsExcess(t *testing.T) {
	b := NewPCMBuffer(4)

	n := b.Write([]byte{1, 2, 3, 4, 5, 6})
	if n != 4 {
		t.Fatalf("Expected 4 bytes accepted at capacity, got %d", n)
	}

	out := b.Drain()
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Errorf("Expected first 4 bytes kept, got %v", out)
	}
}

func TestPCMBuffer_WrapAround(t *testing.T) {
	b := NewPCMBuffer(4)

	b.Write([]byte{1, 2, 3})
	b.Drain()
	b.Write([]byte{4, 5, 6, 7})

	out := b.Drain()
	if !bytes.Equal(out, []byte{4, 5, 6, 7}) {
		t.Errorf("Expected wrap-around preservation, got %v", out)
	}
}

func TestPCMBuffer_Reset(t *testing.T) {
	b := NewPCMBuffer(8)
	b.Write([]byte{1, 2, 3})
	b.Reset()

	if b.Buffered() != 0 {
		t.Errorf("Expected empty buffer after reset, got %d", b.Buffered())
	}
}

func TestEncodeWAVChunk(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xFF, 0x7F, 0x00, 0x80} // 3 samples
	data, err := EncodeWAVChunk(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVChunk failed: %v", err)
	}

	if len(data) != 44+len(pcm) {
		t.Fatalf("Expected %d bytes, got %d", 44+len(pcm), len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Error("Missing RIFF/WAVE markers")
	}
	if !bytes.Equal(data[44:], pcm) {
		t.Error("PCM payload not preserved")
	}
}

func TestEncodeWAVChunk_Invalid(t *testing.T) {
	if _, err := EncodeWAVChunk(nil, 16000); err == nil {
		t.Error("Expected error for empty chunk")
	}
	if _, err := EncodeWAVChunk([]byte{1}, 16000); err == nil {
		t.Error("Expected error for odd-length chunk")
	}
	if _, err := EncodeWAVChunk([]byte{1, 2}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}
