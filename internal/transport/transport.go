// Package transport implements the duplex websocket channel to the
// transcription backend: encoded audio chunks out, transcript events in.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxmeet/conference-agent/internal/observability"
	"github.com/voxmeet/conference-agent/internal/transcript"
)

// EventKind tags one observable transport transition
type EventKind int

const (
	// EventOpened fires once when the websocket connection is established
	EventOpened EventKind = iota
	// EventTranscript carries one parsed transcript message
	EventTranscript
	// EventFailed carries a socket-level error
	EventFailed
	// EventClosed fires once when the connection is fully closed
	EventClosed
)

// Event is one transition on the transport's event stream. Events are
// delivered in real-time order relative to the underlying connection, each
// at most once per physical event.
type Event struct {
	Kind       EventKind
	Transcript transcript.Event
	Err        error
}

// Error indicates a socket-level transport failure. It does not affect the
// conference connection.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// audioMessage is the outbound wire shape
type audioMessage struct {
	Action       string `json:"action"`
	AudioData    string `json:"audioData"`
	LanguageCode string `json:"languageCode"`
}

// transcriptMessage is the inbound wire shape; any other shape is ignored
type transcriptMessage struct {
	Type       string `json:"type"`
	IsPartial  bool   `json:"isPartial"`
	Transcript string `json:"transcript"`
}

// Handle is one open (or opening) transport connection
type Handle struct {
	endpoint string
	logger   zerolog.Logger

	events chan Event
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	opened bool

	closeOnce sync.Once
	closing   chan struct{}
}

// Open starts connecting to the transcription endpoint and returns the
// handle immediately. The EventOpened transition is delivered on the event
// stream once the dial completes; a dial failure surfaces as EventFailed
// followed by EventClosed.
func Open(ctx context.Context, endpoint string, logger zerolog.Logger) *Handle {
	dialCtx, cancel := context.WithCancel(ctx)

	h := &Handle{
		endpoint: endpoint,
		logger:   logger.With().Str("component", "transport").Logger(),
		events:   make(chan Event, 64),
		cancel:   cancel,
		closing:  make(chan struct{}),
	}

	go h.run(dialCtx)
	return h
}

// Events returns the transport's event stream. The channel is closed after
// the EventClosed transition is delivered.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// IsOpen reports whether the connection is currently in the opened state
func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened && h.conn != nil
}

// Send transmits one encoded audio chunk, fire-and-forget. If the handle is
// not in the opened state the chunk is silently dropped; it is never queued
// for later delivery.
func (h *Handle) Send(chunk []byte, languageTag string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.opened || h.conn == nil {
		observability.RecordChunkDropped()
		h.logger.Debug().Int("bytes", len(chunk)).Msg("Transport not open, dropping chunk")
		return
	}

	msg := audioMessage{
		Action:       "startTranscription",
		AudioData:    base64.StdEncoding.EncodeToString(chunk),
		LanguageCode: languageTag,
	}

	// A stalled socket must not block the capture cadence behind h.mu
	_ = h.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if err := h.conn.WriteJSON(msg); err != nil {
		// Fire-and-forget: the reader loop observes and surfaces the failure
		h.logger.Warn().Err(err).Msg("Failed to send audio chunk")
		observability.RecordError("send_error", "transport")
		return
	}
	observability.RecordChunkSent()
}

// Close shuts the connection down. Safe to call on an already-closed or
// never-opened handle.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		close(h.closing)
		h.cancel()

		h.mu.Lock()
		conn := h.conn
		h.opened = false
		h.mu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
			_ = conn.Close()
		}
	})
}

// run owns the dial and the read loop; it is the only writer to h.events,
// which keeps event ordering and at-most-once delivery trivial.
func (h *Handle) run(ctx context.Context) {
	defer close(h.events)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.endpoint, nil)
	if err != nil {
		if !h.isClosing() {
			h.logger.Error().Err(err).Str("endpoint", h.endpoint).Msg("Transport dial failed")
			h.events <- Event{Kind: EventFailed, Err: &Error{Op: "dial", Err: err}}
		}
		h.events <- Event{Kind: EventClosed}
		return
	}

	h.mu.Lock()
	if h.isClosing() {
		h.mu.Unlock()
		_ = conn.Close()
		h.events <- Event{Kind: EventClosed}
		return
	}
	h.conn = conn
	h.opened = true
	h.mu.Unlock()

	h.logger.Info().Str("endpoint", h.endpoint).Msg("Transport connected")
	h.events <- Event{Kind: EventOpened}

	h.readLoop(conn)
}

// readLoop consumes inbound messages until the connection drops
func (h *Handle) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			h.mu.Lock()
			h.opened = false
			h.mu.Unlock()

			if !h.isClosing() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn().Err(err).Msg("Transport read error")
				observability.RecordError("read_error", "transport")
				h.events <- Event{Kind: EventFailed, Err: &Error{Op: "read", Err: err}}
			}
			h.events <- Event{Kind: EventClosed}
			return
		}

		var msg transcriptMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// Malformed messages are discarded; they never terminate the connection
			h.logger.Warn().Err(err).Msg("Discarding malformed transport message")
			observability.RecordMalformedMessage()
			continue
		}

		if msg.Type != "transcript" {
			continue
		}

		kind := transcript.KindFinal
		if msg.IsPartial {
			kind = transcript.KindPartial
		}
		observability.RecordTranscriptEvent(msg.IsPartial)

		h.events <- Event{
			Kind:       EventTranscript,
			Transcript: transcript.Event{Kind: kind, Text: msg.Transcript},
		}
	}
}

// sendTimeout bounds one chunk write; var so tests can tighten it
var sendTimeout = 5 * time.Second

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

func (h *Handle) isClosing() bool {
	select {
	case <-h.closing:
		return true
	default:
		return false
	}
}
