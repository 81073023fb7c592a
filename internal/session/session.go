// Package session owns the transcription session: the transcript transport
// connection paired with the capture pipeline's recorder handle, with
// explicit single-owner lifecycle.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxmeet/conference-agent/internal/observability"
	"github.com/voxmeet/conference-agent/internal/transcript"
	"github.com/voxmeet/conference-agent/internal/transport"
)

// ErrAlreadyActive is returned when a start is attempted while a previous
// transcription session is still live
var ErrAlreadyActive = errors.New("transcription session already active")

// Transport is the session-facing subset of the transcript transport
type Transport interface {
	Events() <-chan transport.Event
	Send(chunk []byte, languageTag string)
	IsOpen() bool
	Close()
}

// Opener dials the transcription backend and returns the connecting handle
type Opener func(ctx context.Context) Transport

// CaptureHandle is the session-facing subset of an active capture
type CaptureHandle interface {
	Stop()
}

// CaptureStarter acquires the microphone and begins chunk delivery
type CaptureStarter func(ctx context.Context, deviceID string, onChunk func([]byte)) (CaptureHandle, error)

// Session is one live transcription session. It owns the transport handle,
// the capture handle, and the aggregator; teardown takes the session value,
// not ambient state.
type Session struct {
	id         string
	aggregator *transcript.Aggregator
	logger     zerolog.Logger

	tr       Transport
	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	capture CaptureHandle
	err     error

	onStopped func(*Session)
}

// ID returns the session's unique id
func (s *Session) ID() string { return s.id }

// Err returns the error that ended or degraded the session, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session's event loop has fully exited
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop tears the session down: recorder stopped, device released, transport
// closed. Idempotent and safe under any ordering, including a session whose
// capture never started.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)

		s.mu.Lock()
		capture := s.capture
		s.capture = nil
		s.mu.Unlock()

		if capture != nil {
			capture.Stop()
		}
		s.tr.Close()

		if s.onStopped != nil {
			s.onStopped(s)
		}
		observability.RecordTranscriptionSessionEnd()
		s.logger.Info().Msg("Transcription session stopped")
	})
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Controller enforces the at-most-one-live-session invariant and retains
// the most recent session's transcript state for read-only presentation.
type Controller struct {
	open         Opener
	startCapture CaptureStarter
	language     string
	logger       zerolog.Logger

	mu      sync.Mutex
	active  *Session
	agg     *transcript.Aggregator
	lastErr error
}

// NewController creates a transcription session controller
func NewController(open Opener, startCapture CaptureStarter, language string, logger zerolog.Logger) *Controller {
	return &Controller{
		open:         open,
		startCapture: startCapture,
		language:     language,
		logger:       logger.With().Str("component", "session").Logger(),
		agg:          transcript.NewAggregator(),
	}
}

// Start creates a new transcription session bound to the given input
// device. A second start without an intervening stop is rejected with
// ErrAlreadyActive, so exactly one transport handle is open at any time.
// Each new session begins with an empty transcript history.
func (c *Controller) Start(ctx context.Context, deviceID string) (*Session, error) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return nil, ErrAlreadyActive
	}

	agg := transcript.NewAggregator()
	sess := &Session{
		id:         uuid.New().String(),
		aggregator: agg,
		tr:         c.open(ctx),
		done:       make(chan struct{}),
		onStopped:  c.clearActive,
	}
	sess.logger = c.logger.With().Str("session_id", sess.id).Logger()
	c.active = sess
	c.agg = agg
	c.lastErr = nil
	c.mu.Unlock()

	observability.RecordTranscriptionSessionStart()
	sess.logger.Info().Str("device", deviceID).Msg("Transcription session starting")

	go c.run(ctx, sess, deviceID)
	return sess, nil
}

// Stop ends the active session, if any. Calling it with no live session is
// a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
}

// Active reports whether a session is currently live
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Err returns the error from the active or most recent session, if any. A
// session that dies on its own (capture unavailable, transport failure)
// clears the active slot before callers look, so its error is retained here
// until the next start.
func (c *Controller) Err() error {
	c.mu.Lock()
	sess := c.active
	lastErr := c.lastErr
	c.mu.Unlock()
	if sess != nil {
		return sess.Err()
	}
	return lastErr
}

// Current returns the latest in-progress transcript
func (c *Controller) Current() string {
	c.mu.Lock()
	agg := c.agg
	c.mu.Unlock()
	return agg.Current()
}

// History returns the finalized utterances of the current (or most recent)
// session in arrival order
func (c *Controller) History() []string {
	c.mu.Lock()
	agg := c.agg
	c.mu.Unlock()
	return agg.History()
}

// run consumes the transport event stream for one session. Capture starts
// once the transport reports opened; transcript events fold into the
// aggregator in arrival order; a closed transport ends the session.
func (c *Controller) run(ctx context.Context, sess *Session, deviceID string) {
	defer close(sess.done)
	defer sess.Stop()

	for ev := range sess.tr.Events() {
		switch ev.Kind {
		case transport.EventOpened:
			if sess.stopped.Load() {
				continue
			}
			handle, err := c.startCapture(ctx, deviceID, func(chunk []byte) {
				// Chunks hitting a non-open transport are dropped there,
				// silently; capture cadence is never disturbed
				sess.tr.Send(chunk, c.language)
			})
			if err != nil {
				sess.logger.Error().Err(err).Msg("Capture unavailable")
				observability.RecordError("capture_unavailable", "session")
				sess.setErr(err)
				sess.Stop()
				continue
			}

			sess.mu.Lock()
			if sess.stopped.Load() {
				// Stop raced the capture start; release the device now
				sess.mu.Unlock()
				handle.Stop()
				continue
			}
			sess.capture = handle
			sess.mu.Unlock()

		case transport.EventTranscript:
			sess.aggregator.Apply(ev.Transcript)

		case transport.EventFailed:
			sess.logger.Warn().Err(ev.Err).Msg("Transport failure")
			sess.setErr(ev.Err)

		case transport.EventClosed:
			// Terminal; defer chain releases capture and clears the slot
		}
	}
}

// clearActive releases the controller's single-session slot, keeping the
// session's error visible after the session itself is gone
func (c *Controller) clearActive(sess *Session) {
	c.mu.Lock()
	if c.active == sess {
		c.active = nil
	}
	if err := sess.Err(); err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()
}
