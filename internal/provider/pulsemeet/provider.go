// Package pulsemeet is the concrete conferencing provider: a websocket
// signaling connection to the meeting's media placement plus PulseAudio
// device enumeration for input and output selection.
package pulsemeet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/rs/zerolog"

	"github.com/voxmeet/conference-agent/internal/conference"
	"github.com/voxmeet/conference-agent/internal/provision"
)

const (
	dialTimeout      = 10 * time.Second
	writeWait        = 5 * time.Second
	lossAlertRatio   = 0.1
	disconnectFailed = 1006
)

// meetingDescriptor carries the fields this provider needs from the opaque
// meeting payload; everything else passes through untouched.
type meetingDescriptor struct {
	MeetingID      string `json:"MeetingId"`
	MediaPlacement struct {
		SignalingURL string `json:"SignalingUrl"`
	} `json:"MediaPlacement"`
}

type attendeeDescriptor struct {
	AttendeeID string `json:"AttendeeId"`
	JoinToken  string `json:"JoinToken"`
}

// signalMessage is the signaling channel's wire envelope
type signalMessage struct {
	Type            string  `json:"type"`
	Audio           string  `json:"audio,omitempty"`
	PacketsReceived int64   `json:"packetsReceived,omitempty"`
	PacketsLost     int64   `json:"packetsLost,omitempty"`
	AudioLevel      float64 `json:"audioLevel,omitempty"`
	Code            int     `json:"code,omitempty"`
}

// Provider creates signaling-backed conference sessions
type Provider struct {
	logger zerolog.Logger
}

func NewProvider(logger zerolog.Logger) *Provider {
	return &Provider{logger: logger.With().Str("component", "pulsemeet").Logger()}
}

// CreateSession parses the credential payloads and builds an unstarted
// session. Missing signaling coordinates fail creation; device-level state
// is not touched here.
func (p *Provider) CreateSession(_ context.Context, creds *provision.Credentials) (conference.ProviderSession, error) {
	var meeting meetingDescriptor
	if err := json.Unmarshal(creds.Meeting, &meeting); err != nil {
		return nil, fmt.Errorf("parse meeting descriptor: %w", err)
	}
	var attendee attendeeDescriptor
	if err := json.Unmarshal(creds.Attendee, &attendee); err != nil {
		return nil, fmt.Errorf("parse attendee descriptor: %w", err)
	}
	if meeting.MediaPlacement.SignalingURL == "" {
		return nil, fmt.Errorf("meeting %q has no signaling url", meeting.MeetingID)
	}
	if attendee.JoinToken == "" {
		return nil, fmt.Errorf("attendee %q has no join token", attendee.AttendeeID)
	}

	return &Session{
		signalingURL: meeting.MediaPlacement.SignalingURL,
		joinToken:    attendee.JoinToken,
		attendeeID:   attendee.AttendeeID,
		logger:       p.logger.With().Str("meeting_id", meeting.MeetingID).Logger(),
		events:       make(chan conference.SessionEvent, 16),
		stopped:      make(chan struct{}),
	}, nil
}

// Session is one signaling connection to the conference media placement
type Session struct {
	signalingURL string
	joinToken    string
	attendeeID   string
	logger       zerolog.Logger
	events       chan conference.SessionEvent

	mu      sync.Mutex
	sink    conference.AudioSink
	conn    *websocket.Conn
	stats   conference.Stats
	started bool

	stopOnce    sync.Once
	stopped     chan struct{}
	closeEvents sync.Once
}

// BindOutput attaches the target the conference's remote audio renders into
func (s *Session) BindOutput(sink conference.AudioSink) error {
	if sink == nil {
		return fmt.Errorf("nil audio sink")
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	return nil
}

// ListAudioInputs enumerates PulseAudio sources
func (s *Session) ListAudioInputs(_ context.Context) ([]conference.Device, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("conference-agent"))
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	var sources pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sources); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]conference.Device, 0, len(sources))
	for _, source := range sources {
		if source == nil {
			continue
		}
		devices = append(devices, conference.Device{
			ID:    source.SourceName,
			Label: source.Device,
		})
	}
	return devices, nil
}

// ListAudioOutputs enumerates PulseAudio sinks
func (s *Session) ListAudioOutputs(_ context.Context) ([]conference.Device, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("conference-agent"))
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	var sinks pulseproto.GetSinkInfoListReply
	if err := client.RawRequest(&pulseproto.GetSinkInfoList{}, &sinks); err != nil {
		return nil, fmt.Errorf("list sinks: %w", err)
	}

	devices := make([]conference.Device, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		devices = append(devices, conference.Device{
			ID:    sink.SinkName,
			Label: sink.Device,
		})
	}
	return devices, nil
}

// ChooseAudioInput announces the selected capture device to the conference
func (s *Session) ChooseAudioInput(_ context.Context, deviceID string) error {
	return s.sendControl("selectAudioInput", deviceID)
}

// ChooseAudioOutput announces the selected playback device
func (s *Session) ChooseAudioOutput(_ context.Context, deviceID string) error {
	return s.sendControl("selectAudioOutput", deviceID)
}

func (s *Session) sendControl(action, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("%s: empty device id", action)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		// Selection before start is recorded locally only
		return nil
	}
	msg := map[string]string{"action": action, "deviceId": deviceID}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// Events returns the session lifecycle stream. It closes once the session
// has fully stopped.
func (s *Session) Events() <-chan conference.SessionEvent {
	return s.events
}

// Stats returns the most recent connection quality sample
func (s *Session) Stats() (conference.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return conference.Stats{}, fmt.Errorf("session not started")
	}
	return s.stats, nil
}

// Start dials the signaling endpoint and begins consuming conference
// events. The join token travels as a bearer header on the upgrade request.
// After a Stop, in any ordering, Start refuses to run rather than touch the
// event stream.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isStoppedLocked() {
		s.mu.Unlock()
		return fmt.Errorf("session already stopped")
	}
	// From here the Start goroutine owns event emission until the read
	// loop takes over; Stop never touches the stream for a started session
	s.started = true
	s.mu.Unlock()

	s.events <- conference.SessionEvent{Kind: conference.SessionConnecting}

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.joinToken)
	header.Set("X-Attendee-Id", s.attendeeID)

	conn, _, err := dialer.DialContext(ctx, s.signalingURL, header)
	if err != nil {
		s.finishEvents()
		return fmt.Errorf("dial signaling: %w", err)
	}

	s.mu.Lock()
	if s.isStoppedLocked() {
		// Stop raced the dial; it could not close a connection it never saw
		s.mu.Unlock()
		conn.Close()
		s.finishEvents()
		return fmt.Errorf("session already stopped")
	}
	s.conn = conn
	s.mu.Unlock()

	s.events <- conference.SessionEvent{Kind: conference.SessionConnected}
	s.logger.Info().Str("endpoint", s.signalingURL).Msg("Signaling connected")

	go s.readLoop(conn)
	return nil
}

// readLoop renders inbound audio into the bound sink and maps signaling
// control messages onto lifecycle events. It owns all event emission after
// Start returns.
func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.finishEvents()

	for {
		var msg signalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if s.isStopped() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.events <- conference.SessionEvent{Kind: conference.SessionDisconnected, Code: conference.StatusOK}
			} else {
				s.logger.Warn().Err(err).Msg("Signaling connection lost")
				s.events <- conference.SessionEvent{Kind: conference.SessionDisconnected, Code: disconnectFailed}
			}
			return
		}

		switch msg.Type {
		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Discarding undecodable audio frame")
				continue
			}
			s.mu.Lock()
			sink := s.sink
			s.mu.Unlock()
			if sink != nil {
				if _, err := sink.Write(pcm); err != nil {
					s.logger.Warn().Err(err).Msg("Audio sink write failed")
				}
			}

		case "quality":
			s.mu.Lock()
			s.stats = conference.Stats{
				PacketsReceived: msg.PacketsReceived,
				PacketsLost:     msg.PacketsLost,
				AudioLevel:      msg.AudioLevel,
			}
			s.mu.Unlock()
			if lossRatio(msg.PacketsReceived, msg.PacketsLost) > lossAlertRatio {
				s.events <- conference.SessionEvent{Kind: conference.SessionPoorConnection}
			}

		case "reconnecting":
			s.events <- conference.SessionEvent{Kind: conference.SessionConnecting, Reconnect: true}

		case "connected":
			s.events <- conference.SessionEvent{Kind: conference.SessionConnected}

		case "ended":
			code := msg.Code
			s.events <- conference.SessionEvent{Kind: conference.SessionDisconnected, Code: code}
			return

		default:
			s.logger.Debug().Str("type", msg.Type).Msg("Ignoring signaling message")
		}
	}
}

// Stop closes the signaling connection. Idempotent and safe against a
// concurrent or later Start: for a started session the read loop emits the
// final disconnect event and closes the stream; otherwise Stop closes it.
func (s *Session) Stop(_ context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.stopped)
		conn := s.conn
		started := s.started
		s.mu.Unlock()

		if conn != nil {
			deadline := time.Now().Add(writeWait)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"), deadline)
			conn.Close()
		}
		if !started {
			s.finishEvents()
		}
	})
	return nil
}

// finishEvents closes the event stream exactly once, whichever side of the
// Start/Stop race gets there
func (s *Session) finishEvents() {
	s.closeEvents.Do(func() {
		close(s.events)
	})
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStoppedLocked()
}

func (s *Session) isStoppedLocked() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

func lossRatio(received, lost int64) float64 {
	total := received + lost
	if total == 0 {
		return 0
	}
	return float64(lost) / float64(total)
}
