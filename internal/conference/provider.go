package conference

import (
	"context"

	"github.com/voxmeet/conference-agent/internal/provision"
)

// Device identifies one audio input or output device
type Device struct {
	ID    string
	Label string
}

// DeviceSelection is the best-effort device choice for one session. An empty
// id means that side proceeds without a bound device.
type DeviceSelection struct {
	InputDeviceID  string
	OutputDeviceID string
}

// AudioSink is the rendering target for remote conference audio
type AudioSink interface {
	Write(pcm []byte) (int, error)
}

// Stats is a point-in-time connection statistics sample
type Stats struct {
	PacketsReceived int64
	PacketsLost     int64
	AudioLevel      float64
}

// StatusOK marks a clean disconnect; any other code surfaces as a
// connection error.
const StatusOK = 0

// SessionEventKind tags one provider lifecycle event
type SessionEventKind int

const (
	// SessionConnecting fires when the provider begins connecting; the
	// Reconnect flag distinguishes a reconnect from the first attempt
	SessionConnecting SessionEventKind = iota
	// SessionConnected fires when the session is fully established
	SessionConnected
	// SessionDisconnected is terminal and carries a status code
	SessionDisconnected
	// SessionPoorConnection signals connection-quality degradation
	SessionPoorConnection
)

// SessionEvent is one lifecycle event emitted by the provider session
type SessionEvent struct {
	Kind      SessionEventKind
	Reconnect bool
	Code      int
}

// Provider is the conferencing SDK boundary
type Provider interface {
	// CreateSession constructs provider session state from credentials.
	// Device-level problems must not fail creation; they surface later as
	// selection warnings.
	CreateSession(ctx context.Context, creds *provision.Credentials) (ProviderSession, error)
}

// ProviderSession is one live conferencing handle at the provider boundary
type ProviderSession interface {
	// BindOutput attaches the audio rendering target; without it no remote
	// audio is audible
	BindOutput(sink AudioSink) error

	// Device enumeration and selection; best effort
	ListAudioInputs(ctx context.Context) ([]Device, error)
	ListAudioOutputs(ctx context.Context) ([]Device, error)
	ChooseAudioInput(ctx context.Context, deviceID string) error
	ChooseAudioOutput(ctx context.Context, deviceID string) error

	// Events is the session's lifecycle event stream; closed when the
	// session is fully stopped
	Events() <-chan SessionEvent

	// Stats samples connection statistics; may fail transiently
	Stats() (Stats, error)

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
