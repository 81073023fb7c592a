// Package app wires provisioning, the conference session, and transcription
// sessions into one controller with a single teardown path.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxmeet/conference-agent/internal/capture"
	"github.com/voxmeet/conference-agent/internal/conference"
	"github.com/voxmeet/conference-agent/internal/config"
	"github.com/voxmeet/conference-agent/internal/observability"
	"github.com/voxmeet/conference-agent/internal/provision"
	"github.com/voxmeet/conference-agent/internal/resilience"
	"github.com/voxmeet/conference-agent/internal/session"
	"github.com/voxmeet/conference-agent/internal/transport"
)

// Snapshot is the read-only view of the controller's state, served by the
// status endpoint.
type Snapshot struct {
	ConferenceState string   `json:"conferenceState"`
	Loading         bool     `json:"loading"`
	Error           string   `json:"error,omitempty"`
	Transcribing    bool     `json:"transcribing"`
	CurrentText     string   `json:"currentText"`
	History         []string `json:"history"`
}

// App owns the credential fetcher, the conference manager, and the
// transcription session controller. Closing the app releases everything it
// owns regardless of how far setup progressed.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	fetcher  *provision.Fetcher
	manager  *conference.Manager
	sessions *session.Controller

	mu      sync.Mutex
	loading bool
	lastErr error

	closeOnce sync.Once
}

// New builds the controller around a conference provider, the audio sink the
// conference plays into, and a capture source for the microphone.
func New(cfg *config.Config, provider conference.Provider, sink conference.AudioSink, source capture.Source, logger zerolog.Logger) *App {
	a := &App{
		cfg:    cfg,
		logger: logger.With().Str("component", "app").Logger(),
	}
	a.fetcher = provision.NewFetcher(cfg.ProvisioningURL, logger)
	a.manager = conference.NewManager(
		provider,
		sink,
		time.Duration(cfg.StartDelayMs)*time.Millisecond,
		logger,
		a.onConferenceState,
	)

	pipeline := capture.NewPipeline(
		source,
		cfg.SampleRate,
		time.Duration(cfg.ChunkIntervalMs)*time.Millisecond,
		logger,
	)
	open := func(ctx context.Context) session.Transport {
		return transport.Open(ctx, cfg.TranscribeWSURL, logger)
	}
	start := func(ctx context.Context, deviceID string, onChunk func([]byte)) (session.CaptureHandle, error) {
		return pipeline.Start(ctx, deviceID, onChunk)
	}
	a.sessions = session.NewController(open, start, cfg.TranscribeLanguage, logger)
	return a
}

// Join provisions credentials and brings up the conference session. It is
// the single entry flow: fetch (with the configured attempt budget), then
// manager setup. A failure at either stage leaves the app idle with the
// error recorded in the snapshot.
func (a *App) Join(ctx context.Context) error {
	a.setLoading(true)
	defer a.setLoading(false)

	creds, err := a.provisionCredentials(ctx)
	if err != nil {
		observability.RecordSetupAttempt("provision_failed")
		a.setErr(err)
		return err
	}

	if err := a.manager.Setup(ctx, creds); err != nil {
		a.setErr(err)
		return err
	}
	return nil
}

func (a *App) provisionCredentials(ctx context.Context) (*provision.Credentials, error) {
	var creds *provision.Credentials
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:    a.cfg.ProvisionMaxAttempts,
		InitialBackoff: time.Duration(a.cfg.ProvisionBackoffMs) * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
	err := resilience.Retry(ctx, func() error {
		var ferr error
		creds, ferr = a.fetcher.Fetch(ctx)
		return ferr
	}, retryCfg, provision.IsRetryable)
	if err != nil {
		return nil, fmt.Errorf("provisioning: %w", err)
	}
	return creds, nil
}

// StartTranscription begins a transcription session on the conference's
// selected input device. It is rejected unless the conference is connected.
func (a *App) StartTranscription(ctx context.Context) error {
	if state := a.manager.State(); state != conference.StateConnected {
		return fmt.Errorf("cannot transcribe in state %s", state)
	}
	deviceID := a.manager.Selection().InputDeviceID
	if _, err := a.sessions.Start(ctx, deviceID); err != nil {
		a.setErr(err)
		return err
	}
	return nil
}

// StopTranscription ends the live transcription session, if any
func (a *App) StopTranscription() {
	a.sessions.Stop()
}

// Transcribing reports whether a transcription session is live
func (a *App) Transcribing() bool {
	return a.sessions.Active()
}

// ConferenceState exposes the manager's current state
func (a *App) ConferenceState() conference.State {
	return a.manager.State()
}

// Snapshot assembles the read-only state view
func (a *App) Snapshot() Snapshot {
	a.mu.Lock()
	loading := a.loading
	lastErr := a.lastErr
	a.mu.Unlock()

	snap := Snapshot{
		ConferenceState: string(a.manager.State()),
		Loading:         loading,
		Transcribing:    a.sessions.Active(),
		CurrentText:     a.sessions.Current(),
		History:         a.sessions.History(),
	}
	if lastErr != nil {
		snap.Error = lastErr.Error()
	} else if err := a.manager.Err(); err != nil {
		snap.Error = err.Error()
	} else if err := a.sessions.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

// Close releases every owned resource: the live transcription session and
// the conference session. Idempotent, never raises, callable in any state.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.logger.Info().Msg("Shutting down")
		a.sessions.Stop()
		a.manager.Teardown()
	})
}

// onConferenceState reacts to conference lifecycle transitions. Leaving the
// conference, cleanly or not, ends any live transcription session.
func (a *App) onConferenceState(state conference.State, err error) {
	if err != nil {
		a.setErr(err)
	}
	if state == conference.StateDisconnected {
		a.sessions.Stop()
	}
}

func (a *App) setLoading(v bool) {
	a.mu.Lock()
	a.loading = v
	a.mu.Unlock()
}

func (a *App) setErr(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}
