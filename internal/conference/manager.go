package conference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxmeet/conference-agent/internal/observability"
	"github.com/voxmeet/conference-agent/internal/provision"
)

// OutputBindError indicates the audio rendering target could not be
// attached. Fatal to setup: without it no audio is audible.
type OutputBindError struct {
	Err error
}

func (e *OutputBindError) Error() string {
	return fmt.Sprintf("output bind failed: %v", e.Err)
}

func (e *OutputBindError) Unwrap() error {
	return e.Err
}

// StartError indicates the session failed to transition to active
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("session start failed: %v", e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// ConnectionError indicates a conference disconnect with a non-OK status
// code; a clean disconnect is a state change, not an error.
type ConnectionError struct {
	Code int
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("conference disconnected with status %d", e.Code)
}

// StateListener observes manager state changes. err is non-nil only for the
// errored-disconnect transition.
type StateListener func(state State, err error)

// Manager owns the conference session: setup, lifecycle observation, and
// guaranteed teardown. Exactly one session may be active per manager.
type Manager struct {
	provider   Provider
	sink       AudioSink
	startDelay time.Duration
	logger     zerolog.Logger
	listener   StateListener

	mu          sync.Mutex
	state       State
	session     ProviderSession
	selection   DeviceSelection
	lastErr     error
	statsFn     func() Stats
	setupCancel context.CancelFunc
	torn        bool

	teardownOnce sync.Once
	eventsDone   chan struct{}
}

// NewManager creates a conference session manager. listener may be nil.
func NewManager(provider Provider, sink AudioSink, startDelay time.Duration, logger zerolog.Logger, listener StateListener) *Manager {
	if listener == nil {
		listener = func(State, error) {}
	}
	return &Manager{
		provider:   provider,
		sink:       sink,
		startDelay: startDelay,
		logger:     logger.With().Str("component", "conference").Logger(),
		listener:   listener,
		state:      StateUninitialized,
		eventsDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error recorded for an errored disconnect, if any
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Selection returns what device selection resolved to for this session
func (m *Manager) Selection() DeviceSelection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selection
}

// Stats samples connection statistics through the error-suppressing wrapper
// composed during setup. Before setup completes it returns zero stats.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	fn := m.statsFn
	m.mu.Unlock()
	if fn == nil {
		return Stats{}
	}
	return fn()
}

// Setup drives the full blocking setup: create session from credentials,
// bind output, select devices, observe lifecycle, and start. Teardown
// cancels an in-flight Setup, so a late-resolving step can never install a
// session after teardown ran. Device selection failures are downgraded to
// warnings; everything else aborts to disconnected(errored).
func (m *Manager) Setup(ctx context.Context, creds *provision.Credentials) error {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return fmt.Errorf("manager is torn down")
	}
	if m.state != StateUninitialized {
		m.mu.Unlock()
		return fmt.Errorf("setup already ran (state %s)", m.state)
	}
	setupCtx, cancel := context.WithCancel(ctx)
	m.setupCancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.applyEvent(eventInitialize, nil)

	session, err := m.provider.CreateSession(setupCtx, creds)
	if err != nil {
		err = fmt.Errorf("create session: %w", err)
		m.failSetup(err)
		return err
	}

	if err := m.installSession(setupCtx, session); err != nil {
		// Never leave a half-built provider session holding resources
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if stopErr := session.Stop(stopCtx); stopErr != nil {
			m.logger.Warn().Err(stopErr).Msg("Failed to stop session after setup failure")
		}
		stopCancel()
		m.failSetup(err)
		return err
	}

	return nil
}

// installSession runs bind → select → observe → delayed start against a
// freshly created provider session
func (m *Manager) installSession(ctx context.Context, session ProviderSession) error {
	if err := session.BindOutput(m.sink); err != nil {
		return &OutputBindError{Err: err}
	}

	selection := m.selectDevices(ctx, session)

	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return context.Canceled
	}
	m.session = session
	m.selection = selection
	m.statsFn = newSafeStats(session, m.logger)
	m.mu.Unlock()

	// Output is bound; traffic may flow
	m.applyEvent(eventOutputBound, nil)

	go m.observe(session)

	// Let the output binding settle before traffic flows
	if m.startDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.startDelay):
		}
	}

	if err := session.Start(ctx); err != nil {
		return &StartError{Err: err}
	}

	m.logger.Info().
		Str("input_device", selection.InputDeviceID).
		Str("output_device", selection.OutputDeviceID).
		Msg("Conference session started")
	observability.RecordSetupAttempt("ok")
	return nil
}

// selectDevices enumerates inputs and outputs and picks the first of each in
// provider-returned order. Enumeration or selection failure on either side
// is logged and leaves that side unselected; it never fails setup.
func (m *Manager) selectDevices(ctx context.Context, session ProviderSession) DeviceSelection {
	var selection DeviceSelection

	inputs, err := session.ListAudioInputs(ctx)
	switch {
	case err != nil:
		m.logger.Warn().Err(err).Msg("Audio input enumeration failed, proceeding without input")
	case len(inputs) == 0:
		m.logger.Warn().Msg("No audio input devices found")
	default:
		choice := inputs[0]
		if err := session.ChooseAudioInput(ctx, choice.ID); err != nil {
			m.logger.Warn().Err(err).Str("device", choice.ID).Msg("Audio input selection failed")
		} else {
			selection.InputDeviceID = choice.ID
			m.logger.Info().Str("device", choice.ID).Str("label", choice.Label).Msg("Audio input selected")
		}
	}

	outputs, err := session.ListAudioOutputs(ctx)
	switch {
	case err != nil:
		m.logger.Warn().Err(err).Msg("Audio output enumeration failed, proceeding without output")
	case len(outputs) == 0:
		m.logger.Warn().Msg("No audio output devices found")
	default:
		choice := outputs[0]
		if err := session.ChooseAudioOutput(ctx, choice.ID); err != nil {
			m.logger.Warn().Err(err).Str("device", choice.ID).Msg("Audio output selection failed")
		} else {
			selection.OutputDeviceID = choice.ID
			m.logger.Info().Str("device", choice.ID).Str("label", choice.Label).Msg("Audio output selected")
		}
	}

	return selection
}

// observe consumes the provider's lifecycle event stream until it closes or
// a terminal disconnect arrives
func (m *Manager) observe(session ProviderSession) {
	defer close(m.eventsDone)

	for ev := range session.Events() {
		switch ev.Kind {
		case SessionConnecting:
			if ev.Reconnect {
				m.logger.Warn().Msg("Conference reconnecting")
				m.applyEvent(eventReconnect, nil)
			} else {
				m.logger.Info().Msg("Conference connecting")
			}

		case SessionConnected:
			m.logger.Info().Msg("Conference connected")
			m.applyEvent(eventConnected, nil)

		case SessionPoorConnection:
			m.logger.Warn().Msg("Conference connection quality degraded")
			observability.RecordError("poor_connection", "conference")

		case SessionDisconnected:
			if ev.Code == StatusOK {
				m.logger.Info().Msg("Conference disconnected cleanly")
				observability.RecordDisconnect(true)
				m.applyEvent(eventDisconnect, nil)
			} else {
				err := &ConnectionError{Code: ev.Code}
				m.logger.Error().Int("code", ev.Code).Msg("Conference disconnected with error")
				observability.RecordDisconnect(false)
				observability.RecordError("connection_error", "conference")
				m.applyEvent(eventDisconnect, err)
			}
			return
		}
	}
}

// Teardown stops the session exactly once. It is idempotent, never panics,
// and never returns an error: stop failures are logged and swallowed since
// teardown runs during cleanup where callers cannot act on them.
func (m *Manager) Teardown() {
	m.teardownOnce.Do(func() {
		m.mu.Lock()
		m.torn = true
		cancel := m.setupCancel
		session := m.session
		alreadyTerminal := m.state == StateDisconnected
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		if session != nil {
			ctx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := session.Stop(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Session stop failed during teardown")
			}

			select {
			case <-m.eventsDone:
			case <-ctx.Done():
				m.logger.Warn().Msg("Timed out waiting for session event stream to drain")
			}
		}

		if !alreadyTerminal {
			m.applyEvent(eventDisconnect, nil)
		}
		m.logger.Info().Msg("Conference teardown complete")
	})
}

// applyEvent advances the state machine and notifies the listener outside
// the lock
func (m *Manager) applyEvent(ev lifecycleEvent, err error) {
	m.mu.Lock()
	next, terr := transition(m.state, ev)
	if terr != nil {
		m.mu.Unlock()
		m.logger.Debug().Err(terr).Msg("Ignoring lifecycle event")
		return
	}
	m.state = next
	if err != nil {
		m.lastErr = err
	}
	m.mu.Unlock()

	observability.SetConferenceState(stateOrdinal(next))
	m.listener(next, err)
}

// failSetup aborts setup to disconnected(errored) and records the outcome
func (m *Manager) failSetup(err error) {
	switch err.(type) {
	case *OutputBindError:
		observability.RecordSetupAttempt("bind_error")
	case *StartError:
		observability.RecordSetupAttempt("start_error")
	default:
		observability.RecordSetupAttempt("setup_error")
	}
	m.logger.Error().Err(err).Msg("Conference setup failed")
	m.applyEvent(eventFail, err)
}

// newSafeStats wraps the provider's stats call so a sampling failure becomes
// a logged, defaulted result instead of propagating to callers
func newSafeStats(session ProviderSession, logger zerolog.Logger) func() Stats {
	return func() Stats {
		stats, err := session.Stats()
		if err != nil {
			logger.Debug().Err(err).Msg("Stats sample failed, returning defaults")
			return Stats{}
		}
		return stats
	}
}
