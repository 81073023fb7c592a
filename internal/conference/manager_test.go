package conference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxmeet/conference-agent/internal/provision"
)

type nopSink struct{}

func (nopSink) Write(p []byte) (int, error) { return len(p), nil }

// fakeSession is a scriptable ProviderSession
type fakeSession struct {
	inputs      []Device
	outputs     []Device
	listErr     error
	bindErr     error
	startErr    error
	statsErr    error
	stats       Stats
	events      chan SessionEvent
	emitOnStart []SessionEvent

	mu        sync.Mutex
	boundSink AudioSink
	chosenIn  string
	chosenOut string
	stopCalls atomic.Int32
	stopOnce  sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		inputs:  []Device{{ID: "mic-1", Label: "Mic One"}, {ID: "mic-2", Label: "Mic Two"}},
		outputs: []Device{{ID: "spk-1", Label: "Speaker One"}},
		events:  make(chan SessionEvent, 8),
		emitOnStart: []SessionEvent{
			{Kind: SessionConnecting},
			{Kind: SessionConnected},
		},
	}
}

func (f *fakeSession) BindOutput(sink AudioSink) error {
	if f.bindErr != nil {
		return f.bindErr
	}
	f.mu.Lock()
	f.boundSink = sink
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ListAudioInputs(ctx context.Context) ([]Device, error) {
	return f.inputs, f.listErr
}

func (f *fakeSession) ListAudioOutputs(ctx context.Context) ([]Device, error) {
	return f.outputs, f.listErr
}

func (f *fakeSession) ChooseAudioInput(ctx context.Context, id string) error {
	f.mu.Lock()
	f.chosenIn = id
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ChooseAudioOutput(ctx context.Context, id string) error {
	f.mu.Lock()
	f.chosenOut = id
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Events() <-chan SessionEvent { return f.events }

func (f *fakeSession) Stats() (Stats, error) { return f.stats, f.statsErr }

func (f *fakeSession) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	for _, ev := range f.emitOnStart {
		f.events <- ev
	}
	return nil
}

func (f *fakeSession) Stop(ctx context.Context) error {
	f.stopCalls.Add(1)
	f.stopOnce.Do(func() { close(f.events) })
	return nil
}

type fakeProvider struct {
	session   *fakeSession
	createErr error
}

func (f *fakeProvider) CreateSession(ctx context.Context, creds *provision.Credentials) (ProviderSession, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.session, nil
}

func creds() *provision.Credentials {
	return &provision.Credentials{
		Meeting:  []byte(`{"Meeting":{}}`),
		Attendee: []byte(`{"Attendee":{}}`),
	}
}

// stateRecorder collects listener notifications
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (r *stateRecorder) listen(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.errs = append(r.errs, err)
}

func (r *stateRecorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.errs) - 1; i >= 0; i-- {
		if r.errs[i] != nil {
			return r.errs[i]
		}
	}
	return nil
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", want, m.State())
}

func TestSetup_ConnectsAndSelectsFirstDevices(t *testing.T) {
	session := newFakeSession()
	m := NewManager(&fakeProvider{session: session}, nopSink{}, 0, zerolog.Nop(), nil)
	defer m.Teardown()

	if err := m.Setup(context.Background(), creds()); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	waitState(t, m, StateConnected)

	sel := m.Selection()
	if sel.InputDeviceID != "mic-1" {
		t.Errorf("Expected first input 'mic-1' selected, got %q", sel.InputDeviceID)
	}
	if sel.OutputDeviceID != "spk-1" {
		t.Errorf("Expected output 'spk-1' bound, got %q", sel.OutputDeviceID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.boundSink == nil {
		t.Error("Expected output sink to be bound")
	}
	if session.chosenIn != "mic-1" || session.chosenOut != "spk-1" {
		t.Errorf("Provider saw selection %q/%q", session.chosenIn, session.chosenOut)
	}
}

func TestSetup_OutputBindFailureIsFatal(t *testing.T) {
	session := newFakeSession()
	session.bindErr = errors.New("sink rejected")
	m := NewManager(&fakeProvider{session: session}, nopSink{}, 0, zerolog.Nop(), nil)
	defer m.Teardown()

	err := m.Setup(context.Background(), creds())

	var bindErr *OutputBindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Expected OutputBindError, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected after bind failure, got %s", m.State())
	}
	if session.stopCalls.Load() == 0 {
		t.Error("Expected the half-built session to be stopped")
	}
}

func TestSetup_DeviceFailuresAreWarnings(t *testing.T) {
	session := newFakeSession()
	session.listErr = errors.New("enumeration unavailable")
	m := NewManager(&fakeProvider{session: session}, nopSink{}, 0, zerolog.Nop(), nil)
	defer m.Teardown()

	if err := m.Setup(context.Background(), creds()); err != nil {
		t.Fatalf("Setup must tolerate device failures, got: %v", err)
	}

	waitState(t, m, StateConnected)

	sel := m.Selection()
	if sel.InputDeviceID != "" || sel.OutputDeviceID != "" {
		t.Errorf("Expected empty selection, got %+v", sel)
	}
}

func TestSetup_StartFailureIsFatal(t *testing.T) {
	session := newFakeSession()
	session.startErr = errors.New("media refused")
	m := NewManager(&fakeProvider{session: session}, nopSink{}, 0, zerolog.Nop(), nil)
	defer m.Teardown()

	err := m.Setup(context.Background(), creds())

	var startErr *StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("Expected StartError, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", m.State())
	}
}

func TestDisconnect_NonOKCodeSurfacesError(t *testing.T) {
	session := newFakeSession()
	rec := &stateRecorder{}
	m := NewManager(&fakeProvider{session: session}, nopSink{}, 0, zerolog.Nop(), rec.listen)
	defer m.Teardown()

	if err := m.Setup(context.Background(), creds()); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	waitState(t, m, StateConnected)

	session.events <- SessionEvent{Kind: SessionDisconnected, Code: 503}
	waitState(t, m, StateDisconnected)

	var connErr *ConnectionError
	if !errors.As(m.Err(), &connErr) {
		t.Fatalf("Expected ConnectionError recorded, got %v", m.Err())
	}
	if connErr.Code != 503 {
		t.Errorf("Expected code 503, got %d", connErr.Code)
	}
	if !errors.As(rec.lastErr(), &connErr) {
		t.Error("Expected listener to receive the connection error")
	}
}

func TestDisconnect_OKCodeIsClean(t *testing.T) {
	session := newFakeSession()
	rec := &stateRecorder{}
	m := NewManager(&fakeProvider{session: session}, nopSink{}, 0, zerolog.Nop(), rec.listen)
	defer m.Teardown()

	if err := m.Setup(context.Background(), creds()); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	waitState(t, m, StateConnected)

	session.events <- SessionEvent{Kind: SessionDisconnected, Code: StatusOK}
	waitState(t, m, StateDisconnected)

	if m.Err() != nil {
		t.Errorf("Clean disconnect must not record an error, got %v", m.Err())
	}
	if rec.lastErr() != nil {
		t.Errorf("Listener must not receive an error for clean disconnect, got %v", rec.lastErr())
	}
}

func TestReconnect_RoundTrip(t *testing.T) {
	session := newFakeSession()
	m := NewManager(&fakeProvider{session: session}, nopSink{}, 0, zerolog.Nop(), nil)
	defer m.Teardown()

	if err := m.Setup(context.Background(), creds()); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	waitState(t, m, StateConnected)

	session.events <- SessionEvent{Kind: SessionConnecting, Reconnect: true}
	waitState(t, m, StateReconnecting)

	session.events <- SessionEvent{Kind: SessionConnected}
	waitState(t, m, StateConnected)
}

func TestTeardown_Idempotent(t *testing.T) {
	session := newFakeSession()
	m := NewManager(&fakeProvider{session: session}, nopSink{}, 0, zerolog.Nop(), nil)

	if err := m.Setup(context.Background(), creds()); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	waitState(t, m, StateConnected)

	m.Teardown()
	m.Teardown()
	m.Teardown()

	if session.stopCalls.Load() != 1 {
		t.Errorf("Expected exactly one provider stop, got %d", session.stopCalls.Load())
	}
	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected after teardown, got %s", m.State())
	}
}

func TestTeardown_BeforeSetup(t *testing.T) {
	m := NewManager(&fakeProvider{session: newFakeSession()}, nopSink{}, 0, zerolog.Nop(), nil)

	m.Teardown() // must not panic with no session

	if err := m.Setup(context.Background(), creds()); err == nil {
		t.Error("Expected setup to be rejected after teardown")
	}
}

func TestSetup_SecondCallRejected(t *testing.T) {
	session := newFakeSession()
	m := NewManager(&fakeProvider{session: session}, nopSink{}, 0, zerolog.Nop(), nil)
	defer m.Teardown()

	if err := m.Setup(context.Background(), creds()); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := m.Setup(context.Background(), creds()); err == nil {
		t.Error("Expected second setup to be rejected")
	}
}

func TestStats_FailureIsDefaulted(t *testing.T) {
	session := newFakeSession()
	session.statsErr = errors.New("stats backend down")
	m := NewManager(&fakeProvider{session: session}, nopSink{}, 0, zerolog.Nop(), nil)
	defer m.Teardown()

	if err := m.Setup(context.Background(), creds()); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	waitState(t, m, StateConnected)

	if got := m.Stats(); got != (Stats{}) {
		t.Errorf("Expected defaulted stats on sampling failure, got %+v", got)
	}

	session.statsErr = nil
	session.stats = Stats{PacketsReceived: 42}
	if got := m.Stats(); got.PacketsReceived != 42 {
		t.Errorf("Expected live stats when sampling succeeds, got %+v", got)
	}
}
