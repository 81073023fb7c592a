// Package transcript maintains the in-progress transcript projection and the
// append-only history of finalized utterances for one transcription session.
package transcript

import "sync"

// Kind distinguishes in-progress results from finalized utterances
type Kind int

const (
	// KindPartial is an unfinalized result that may still change
	KindPartial Kind = iota
	// KindFinal is a finalized utterance that will not be revised
	KindFinal
)

// Event is one transcript event delivered by the transport
type Event struct {
	Kind Kind
	Text string
}

// Aggregator folds transcript events into the current projection and the
// finalized history. It performs no I/O; history lives only as long as one
// transcription session.
type Aggregator struct {
	mu      sync.RWMutex
	current string
	history []string
}

// NewAggregator returns an aggregator with empty state
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Apply folds one event into the aggregator state. Partial events replace
// the current projection only. Final events append to history in arrival
// order and also replace the current projection, so current always reflects
// the most recent event of either kind.
func (a *Aggregator) Apply(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.current = ev.Text
	if ev.Kind == KindFinal {
		a.history = append(a.history, ev.Text)
	}
}

// Current returns the latest in-progress transcript text
func (a *Aggregator) Current() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// History returns a copy of the finalized utterances in arrival order
func (a *Aggregator) History() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}

// Len returns the number of finalized utterances
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.history)
}
