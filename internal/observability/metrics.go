package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Conference session metrics
	setupAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conference_agent_setup_attempts_total",
		Help: "Total number of conference setup attempts",
	}, []string{"outcome"}) // outcome: "ok", "provision_failed", "bind_error", "start_error", "setup_error"

	conferenceState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conference_agent_conference_state",
		Help: "Conference lifecycle state (0=uninitialized, 1=initializing, 2=connecting, 3=connected, 4=reconnecting, 5=disconnected)",
	})

	disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conference_agent_disconnects_total",
		Help: "Total conference disconnects",
	}, []string{"kind"}) // kind: "clean" or "errored"

	// Transcription session metrics
	activeTranscriptionSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conference_agent_transcription_sessions_active",
		Help: "Number of live transcription sessions (0 or 1)",
	})

	chunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conference_agent_audio_chunks_sent_total",
		Help: "Total audio chunks handed to the transcript transport",
	})

	chunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conference_agent_audio_chunks_dropped_total",
		Help: "Total audio chunks dropped because the transport was not open",
	})

	audioBytesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conference_agent_audio_bytes_captured_total",
		Help: "Total raw PCM bytes accepted from the capture device",
	})

	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conference_agent_transcript_events_total",
		Help: "Total transcript events received from the transport",
	}, []string{"kind"}) // kind: "partial" or "final"

	malformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conference_agent_transport_malformed_messages_total",
		Help: "Total inbound transport messages discarded as malformed",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conference_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// RecordSetupAttempt records the outcome of one conference setup attempt
func RecordSetupAttempt(outcome string) {
	setupAttempts.WithLabelValues(outcome).Inc()
}

// SetConferenceState updates the conference lifecycle state gauge
func SetConferenceState(state int) {
	conferenceState.Set(float64(state))
}

// RecordDisconnect records a conference disconnect, clean or errored
func RecordDisconnect(clean bool) {
	kind := "clean"
	if !clean {
		kind = "errored"
	}
	disconnects.WithLabelValues(kind).Inc()
}

// RecordTranscriptionSessionStart records a transcription session going live
func RecordTranscriptionSessionStart() {
	activeTranscriptionSessions.Inc()
}

// RecordTranscriptionSessionEnd records a transcription session ending
func RecordTranscriptionSessionEnd() {
	activeTranscriptionSessions.Dec()
}

// RecordChunkSent records one audio chunk handed to the transport
func RecordChunkSent() {
	chunksSent.Inc()
}

// RecordChunkDropped records one audio chunk dropped while the transport was closed
func RecordChunkDropped() {
	chunksDropped.Inc()
}

// RecordAudioBytes records raw PCM bytes accepted from the device
func RecordAudioBytes(n int64) {
	audioBytesCaptured.Add(float64(n))
}

// RecordTranscriptEvent records a transcript event by kind
func RecordTranscriptEvent(partial bool) {
	kind := "final"
	if partial {
		kind = "partial"
	}
	transcriptEvents.WithLabelValues(kind).Inc()
}

// RecordMalformedMessage records a discarded inbound transport message
func RecordMalformedMessage() {
	malformedMessages.Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
