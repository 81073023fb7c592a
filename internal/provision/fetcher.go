// Package provision fetches meeting and attendee credentials from the
// external provisioning endpoint.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Credentials is the opaque provider-issued payload pair returned by the
// provisioning endpoint. Immutable once fetched; discarded on teardown.
type Credentials struct {
	Meeting  json.RawMessage
	Attendee json.RawMessage
}

// Error indicates a provisioning fetch or parse failure. It is fatal to
// setup; the caller decides the retry policy.
type Error struct {
	Reason string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provisioning failed: %s (status %d)", e.Reason, e.Status)
	}
	return fmt.Sprintf("provisioning failed: %s", e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a fetch failure is worth another attempt:
// network errors and server-side statuses are, client errors and malformed
// payloads are not.
func IsRetryable(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return false
	}
	if perr.Status >= 500 {
		return true
	}
	return perr.Status == 0 && perr.Reason == "request failed"
}

// joinResponse mirrors the provisioning endpoint's JSON body
type joinResponse struct {
	Meeting  json.RawMessage `json:"meetingResponse"`
	Attendee json.RawMessage `json:"attendeeResponse"`
}

// Fetcher performs the one-shot credential fetch
type Fetcher struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewFetcher creates a fetcher for the given provisioning endpoint
func NewFetcher(url string, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "provision").Logger(),
	}
}

// Fetch performs one GET against the provisioning endpoint. A non-2xx status
// or a body missing either descriptor yields *Error. No retry is attempted
// here.
func (f *Fetcher) Fetch(ctx context.Context) (*Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, &Error{Reason: "invalid request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Reason: "unreadable response body", Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Reason: "non-success status", Status: resp.StatusCode}
	}

	var join joinResponse
	if err := json.Unmarshal(body, &join); err != nil {
		return nil, &Error{Reason: "malformed payload", Status: resp.StatusCode, Err: err}
	}

	if len(join.Meeting) == 0 || string(join.Meeting) == "null" {
		return nil, &Error{Reason: "missing meeting descriptor", Status: resp.StatusCode}
	}
	if len(join.Attendee) == 0 || string(join.Attendee) == "null" {
		return nil, &Error{Reason: "missing attendee descriptor", Status: resp.StatusCode}
	}

	f.logger.Info().Int("status", resp.StatusCode).Msg("Credentials fetched")

	return &Credentials{
		Meeting:  join.Meeting,
		Attendee: join.Attendee,
	}, nil
}
