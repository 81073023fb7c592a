package provision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"meetingResponse": {"Meeting": {"MeetingId": "m-1"}},
			"attendeeResponse": {"Attendee": {"AttendeeId": "a-1"}}
		}`))
	}))
	defer server.Close()

	f := NewFetcher(server.URL, zerolog.Nop())
	creds, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	if len(creds.Meeting) == 0 {
		t.Error("Expected meeting descriptor to be populated")
	}
	if len(creds.Attendee) == 0 {
		t.Error("Expected attendee descriptor to be populated")
	}
}

func TestFetch_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, zerolog.Nop())
	_, err := f.Fetch(context.Background())

	var pErr *Error
	if !errors.As(err, &pErr) {
		t.Fatalf("Expected *provision.Error, got %v", err)
	}
	if pErr.Status != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", pErr.Status)
	}
}

func TestFetch_MissingMeetingDescriptor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"attendeeResponse": {"Attendee": {}}}`))
	}))
	defer server.Close()

	f := NewFetcher(server.URL, zerolog.Nop())
	_, err := f.Fetch(context.Background())

	var pErr *Error
	if !errors.As(err, &pErr) {
		t.Fatalf("Expected *provision.Error, got %v", err)
	}
}

func TestFetch_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	f := NewFetcher(server.URL, zerolog.Nop())
	_, err := f.Fetch(context.Background())

	var pErr *Error
	if !errors.As(err, &pErr) {
		t.Fatalf("Expected *provision.Error, got %v", err)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFetcher(server.URL, zerolog.Nop())
	_, err := f.Fetch(ctx)
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
}
