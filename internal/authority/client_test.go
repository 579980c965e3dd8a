package authority

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestStaticLookup(t *testing.T) {
	registry := NewStatic(Attestation{
		CertificateNo: "JAKIM-2026-0042",
		Authority:     "JAKIM",
		HolderName:    "Madinah Harvest Sdn Bhd",
		Valid:         true,
	})

	att, err := registry.Lookup(context.Background(), "JAKIM-2026-0042")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !att.Valid || att.Authority != "JAKIM" {
		t.Fatalf("unexpected attestation: %+v", att)
	}
	if att.CheckedAt == 0 {
		t.Fatalf("expected checked_at to be stamped")
	}

	if _, err := registry.Lookup(context.Background(), "UNKNOWN-0001"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/certificates/JAKIM-2026-0042" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if calls.Add(1) == 1 {
			http.Error(w, "registry warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"certificate_no":"JAKIM-2026-0042","authority":"JAKIM","status":"active","expires_at":1790000000}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(Config{
		BaseURL:    server.URL,
		MaxRetries: 2,
		Backoff:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	att, err := client.Lookup(context.Background(), "JAKIM-2026-0042")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !att.Valid {
		t.Fatalf("expected valid attestation, got %+v", att)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestHTTPClientRejectsUnknownCertificate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client, err := NewHTTPClient(Config{BaseURL: server.URL, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Lookup(context.Background(), "FAKE-0001")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestHTTPClientGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewHTTPClient(Config{
		BaseURL:    server.URL,
		MaxRetries: 1,
		Backoff:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Lookup(context.Background(), "JAKIM-2026-0042")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}
