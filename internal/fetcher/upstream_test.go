package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPUpstreamRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	up := NewHTTPUpstream(srv.Client(), quietLogger(), WithRetry(2, time.Millisecond))
	payload, err := up.Fetch(context.Background(), srv.URL+"/cat.png")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if string(payload.Body) != "png-bytes" || payload.ContentType != "image/png" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestHTTPUpstreamGivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	up := NewHTTPUpstream(srv.Client(), quietLogger(), WithRetry(1, time.Millisecond))
	_, err := up.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrUpstreamStatus) {
		t.Fatalf("expected ErrUpstreamStatus, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
}

func TestHTTPUpstreamDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	up := NewHTTPUpstream(srv.Client(), quietLogger(), WithRetry(3, time.Millisecond))
	if _, err := up.Fetch(context.Background(), srv.URL+"/missing"); !errors.Is(err, ErrUpstreamStatus) {
		t.Fatalf("expected ErrUpstreamStatus, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", hits.Load())
	}
}

func TestHTTPUpstreamSniffsMissingContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\n0000"))
	}))
	defer srv.Close()

	up := NewHTTPUpstream(srv.Client(), quietLogger())
	payload, err := up.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if payload.ContentType != "image/png" {
		t.Fatalf("expected sniffed image/png, got %q", payload.ContentType)
	}
}

func TestHTTPUpstreamRejectsInvalidURL(t *testing.T) {
	up := NewHTTPUpstream(nil, quietLogger())
	for _, key := range []string{"", "ftp://example.com/a", "not a url", "http://"} {
		if _, err := up.Fetch(context.Background(), key); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("key %q: expected ErrInvalidURL, got %v", key, err)
		}
	}
}

func TestHTTPUpstreamStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	up := NewHTTPUpstream(srv.Client(), quietLogger(), WithRetry(5, time.Hour))
	if _, err := up.Fetch(ctx, srv.URL); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
