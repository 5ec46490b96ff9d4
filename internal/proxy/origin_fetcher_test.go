package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/finemagazi/shellcache/internal/worker"
)

func TestOriginFetcherForwardsHeadersAndStripsCookies(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Set-Cookie", "session=secret")
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	}))
	defer upstream.Close()

	target, _ := url.Parse(upstream.URL + "/pot")
	fetcher := NewOriginFetcher(upstream.Client())
	resp, err := fetcher.Fetch(context.Background(), worker.Request{
		URL: target,
		Header: http.Header{
			"Accept":     []string{"text/html"},
			"Cookie":     []string{"session=abc"},
			"User-Agent": []string{"shellcache-test"},
		},
	})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != http.StatusTeapot || string(resp.Body) != "short and stout" {
		t.Fatalf("non-success responses are returned as-is, got %d %s", resp.Status, string(resp.Body))
	}
	if resp.Header.Get("Set-Cookie") != "" || resp.Header.Get("Content-Length") != "" {
		t.Fatalf("set-cookie and content-length should be stripped: %v", resp.Header)
	}
	if resp.Header.Get("Cache-Control") != "max-age=60" {
		t.Fatalf("regular headers should be kept: %v", resp.Header)
	}
	if seen.Get("Accept") != "text/html" || seen.Get("User-Agent") != "shellcache-test" {
		t.Fatalf("expected forwarded headers, got %v", seen)
	}
	if seen.Get("Cookie") != "" {
		t.Fatalf("cookies must not be forwarded to the origin")
	}
}

func TestOriginFetcherWrapsTransportErrors(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(upstream.URL + "/")
	upstream.Close()

	_, err := NewOriginFetcher(nil).Fetch(context.Background(), worker.Request{URL: target})
	if !errors.Is(err, worker.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestOriginFetcherRejectsOversizedBodies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer upstream.Close()

	target, _ := url.Parse(upstream.URL + "/big")
	fetcher := NewOriginFetcher(upstream.Client())
	fetcher.maxBody = 4
	if _, err := fetcher.Fetch(context.Background(), worker.Request{URL: target}); !errors.Is(err, worker.ErrNetwork) {
		t.Fatalf("expected ErrNetwork for oversized body, got %v", err)
	}
}
