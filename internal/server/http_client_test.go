package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/finemagazi/shellcache/internal/config"
)

func TestNewOriginClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewOriginClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if NewOriginClient(nil).Timeout != 30*time.Second {
		t.Fatalf("expected default timeout")
	}
}

func TestOriginClientStopsLongRedirectChains(t *testing.T) {
	client := NewOriginClient(nil)
	via := make([]*http.Request, maxRedirects)
	if err := client.CheckRedirect(&http.Request{}, via); !errors.Is(err, errTooManyRedirects) {
		t.Fatalf("expected redirect limit error, got %v", err)
	}
	if err := client.CheckRedirect(&http.Request{}, via[:1]); err != nil {
		t.Fatalf("short chain should be followed, got %v", err)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
	if !IsHopByHopHeader("transfer-encoding") {
		t.Fatalf("transfer-encoding should be hop-by-hop")
	}
}
