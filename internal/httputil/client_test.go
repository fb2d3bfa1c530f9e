package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		got      time.Duration
		expected time.Duration
	}{
		{"Timeout", cfg.Timeout, 120 * time.Second},
		{"DialTimeout", cfg.DialTimeout, 10 * time.Second},
		{"TLSHandshakeTimeout", cfg.TLSHandshakeTimeout, 10 * time.Second},
		{"ResponseHeaderTimeout", cfg.ResponseHeaderTimeout, 60 * time.Second},
		{"IdleConnTimeout", cfg.IdleConnTimeout, 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.UserAgent != DefaultUserAgent {
		t.Errorf("UserAgent = %q, want %q", cfg.UserAgent, DefaultUserAgent)
	}
}

func TestQuoteConfig(t *testing.T) {
	cfg := QuoteConfig()
	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Timeout)
	}
}

func TestNewClient_SetsUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"default", "", DefaultUserAgent},
		{"caller wins", "custom/2.0", "custom/2.0"},
	}

	client := NewClient(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := client.Do(req)
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			resp.Body.Close()

			if got != tt.expected {
				t.Errorf("User-Agent = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestClientConfig_ZeroValues(t *testing.T) {
	client := NewClient(ClientConfig{})

	if client == nil {
		t.Fatal("NewClient() with zero config returned nil")
	}
	if client.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0", client.Timeout)
	}
	if _, ok := client.Transport.(*http.Transport); !ok {
		t.Error("without a user agent the transport should not be wrapped")
	}
}

func TestReadBody(t *testing.T) {
	data, err := ReadBody(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadBody() = %q, %v", data, err)
	}

	if _, err := ReadBody(strings.NewReader("hello!"), 5); err == nil {
		t.Error("ReadBody() should fail past the limit")
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet([]byte("short"), 10); got != "short" {
		t.Errorf("Snippet() = %q", got)
	}
	if got := Snippet([]byte("0123456789abc"), 10); got != "0123456789..." {
		t.Errorf("Snippet() = %q", got)
	}
}
