package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gampwise/internal/faults"
	"gampwise/internal/transport"
)

func TestPostJSON_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/classify" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["text"]})
	}))
	defer srv.Close()

	c, err := transport.New(srv.URL+"/", transport.WithBearerToken("tok"))
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]string
	if err := c.PostJSON(context.Background(), "classify", "classify", map[string]string{"text": "hi"}, &out); err != nil {
		t.Fatal(err)
	}
	if out["echo"] != "hi" {
		t.Errorf("echo = %q", out["echo"])
	}
}

func TestPostJSON_StatusIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := transport.New(srv.URL)
	err := c.PostJSON(context.Background(), "x", "op", struct{}{}, nil)
	if faults.KindOf(err) != faults.KindTransport {
		t.Fatalf("kind = %q, want transport (%v)", faults.KindOf(err), err)
	}
	if d := faults.Diagnostic(err); d["status"] != http.StatusServiceUnavailable {
		t.Errorf("status detail = %v", d["status"])
	}
}

func TestPostJSON_DeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, _ := transport.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.PostJSON(ctx, "x", "op", struct{}{}, nil)
	if faults.KindOf(err) != faults.KindTimeout {
		t.Fatalf("kind = %q, want timeout (%v)", faults.KindOf(err), err)
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := transport.New(""); err == nil {
		t.Fatal("expected error")
	}
}
