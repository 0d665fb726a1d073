package notification

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("method=%s content-type=%s", r.Method, r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{
		Level: AlertCritical, Title: "feed exhausted", Message: "gave up", Fields: map[string]string{"attempts": "5"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Level != AlertCritical || got.Fields["attempts"] != "5" || got.TS.IsZero() {
		t.Errorf("received %+v", got)
	}
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.initial = time.Millisecond
	if err := n.Send(context.Background(), Alert{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhookNotifier_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.initial = time.Millisecond
	if err := n.Send(context.Background(), Alert{}); err == nil {
		t.Fatal("expected error after retries")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhookNotifier_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.initial = time.Millisecond
	err := n.Send(context.Background(), Alert{})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v, want status 400", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.apiBase = srv.URL
	if err := n.Send(context.Background(), Alert{Level: AlertWarning, Title: "a.b", Message: "x-y"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path = %s", path)
	}
	text, _ := body["text"].(string)
	if body["chat_id"] != "42" || !strings.Contains(text, `a\.b`) || !strings.Contains(text, `x\-y`) {
		t.Errorf("body = %v", body)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("NSE_FO|123 (CE)"); got != `NSE\_FO\|123 \(CE\)` {
		t.Errorf("escapeMarkdown = %q", got)
	}
}

type failing struct{ err error }

func (f failing) Send(context.Context, Alert) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	logN := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))
	e1 := errors.New("one")
	m := Multi{logN, failing{e1}}

	err := m.Send(context.Background(), Alert{Level: AlertCritical, Title: "t", Message: "feed down"})
	if !errors.Is(err, e1) {
		t.Fatalf("err = %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "feed down") || !strings.Contains(out, "level=ERROR") {
		t.Errorf("log output = %q", out)
	}
}
