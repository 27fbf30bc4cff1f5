package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/constbot/internal/telegraph"
)

type fakeIngester struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (f *fakeIngester) Ingest(_ context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, string(body))
	return nil
}

type fakeSweeper struct {
	report telegraph.VerifyReport
	err    error
	calls  int
}

func (f *fakeSweeper) Sweep(context.Context) (telegraph.VerifyReport, error) {
	f.calls++
	return f.report, f.err
}

func newTestServer(t *testing.T, opts Opts) *Server {
	t.Helper()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func do(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_WebhookTokenRequired(t *testing.T) {
	_, err := New(Opts{Ingester: &fakeIngester{}})
	if err == nil || !strings.Contains(err.Error(), "webhook token is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	s := newTestServer(t, Opts{})
	if s.opts.Listen != ":8080" {
		t.Errorf("Listen = %q", s.opts.Listen)
	}
	if s.opts.BotName != telegraph.DefaultBotName {
		t.Errorf("BotName = %q", s.opts.BotName)
	}
}

func TestIndex(t *testing.T) {
	s := newTestServer(t, Opts{BotName: "usconstitutionbot"})
	rec := do(s, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "usconstitutionbot backend running..." {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Opts{})
	rec := do(s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
}

func TestWebhook(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		ingestErr  error
		wantStatus int
		wantBodies int
	}{
		{"accepted", "/webhook/s3cret", nil, http.StatusOK, 1},
		{"wrong token", "/webhook/guess", nil, http.StatusNotFound, 0},
		{"bad update", "/webhook/s3cret", errors.New("decode update"), http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &fakeIngester{err: tt.ingestErr}
			s := newTestServer(t, Opts{Ingester: ing, WebhookToken: "s3cret"})

			rec := do(s, http.MethodPost, tt.path, `{"update_id":1}`, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if len(ing.bodies) != tt.wantBodies {
				t.Fatalf("ingested %d bodies, want %d", len(ing.bodies), tt.wantBodies)
			}
			if tt.wantBodies == 1 && ing.bodies[0] != `{"update_id":1}` {
				t.Errorf("body = %q", ing.bodies[0])
			}
		})
	}
}

func TestWebhook_TooLarge(t *testing.T) {
	ing := &fakeIngester{}
	s := newTestServer(t, Opts{Ingester: ing, WebhookToken: "s3cret"})
	rec := do(s, http.MethodPost, "/webhook/s3cret", strings.Repeat("x", maxUpdateBytes+1), nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", rec.Code)
	}
	if len(ing.bodies) != 0 {
		t.Error("oversized body must not be ingested")
	}
}

func TestWebhook_NotRegisteredWhenPolling(t *testing.T) {
	s := newTestServer(t, Opts{})
	if rec := do(s, http.MethodPost, "/webhook/anything", "{}", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestVerify(t *testing.T) {
	sw := &fakeSweeper{report: telegraph.VerifyReport{Checked: 3, Reachable: 2, Deleted: 1}}
	s := newTestServer(t, Opts{Sweeper: sw})

	rec := do(s, http.MethodPost, "/verify", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got telegraph.VerifyReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != sw.report {
		t.Errorf("report = %+v, want %+v", got, sw.report)
	}
}

func TestVerify_Auth(t *testing.T) {
	tests := []struct {
		name       string
		header     map[string]string
		wantStatus int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong scheme", map[string]string{"Authorization": "Basic letmein"}, http.StatusUnauthorized},
		{"wrong secret", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"ok", map[string]string{"Authorization": "Bearer letmein"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := &fakeSweeper{}
			s := newTestServer(t, Opts{Sweeper: sw, VerifyAuth: "letmein"})
			rec := do(s, http.MethodPost, "/verify", "", tt.header)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if wantCalls := map[bool]int{true: 1, false: 0}[tt.wantStatus == http.StatusOK]; sw.calls != wantCalls {
				t.Errorf("sweeps = %d, want %d", sw.calls, wantCalls)
			}
		})
	}
}

func TestVerify_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"running", telegraph.ErrSweepRunning, http.StatusConflict},
		{"store failure", errors.New("list sessions: db closed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Opts{Sweeper: &fakeSweeper{err: tt.err}})
			if rec := do(s, http.MethodPost, "/verify", "", nil); rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestStart_ServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	var out bytes.Buffer
	s := newTestServer(t, Opts{Listen: addr, Out: &out})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if !strings.Contains(out.String(), "HTTP server listening on "+addr) {
		t.Errorf("output = %q", out.String())
	}
}
