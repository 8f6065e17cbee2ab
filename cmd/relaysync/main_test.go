package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/source"
	"github.com/sirupsen/logrus"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func TestTriggerRequestValidation(t *testing.T) {
	if _, err := (&triggerOptions{mode: "full"}).request(); err == nil {
		t.Fatalf("expected missing instance to fail")
	}
	if _, err := (&triggerOptions{instance: "gl", mode: "sideways"}).request(); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
	if _, err := (&triggerOptions{instance: "gl", mode: "compensating", from: "2026-01-02T00:00:00Z", to: "2026-01-01T00:00:00Z"}).request(); err == nil {
		t.Fatalf("expected inverted window to fail")
	}
	req, err := (&triggerOptions{instance: " gl ", mode: "compensating", from: "2026-01-01T00:00:00Z", to: "2026-01-02T00:00:00Z"}).request()
	if err != nil {
		t.Fatalf("valid compensating request: %v", err)
	}
	if req.InstanceID != "gl" || req.Mode != relaysync.SyncCompensating || req.From.IsZero() {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestTokenCommandMintsJWT(t *testing.T) {
	t.Setenv("RELAYSYNC_AUTH_JWT_SECRET", "cli-secret")
	out, err := runCLI(t, "token", "--subject", "deploy", "--scopes", "sync:trigger", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token command: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out), "."); len(parts) != 3 {
		t.Fatalf("expected a three-part jwt, got %q", out)
	}
}

func TestSealCommandRoundTrips(t *testing.T) {
	key := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	t.Setenv("RELAYSYNC_TOKEN_KEY", key)
	out, err := runCLI(t, "seal", "glpat-abc")
	if err != nil {
		t.Fatalf("seal command: %v", err)
	}
	sealer, err := source.NewAESGCM(key)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	plain, err := sealer.Decrypt(strings.TrimSpace(out))
	if err != nil || plain != "glpat-abc" {
		t.Fatalf("expected round trip, got %q (%v)", plain, err)
	}
}

func TestAdminCommandsRequireToken(t *testing.T) {
	t.Setenv("RELAYSYNC_TOKEN", "")
	if _, err := runCLI(t, "stats", "--token", ""); err == nil {
		t.Fatalf("expected stats without token to fail")
	}
}

func TestStatsAndRetryCommands(t *testing.T) {
	var retried []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/events/stats":
			_, _ = w.Write([]byte(`{"total":3,"pending":1}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/health":
			_, _ = w.Write([]byte(`{"healthy":true,"issues":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/events/retry":
			var body struct {
				IDs []string `json:"ids"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			retried = body.IDs
			_, _ = w.Write([]byte(`{"success":true,"message":"scheduled 2 of 2 event(s)","results":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	out, err := runCLI(t, "stats", "--server", server.URL, "--token", "tok")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats relaysync.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil || stats.Total != 3 {
		t.Fatalf("unexpected stats output %q (%v)", out, err)
	}

	out, err = runCLI(t, "stats", "--health", "--server", server.URL, "--token", "tok")
	if err != nil || !strings.Contains(out, `"healthy": true`) {
		t.Fatalf("health: %v %q", err, out)
	}

	out, err = runCLI(t, "retry", "ev-1", "ev-2", "--server", server.URL, "--token", "tok")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(retried) != 2 || !strings.Contains(out, "scheduled 2 of 2") {
		t.Fatalf("unexpected retry: ids=%v out=%q", retried, out)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Addr = "127.0.0.1:0"
	cfg.Auth.JWTSecret = "serve-secret"
	cfg.Log.File = t.TempDir() + "/relaysync.log"
	cfg.Engine.ShutdownGrace = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop after cancel")
	}
}

func TestServeRefusesMissingSecret(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Auth.JWTSecret = ""
	err = serve(context.Background(), cfg)
	if !errors.Is(err, relaysync.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without a jwt secret, got %v", err)
	}
}

func TestTokenCommandNeedsSecret(t *testing.T) {
	t.Setenv("RELAYSYNC_AUTH_JWT_SECRET", "")
	if _, err := runCLI(t, "token", "--subject", "deploy"); err == nil {
		t.Fatalf("expected token minting without a secret to fail")
	}
}

type slowShutdown struct{}

func (slowShutdown) Shutdown(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type recordingCloser struct {
	remaining time.Duration
}

func (c *recordingCloser) Close(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return errors.New("no deadline")
	}
	c.remaining = time.Until(deadline)
	return ctx.Err()
}

func TestShutdownGivesEngineItsOwnGrace(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	engine := &recordingCloser{}
	shutdown(slowShutdown{}, engine, 200*time.Millisecond, logger)
	if engine.remaining < 100*time.Millisecond {
		t.Fatalf("engine drain started with only %s left after a slow http shutdown", engine.remaining)
	}
}
