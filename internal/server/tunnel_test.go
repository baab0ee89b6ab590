package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		exe  string
		args []string
	}{
		{"ngrok tcp 25565", "ngrok", []string{"tcp", "25565"}},
		{"  ngrok   tcp   25565  ", "ngrok", []string{"tcp", "25565"}},
		{`"C:\Program Files\ngrok.exe" tcp 25565`, `C:\Program Files\ngrok.exe`, []string{"tcp", "25565"}},
		{`'/opt/my tools/ngrok' tcp --region eu`, "/opt/my tools/ngrok", []string{"tcp", "--region", "eu"}},
		{`ngrok tcp 25565 --label "edge=my edge"`, "ngrok", []string{"tcp", "25565", "--label", "edge=my edge"}},
		{"playit", "playit", nil},
	}
	for _, tt := range tests {
		exe, args, err := ParseCommand(tt.in)
		if err != nil {
			t.Fatalf("ParseCommand(%q): %v", tt.in, err)
		}
		if exe != tt.exe || fmt.Sprint(args) != fmt.Sprint(tt.args) {
			t.Errorf("ParseCommand(%q) = %q %q, want %q %q", tt.in, exe, args, tt.exe, tt.args)
		}
	}

	if _, _, err := ParseCommand("   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty command, got %v", err)
	}
	if _, _, err := ParseCommand(`ngrok tcp "unterminated`); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad quoting, got %v", err)
	}
}

func tunnelStatusServer(t *testing.T, url *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tunnels" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		public, _ := url.Load().(string)
		if public == "" {
			fmt.Fprint(w, `{"tunnels":[]}`)
			return
		}
		fmt.Fprintf(w, `{"tunnels":[{"public_url":""},{"public_url":%q,"proto":"tcp"}],"uri":"/api/tunnels"}`, public)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStartTunnelReportsPublicURL(t *testing.T) {
	var public atomic.Value
	public.Store("tcp://0.tcp.ngrok.io:12345")
	srv := tunnelStatusServer(t, &public)

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func(s *Settings) {
		s.TunnelStatusURL = srv.URL + "/api/tunnels"
		s.TunnelPollInterval = 250 * time.Millisecond
	}, WithClock(func() time.Time { return start }))
	info, err := env.manager.CreateServer(context.Background(), "Tunnelled", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := env.manager.StartTunnel(context.Background(), "Tunnelled"); err != nil {
		t.Fatalf("StartTunnel: %v", err)
	}
	proc := env.launcher.last()
	if proc.spec.Name != "ngrok" || strings.Join(proc.spec.Args, " ") != "tcp 25565" || proc.spec.Dir != info.FolderPath {
		t.Fatalf("unexpected tunnel launch %+v", proc.spec)
	}
	if proc.Stdin() != nil {
		t.Fatalf("tunnel should not get a stdin pipe")
	}

	wantStarted := fmt.Sprintf("<ngrok started: ngrok tcp 25565 (pid %d) at %s>", proc.pid, start.Format(time.RFC3339Nano))
	if env.events.count(info.ID, wantStarted) != 1 {
		t.Fatalf("missing start event %q: %v", wantStarted, env.events.lines(info.ID))
	}
	if env.events.count(info.ID, "<ngrok tunnel: tcp://0.tcp.ngrok.io:12345> <changed>") != 1 {
		t.Fatalf("missing tunnel URL event: %v", env.events.lines(info.ID))
	}
	got, _ := env.manager.Get("Tunnelled")
	if !got.TunnelRunning || got.PublicURL != "tcp://0.tcp.ngrok.io:12345" || got.TunnelPID != proc.pid {
		t.Fatalf("unexpected tunnel info %+v", got)
	}

	proc.print("t=2024 lvl=info msg=\"started tunnel\"")
	env.events.waitFor(t, info.ID, "[ngrok] t=2024 lvl=info msg=\"started tunnel\"")

	if err := env.manager.StartTunnel(context.Background(), "Tunnelled"); err != nil {
		t.Fatal(err)
	}
	if env.events.count(info.ID, "<ngrok already running>") != 1 || env.launcher.count() != 1 {
		t.Fatalf("second start should only report: %v", env.events.lines(info.ID))
	}

	if err := env.manager.StopTunnel("Tunnelled"); err != nil {
		t.Fatalf("StopTunnel: %v", err)
	}
	if !proc.wasKilled() || env.events.count(info.ID, "<ngrok stopped>") != 1 {
		t.Fatalf("tunnel not stopped: %v", env.events.lines(info.ID))
	}
	if env.events.count(info.ID, "<ngrok exited>") != 1 {
		t.Fatalf("missing exit event: %v", env.events.lines(info.ID))
	}
	if got, _ := env.manager.Get("Tunnelled"); got.TunnelRunning {
		t.Fatalf("tunnel should be stopped")
	}

	// same URL on restart is reported as unchanged (case-insensitive)
	public.Store("TCP://0.tcp.ngrok.io:12345")
	if err := env.manager.StartTunnel(context.Background(), "Tunnelled"); err != nil {
		t.Fatal(err)
	}
	if env.events.count(info.ID, "<ngrok tunnel: TCP://0.tcp.ngrok.io:12345> <unchanged>") != 1 {
		t.Fatalf("expected unchanged marker: %v", env.events.lines(info.ID))
	}
}

func TestStartTunnelURLNotAvailable(t *testing.T) {
	var public atomic.Value
	srv := tunnelStatusServer(t, &public)
	env := newTestEnv(t, func(s *Settings) { s.TunnelStatusURL = srv.URL + "/api/tunnels" })
	info, err := env.manager.CreateServer(context.Background(), "Quiet", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := env.manager.StartTunnel(context.Background(), "Quiet"); err != nil {
		t.Fatalf("StartTunnel: %v", err)
	}
	if env.events.count(info.ID, "<ngrok: public URL not available yet>") != 1 {
		t.Fatalf("expected unavailable event: %v", env.events.lines(info.ID))
	}
	if got, _ := env.manager.Get("Quiet"); !got.TunnelRunning || got.PublicURL != "" {
		t.Fatalf("tunnel should keep running without a URL: %+v", got)
	}
}

func TestStartTunnelPollingIsBounded(t *testing.T) {
	const attempts, interval = 4, 50 * time.Millisecond

	tests := []struct {
		name    string
		handler func(w http.ResponseWriter, r *http.Request)
	}{
		{"empty", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"tunnels":[]}`)
		}},
		{"unresponsive", func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				tt.handler(w, r)
			}))
			t.Cleanup(srv.Close)

			env := newTestEnv(t, func(s *Settings) {
				s.TunnelStatusURL = srv.URL
				s.TunnelPollAttempts = attempts
				s.TunnelPollInterval = interval
				s.TunnelRequestTimeout = 5 * time.Second
			})
			info, err := env.manager.CreateServer(context.Background(), "Bounded", "")
			if err != nil {
				t.Fatal(err)
			}

			began := time.Now()
			if err := env.manager.StartTunnel(context.Background(), "Bounded"); err != nil {
				t.Fatalf("StartTunnel: %v", err)
			}
			elapsed := time.Since(began)

			if budget := attempts*interval + 250*time.Millisecond; elapsed > budget {
				t.Fatalf("polling took %v, budget %v", elapsed, budget)
			}
			if n := requests.Load(); n < 1 || n > attempts {
				t.Fatalf("expected 1..%d status requests, got %d", attempts, n)
			}
			if env.events.count(info.ID, "<ngrok: public URL not available yet>") != 1 {
				t.Fatalf("expected unavailable event: %v", env.events.lines(info.ID))
			}
		})
	}
}

func TestStartTunnelStopsPollingWhenTunnelExits(t *testing.T) {
	env := newTestEnv(t, func(s *Settings) {
		s.TunnelPollAttempts = 1000
		s.TunnelPollInterval = 20 * time.Millisecond
	})
	info, err := env.manager.CreateServer(context.Background(), "Flaky", "")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for env.launcher.count() == 0 {
			time.Sleep(time.Millisecond)
		}
		env.launcher.last().exit()
	}()

	done := make(chan error, 1)
	go func() { done <- env.manager.StartTunnel(context.Background(), "Flaky") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartTunnel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("polling did not stop after the tunnel exited")
	}
	env.events.waitFor(t, info.ID, "<ngrok exited>")
	env.events.waitFor(t, info.ID, "<ngrok: public URL not available yet>")
}

func TestStartTunnelUsesOverrideAndReportsFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	info, err := env.manager.CreateServer(context.Background(), "Custom", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.manager.SetTunnelCommand("Custom", `"/opt/play it/playit" --secret abc`); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.StartTunnel(context.Background(), "Custom"); err != nil {
		t.Fatal(err)
	}
	if p := env.launcher.last(); p.spec.Name != "/opt/play it/playit" || strings.Join(p.spec.Args, ",") != "--secret,abc" {
		t.Fatalf("override not used: %+v", p.spec)
	}
	if err := env.manager.StopTunnel("Custom"); err != nil {
		t.Fatal(err)
	}

	env.launcher.err = errors.New("executable file not found in $PATH")
	err = env.manager.StartTunnel(context.Background(), "Custom")
	if !errors.Is(err, ErrProcessStart) {
		t.Fatalf("expected ErrProcessStart, got %v", err)
	}
	if env.events.count(info.ID, "<ngrok failed to start: executable file not found in $PATH>") != 1 {
		t.Fatalf("missing failure event: %v", env.events.lines(info.ID))
	}

	if err := env.manager.StartTunnel(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := env.manager.StopTunnel("Custom"); err != nil {
		t.Fatalf("stopping a stopped tunnel should be a no-op: %v", err)
	}
}

func TestDeleteServerStopsTunnel(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.manager.CreateServer(context.Background(), "Gone", ""); err != nil {
		t.Fatal(err)
	}
	if err := env.manager.StartTunnel(context.Background(), "Gone"); err != nil {
		t.Fatal(err)
	}
	tunnel := env.launcher.last()
	if err := env.manager.DeleteServer(context.Background(), "Gone"); err != nil {
		t.Fatal(err)
	}
	if !tunnel.wasKilled() {
		t.Fatalf("tunnel should be killed on delete")
	}
}

func TestSetTunnelAuthToken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runner.MockResult = CommandResult{Output: "Authtoken saved to configuration file"}

	out, err := env.manager.SetTunnelAuthToken(context.Background(), " 2abc ")
	if err != nil {
		t.Fatalf("SetTunnelAuthToken: %v", err)
	}
	if out != "Authtoken saved to configuration file" {
		t.Fatalf("unexpected output %q", out)
	}
	if len(env.runner.Calls) != 1 || env.runner.Calls[0] != "ngrok config add-authtoken 2abc" {
		t.Fatalf("unexpected calls %v", env.runner.Calls)
	}

	if _, err := env.manager.SetTunnelAuthToken(context.Background(), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	env.runner.MockResult = CommandResult{ExitCode: 1, Output: "ERROR: invalid token"}
	if _, err := env.manager.SetTunnelAuthToken(context.Background(), "bad"); err == nil || !strings.Contains(err.Error(), "invalid token") {
		t.Fatalf("expected command failure, got %v", err)
	}
}
