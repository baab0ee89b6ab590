package server

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheGojiOG/LocalSM/internal/console"
)

type fakeProcess struct {
	pid    int
	spec   LaunchSpec
	stdout io.Writer

	mu         sync.Mutex
	stdin      []string
	stdinErr   error
	// stallStdin makes writes block until the process exits, like a pipe
	// whose reader stopped draining it
	stallStdin bool
	exitOnStop bool
	killed     bool
	killErr    error

	done chan struct{}
	once sync.Once
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Stdin() io.Writer {
	if !p.spec.Stdin {
		return nil
	}
	return fakeStdin{p}
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	err := p.killErr
	p.mu.Unlock()
	p.exit()
	return err
}

func (p *fakeProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) print(line string) {
	_, _ = io.WriteString(p.stdout, line+"\n")
}

func (p *fakeProcess) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stdin...)
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeStdin struct{ p *fakeProcess }

func (s fakeStdin) Write(b []byte) (int, error) {
	s.p.mu.Lock()
	if s.p.stallStdin {
		s.p.mu.Unlock()
		<-s.p.done
		return 0, errBrokenPipe
	}
	if s.p.stdinErr != nil {
		err := s.p.stdinErr
		s.p.mu.Unlock()
		return 0, err
	}
	line := strings.TrimSuffix(string(b), "\n")
	s.p.stdin = append(s.p.stdin, line)
	stop := s.p.exitOnStop && line == "stop"
	s.p.mu.Unlock()

	if stop {
		s.p.exit()
	}
	return len(b), nil
}

type fakeLauncher struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	err        error
	exitOnStop bool
	nextPID    int
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.nextPID++
	p := &fakeProcess{
		pid:        1000 + l.nextPID,
		spec:       spec,
		stdout:     spec.Stdout,
		exitOnStop: l.exitOnStop,
		done:       make(chan struct{}),
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []console.Event
}

func (r *eventRecorder) handle(e console.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) lines(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.InstanceID == id && e.Kind == console.EventOutput {
			out = append(out, e.Line)
		}
	}
	return out
}

func (r *eventRecorder) count(id, line string) int {
	n := 0
	for _, l := range r.lines(id) {
		if l == line {
			n++
		}
	}
	return n
}

func (r *eventRecorder) hasPrefix(id, prefix string) bool {
	for _, l := range r.lines(id) {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func (r *eventRecorder) waitFor(t *testing.T, id, line string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count(id, line) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, got %v", line, r.lines(id))
}

type testEnv struct {
	manager  *Manager
	launcher *fakeLauncher
	runner   *MockCommandRunner
	events   *eventRecorder
	pipeline *console.Pipeline
	baseDir  string
}

func newTestEnv(t *testing.T, tweak func(*Settings), opts ...Option) *testEnv {
	t.Helper()
	base := t.TempDir()
	settings := DefaultSettings(base)
	settings.StopTimeout = 500 * time.Millisecond
	settings.DeleteStopTimeout = 200 * time.Millisecond
	settings.TunnelPollInterval = 10 * time.Millisecond
	settings.TunnelPollAttempts = 3
	settings.TunnelStatusURL = "http://127.0.0.1:1/api/tunnels"
	if tweak != nil {
		tweak(&settings)
	}

	env := &testEnv{
		launcher: &fakeLauncher{exitOnStop: true},
		runner:   &MockCommandRunner{},
		events:   &eventRecorder{},
		pipeline: console.NewPipeline(500),
		baseDir:  base,
	}
	env.pipeline.Subscribe(env.events.handle)

	all := append([]Option{WithLauncher(env.launcher), WithCommandRunner(env.runner)}, opts...)
	m, err := NewManager(settings, env.pipeline, all...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.manager = m
	t.Cleanup(func() {
		for _, p := range env.launcher.procs {
			p.exit()
		}
	})
	return env
}

var errBrokenPipe = errors.New("broken pipe")
