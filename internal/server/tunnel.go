package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// ParseCommand splits a tunnel command line into executable and arguments.
// A leading quote delimits an executable path containing spaces; the rest
// is split with shell quoting rules.
func ParseCommand(command string) (string, []string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", nil, fmt.Errorf("%w: empty command", ErrValidation)
	}

	var exe, rest string
	if q := command[0]; q == '"' || q == '\'' {
		if end := strings.IndexByte(command[1:], q); end > 0 {
			exe = command[1 : end+1]
			rest = command[end+2:]
		}
	}
	if exe == "" {
		if idx := strings.IndexAny(command, " \t"); idx >= 0 {
			exe, rest = command[:idx], command[idx+1:]
		} else {
			exe = command
		}
	}

	args, err := shellquote.Split(rest)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return exe, args, nil
}

// StartTunnel launches the server's tunnel process and polls its status
// API for a public URL. Starting a running tunnel only reports it.
func (m *Manager) StartTunnel(ctx context.Context, nameOrID string) error {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return err
	}
	inst.tunnelMu.Lock()
	defer inst.tunnelMu.Unlock()

	inst.mu.Lock()
	removed, running := inst.removed, inst.tunnel != nil
	command := m.settings.TunnelCommand
	if inst.tunnelCommand != nil && strings.TrimSpace(*inst.tunnelCommand) != "" {
		command = *inst.tunnelCommand
	}
	inst.mu.Unlock()

	if removed {
		return fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
	}
	if running {
		m.emit(inst.id, "<ngrok already running>")
		return nil
	}

	exe, args, err := ParseCommand(command)
	if err != nil {
		m.emit(inst.id, fmt.Sprintf("<ngrok failed to start: %v>", err))
		return err
	}

	id, prefix := inst.id, m.settings.TunnelLinePrefix
	stdout := newLineWriter(func(line string) { m.emit(id, prefix+line) })
	stderr := newLineWriter(func(line string) { m.emit(id, prefix+line) })
	proc, err := m.launcher.Launch(LaunchSpec{
		Name:   exe,
		Args:   args,
		Dir:    inst.folderPath,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		m.emit(id, fmt.Sprintf("<ngrok failed to start: %v>", err))
		return fmt.Errorf("%w: %w", ErrProcessStart, err)
	}

	exited := make(chan struct{})
	started := m.now()
	inst.mu.Lock()
	inst.tunnel = proc
	inst.tunnelExited = exited
	inst.tunnelStartedAt = started
	inst.mu.Unlock()

	m.emit(id, fmt.Sprintf("<ngrok started: %s (pid %d) at %s>", command, proc.Pid(), started.Format(time.RFC3339Nano)))
	log.Printf("[Tunnel] Started tunnel for %s (pid %d)", inst.getName(), proc.Pid())
	go m.observeTunnelExit(inst, proc, exited, stdout, stderr)

	publicURL, ok := m.pollPublicURL(ctx, exited)
	if !ok {
		m.emit(id, "<ngrok: public URL not available yet>")
		return nil
	}

	inst.mu.Lock()
	changed := !strings.EqualFold(inst.publicURL, publicURL)
	inst.publicURL = publicURL
	inst.mu.Unlock()

	marker := "<unchanged>"
	if changed {
		marker = "<changed>"
	}
	m.emit(id, fmt.Sprintf("<ngrok tunnel: %s> %s", publicURL, marker))
	return nil
}

func (m *Manager) observeTunnelExit(inst *instance, proc Process, exited chan struct{}, outputs ...*lineWriter) {
	if err := proc.Wait(); err != nil {
		log.Printf("[Tunnel] Tunnel for %s wait error: %v", inst.getName(), err)
	}
	for _, w := range outputs {
		w.Flush()
	}
	inst.clearTunnel(proc)
	m.emit(inst.id, "<ngrok exited>")
	close(exited)
}

// pollPublicURL queries the status API until a public URL shows up, the
// attempts run out, the tunnel exits or ctx ends. All attempts together take
// at most attempts x interval, however slow the status API answers.
func (m *Manager) pollPublicURL(ctx context.Context, exited <-chan struct{}) (string, bool) {
	attempts, interval := m.settings.TunnelPollAttempts, m.settings.TunnelPollInterval
	if interval > 0 && attempts > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(attempts)*interval)
		defer cancel()
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		publicURL, err := m.fetchPublicURL(ctx)
		if err == nil && publicURL != "" {
			return publicURL, true
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false
		case <-exited:
			timer.Stop()
			return "", false
		case <-timer.C:
		}
	}
	return "", false
}

type tunnelStatus struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
	} `json:"tunnels"`
}

func (m *Manager) fetchPublicURL(ctx context.Context) (string, error) {
	timeout := m.settings.TunnelRequestTimeout
	if interval := m.settings.TunnelPollInterval; interval > 0 && (timeout <= 0 || interval < timeout) {
		timeout = interval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.settings.TunnelStatusURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("tunnel status API returned %s", resp.Status)
	}

	var status tunnelStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", err
	}
	for _, t := range status.Tunnels {
		if t.PublicURL != "" {
			return t.PublicURL, nil
		}
	}
	return "", nil
}

// StopTunnel kills the server's tunnel process. Stopping a stopped tunnel
// is a no-op.
func (m *Manager) StopTunnel(nameOrID string) error {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return err
	}
	inst.tunnelMu.Lock()
	defer inst.tunnelMu.Unlock()
	m.stopTunnelLocked(inst)
	return nil
}

func (m *Manager) stopTunnelLocked(inst *instance) {
	inst.mu.Lock()
	proc, exited := inst.tunnel, inst.tunnelExited
	inst.mu.Unlock()
	if proc == nil {
		return
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.emit(inst.id, fmt.Sprintf("<failed to kill ngrok: %v>", err))
	}
	select {
	case <-exited:
	case <-time.After(killWait):
		log.Printf("[Tunnel] Tunnel for %s has not exited after kill", inst.getName())
	}
	inst.clearTunnel(proc)
	m.emit(inst.id, "<ngrok stopped>")
	log.Printf("[Tunnel] Stopped tunnel for %s", inst.getName())
}

// SetTunnelAuthToken registers an authtoken with the tunnel executable of
// the default tunnel command and returns its output.
func (m *Manager) SetTunnelAuthToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is required", ErrValidation)
	}
	exe, _, err := ParseCommand(m.settings.TunnelCommand)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	args := append(append([]string(nil), m.settings.TunnelAuthTokenArgs...), token)
	res, err := m.runner.Run(ctx, m.settings.BaseDir, exe, args...)
	if err != nil {
		return res.Output, fmt.Errorf("%w: %s: %w", ErrProcessStart, exe, err)
	}
	if res.ExitCode != 0 {
		return res.Output, fmt.Errorf("%s exited with code %d: %s", exe, res.ExitCode, res.Output)
	}
	log.Printf("[Tunnel] Authtoken registered with %s", exe)
	return res.Output, nil
}
