package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TheGojiOG/LocalSM/internal/download"
)

// killWait bounds how long a stop waits for the exit observer after a kill.
const killWait = 5 * time.Second

// CreateServer creates a folder for a new server, registers and persists it,
// then downloads the artifact when artifactURL is set. A failed metadata save
// or download still leaves the instance registered.
func (m *Manager) CreateServer(ctx context.Context, name, artifactURL string) (InstanceInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return InstanceInfo{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	artifactURL = strings.TrimSpace(artifactURL)
	if artifactURL != "" {
		if err := ValidateArtifactURL(artifactURL); err != nil {
			return InstanceInfo{}, err
		}
	}
	if err := os.MkdirAll(m.settings.BaseDir, 0755); err != nil {
		return InstanceInfo{}, fmt.Errorf("%w: %v", ErrIO, err)
	}

	m.mu.Lock()
	finalName, folder := m.allocateLocked(name)
	if err := os.Mkdir(folder, 0755); err != nil {
		m.mu.Unlock()
		return InstanceInfo{}, fmt.Errorf("%w: create folder: %v", ErrIO, err)
	}
	inst := newInstance(uuid.NewString(), finalName, folder)
	if artifactURL != "" {
		inst.artifactURL = &artifactURL
	}
	m.instances = append(m.instances, inst)
	m.mu.Unlock()

	log.Printf("[Lifecycle] Created server %s at %s", finalName, folder)
	m.emit(inst.id, fmt.Sprintf("<created server folder: %s>", folder))

	if err := m.Save(); err != nil {
		m.emit(inst.id, fmt.Sprintf("<failed to save metadata: %v>", err))
		return inst.info(), err
	}
	m.emit(inst.id, "<server metadata saved>")

	if artifactURL != "" {
		inst.opMu.Lock()
		err := m.downloadLocked(ctx, inst, artifactURL)
		inst.opMu.Unlock()
		if err != nil {
			return inst.info(), err
		}
	}
	return inst.info(), nil
}

// DownloadArtifact (re)downloads the server artifact. An empty rawURL reuses
// the stored artifact URL. The server must be stopped.
func (m *Manager) DownloadArtifact(ctx context.Context, nameOrID, rawURL string) error {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return err
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	inst.mu.Lock()
	removed, running := inst.removed, inst.proc != nil
	if rawURL = strings.TrimSpace(rawURL); rawURL == "" && inst.artifactURL != nil {
		rawURL = *inst.artifactURL
	}
	inst.mu.Unlock()

	switch {
	case removed:
		return fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
	case running:
		return fmt.Errorf("%w: stop %s before replacing its artifact", ErrRunning, nameOrID)
	case rawURL == "":
		return fmt.Errorf("%w: no artifact URL", ErrValidation)
	}
	if err := ValidateArtifactURL(rawURL); err != nil {
		return err
	}

	inst.mu.Lock()
	stored := rawURL
	inst.artifactURL = &stored
	inst.mu.Unlock()
	if err := m.Save(); err != nil {
		m.emit(inst.id, fmt.Sprintf("<failed to save metadata: %v>", err))
	}
	return m.downloadLocked(ctx, inst, rawURL)
}

func (m *Manager) downloadLocked(ctx context.Context, inst *instance, rawURL string) error {
	if m.settings.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.settings.DownloadTimeout)
		defer cancel()
	}

	dest := filepath.Join(inst.folderPath, m.settings.ArtifactName)
	m.emit(inst.id, fmt.Sprintf("<downloading %s from %s>", m.settings.ArtifactName, rawURL))
	written, err := m.downloader.Download(ctx, rawURL, dest, func(p download.Progress) {
		m.emit(inst.id, p.String())
	})
	if err != nil {
		m.emit(inst.id, fmt.Sprintf("<download failed: %v>", err))
		log.Printf("[Lifecycle] Download for %s failed: %v", inst.getName(), err)
		return fmt.Errorf("%w: %w", ErrDownload, err)
	}
	m.emit(inst.id, "<download complete>")
	log.Printf("[Lifecycle] Downloaded %d bytes to %s", written, dest)
	return nil
}

// ValidateArtifactURL accepts absolute http and https URLs only.
func ValidateArtifactURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: artifact URL must be an absolute http(s) URL: %q", ErrValidation, raw)
	}
	return nil
}

// DeleteServer stops the server and its tunnel, removes its folder and
// unregisters it. Stop failures do not block removal.
func (m *Manager) DeleteServer(ctx context.Context, nameOrID string) error {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return err
	}

	inst.tunnelMu.Lock()
	m.stopTunnelLocked(inst)
	inst.tunnelMu.Unlock()

	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	if inst.isRemoved() {
		return fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
	}

	if inst.isRunning() {
		stopCtx, cancel := context.WithTimeout(ctx, m.settings.DeleteStopTimeout)
		m.stopLocked(stopCtx, inst, m.settings.DeleteStopTimeout)
		cancel()
	}

	if err := os.RemoveAll(inst.folderPath); err != nil {
		m.emit(inst.id, fmt.Sprintf("<failed to delete folder: %v>", err))
		return fmt.Errorf("%w: remove %s: %v", ErrIO, inst.folderPath, err)
	}

	m.mu.Lock()
	for idx, candidate := range m.instances {
		if candidate == inst {
			m.instances = append(m.instances[:idx], m.instances[idx+1:]...)
			break
		}
	}
	inst.mu.Lock()
	inst.removed = true
	inst.mu.Unlock()
	m.mu.Unlock()

	saveErr := m.Save()
	if m.pipeline != nil {
		m.pipeline.Forget(inst.id)
	}
	for _, fn := range m.onRemove {
		fn(inst.id)
	}
	log.Printf("[Lifecycle] Deleted server %s", inst.getName())
	return saveErr
}

// StartServer launches the server process. Starting a running server is a
// no-op.
func (m *Manager) StartServer(ctx context.Context, nameOrID string) error {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return err
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	if inst.isRemoved() {
		return fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
	}
	return m.startLocked(ctx, inst)
}

func (m *Manager) startLocked(ctx context.Context, inst *instance) error {
	if inst.isRunning() {
		return nil
	}
	name := inst.getName()
	log.Printf("[Lifecycle] Starting server %s...", name)

	if err := m.probeRuntime(ctx); err != nil {
		log.Printf("[Lifecycle] %v", err)
		return err
	}
	artifact, detected, err := resolveArtifact(inst.folderPath, m.settings.ArtifactName, m.settings.ArtifactExtension)
	if err != nil {
		return err
	}
	if detected {
		m.emit(inst.id, fmt.Sprintf("<using detected jar: %s>", filepath.Base(artifact)))
	}

	inst.setStatus(StatusStarting)
	id := inst.id
	stdout := newLineWriter(func(line string) { m.emit(id, line) })
	stderr := newLineWriter(func(line string) { m.emit(id, line) })

	args := make([]string, 0, len(m.settings.JVMArgs)+len(m.settings.ServerArgs)+2)
	args = append(args, m.settings.JVMArgs...)
	args = append(args, "-jar", filepath.Base(artifact))
	args = append(args, m.settings.ServerArgs...)

	proc, err := m.launcher.Launch(LaunchSpec{
		Name:   m.settings.JavaPath,
		Args:   args,
		Dir:    inst.folderPath,
		Stdout: stdout,
		Stderr: stderr,
		Stdin:  true,
	})
	if err != nil {
		inst.setStatus(StatusStopped)
		log.Printf("[Lifecycle] Failed to launch %s: %v", name, err)
		return fmt.Errorf("%w: %w", ErrProcessStart, err)
	}

	exited := make(chan struct{})
	inst.mu.Lock()
	inst.proc = proc
	inst.exited = exited
	inst.status = StatusRunning
	inst.startedAt = m.now()
	inst.mu.Unlock()

	m.emit(id, "<process started>")
	log.Printf("[Lifecycle] Server %s started (pid %d)", name, proc.Pid())
	go m.observeExit(inst, proc, exited, stdout, stderr)
	return nil
}

func (m *Manager) observeExit(inst *instance, proc Process, exited chan struct{}, outputs ...*lineWriter) {
	err := proc.Wait()
	for _, w := range outputs {
		w.Flush()
	}
	inst.clearProcess(proc)
	if err != nil {
		log.Printf("[Lifecycle] Server %s wait error: %v", inst.getName(), err)
	}
	m.emit(inst.id, "<process exited>")
	close(exited)
}

// StopServer asks the server to stop gracefully and kills it if it has not
// exited within the stop timeout. Stopping a stopped server is a no-op.
func (m *Manager) StopServer(ctx context.Context, nameOrID string) error {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return err
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	m.stopLocked(ctx, inst, m.settings.StopTimeout)
	return nil
}

// stopLocked never fails: an unresponsive process is killed.
func (m *Manager) stopLocked(ctx context.Context, inst *instance, grace time.Duration) {
	inst.mu.Lock()
	proc, exited := inst.proc, inst.exited
	if proc == nil {
		inst.mu.Unlock()
		return
	}
	inst.status = StatusStopping
	inst.mu.Unlock()

	name := inst.getName()
	log.Printf("[Lifecycle] Stopping server %s...", name)

	// The grace period includes the stop command write.
	timer := time.NewTimer(grace)
	defer timer.Stop()
	written := inst.startWrite(proc, m.settings.StopCommand)
	graceful := false
wait:
	for {
		select {
		case err := <-written:
			if err != nil {
				log.Printf("[Lifecycle] Failed to send stop command to %s: %v", name, err)
				break wait
			}
			written = nil
		case <-exited:
			graceful = true
			break wait
		case <-timer.C:
			log.Printf("[Lifecycle] Server %s did not stop within %v, killing", name, grace)
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	if !graceful {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			m.emit(inst.id, fmt.Sprintf("<failed to kill process: %v>", err))
		}
		select {
		case <-exited:
		case <-time.After(killWait):
			log.Printf("[Lifecycle] Server %s has not exited after kill", name)
		}
	}

	inst.clearProcess(proc)
	m.emit(inst.id, "<process stopped>")
	log.Printf("[Lifecycle] Server %s stopped", name)
}

// RestartServer stops then starts the server as one operation.
func (m *Manager) RestartServer(ctx context.Context, nameOrID string) error {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return err
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	if inst.isRemoved() {
		return fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
	}

	log.Printf("[Lifecycle] Restarting server %s...", inst.getName())
	m.stopLocked(ctx, inst, m.settings.StopTimeout)
	if err := m.startLocked(ctx, inst); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// SendCommand writes one line to the server's stdin and echoes it as
// "> command". A write failure is reported as an event, not an error.
func (m *Manager) SendCommand(nameOrID, command string) error {
	if strings.ContainsAny(command, "\r\n") {
		return fmt.Errorf("%w: command must be a single line", ErrValidation)
	}
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	proc, status := inst.proc, inst.status
	inst.mu.Unlock()
	if proc == nil || status != StatusRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, nameOrID)
	}

	if err := inst.writeLine(proc, command, m.settings.CommandTimeout); err != nil {
		m.emit(inst.id, fmt.Sprintf("<failed to send command: %v>", err))
		return nil
	}
	m.emit(inst.id, "> "+command)
	return nil
}

// SetTunnelCommand stores a per-server tunnel command override. An empty
// command clears the override.
func (m *Manager) SetTunnelCommand(nameOrID, command string) error {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return err
	}
	command = strings.TrimSpace(command)
	if command != "" {
		if _, _, err := ParseCommand(command); err != nil {
			return err
		}
	}

	inst.mu.Lock()
	if command == "" {
		inst.tunnelCommand = nil
	} else {
		inst.tunnelCommand = &command
	}
	inst.mu.Unlock()
	return m.Save()
}

// WithStopped runs fn while holding the server's operation lock, refusing
// with ErrRunning if its process is attached. Used for folder rewrites such
// as backup restore.
func (m *Manager) WithStopped(nameOrID string, fn func(InstanceInfo) error) error {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return err
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	if inst.isRemoved() {
		return fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
	}
	if inst.isRunning() {
		return fmt.Errorf("%w: stop %s first", ErrRunning, inst.getName())
	}
	return fn(inst.info())
}
