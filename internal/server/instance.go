package server

import (
	"errors"
	"io"
	"sync"
	"time"
)

// instance is one registered server folder plus its runtime state.
//
// Lock order: opMu or tunnelMu, then mu. stdinMu is taken only while
// writing to the process and never while holding mu.
type instance struct {
	id         string
	folderPath string

	// opMu serializes lifecycle operations (start, stop, restart, delete).
	opMu sync.Mutex
	// tunnelMu serializes tunnel start and stop.
	tunnelMu sync.Mutex
	stdinMu  sync.Mutex

	mu            sync.Mutex
	name          string
	artifactURL   *string
	tunnelCommand *string
	removed       bool

	status    Status
	proc      Process
	exited    chan struct{}
	startedAt time.Time

	tunnel          Process
	tunnelExited    chan struct{}
	tunnelStartedAt time.Time
	// publicURL is kept across tunnel restarts to detect URL changes
	publicURL string
}

// InstanceInfo is a point-in-time snapshot of a registered server.
type InstanceInfo struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	FolderPath      string     `json:"folder_path"`
	ArtifactURL     *string    `json:"artifact_url,omitempty"`
	TunnelCommand   *string    `json:"tunnel_command,omitempty"`
	Status          Status     `json:"status"`
	Running         bool       `json:"running"`
	PID             int        `json:"pid,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	TunnelRunning   bool       `json:"tunnel_running"`
	TunnelPID       int        `json:"tunnel_pid,omitempty"`
	TunnelStartedAt *time.Time `json:"tunnel_started_at,omitempty"`
	PublicURL       string     `json:"public_url,omitempty"`
}

func newInstance(id, name, folder string) *instance {
	return &instance{
		id:         id,
		name:       name,
		folderPath: folder,
		status:     StatusStopped,
	}
}

func (i *instance) info() InstanceInfo {
	i.mu.Lock()
	defer i.mu.Unlock()

	info := InstanceInfo{
		ID:            i.id,
		Name:          i.name,
		FolderPath:    i.folderPath,
		ArtifactURL:   copyString(i.artifactURL),
		TunnelCommand: copyString(i.tunnelCommand),
		Status:        i.status,
		Running:       i.proc != nil,
		TunnelRunning: i.tunnel != nil,
	}
	if i.proc != nil {
		info.PID = i.proc.Pid()
		started := i.startedAt
		info.StartedAt = &started
	}
	if i.tunnel != nil {
		info.TunnelPID = i.tunnel.Pid()
		started := i.tunnelStartedAt
		info.TunnelStartedAt = &started
		info.PublicURL = i.publicURL
	}
	return info
}

func (i *instance) getName() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.name
}

func (i *instance) isRemoved() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.removed
}

func (i *instance) isRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.proc != nil
}

func (i *instance) setStatus(status Status) {
	i.mu.Lock()
	i.status = status
	i.mu.Unlock()
}

// clearProcess detaches proc if it is still the attached process.
func (i *instance) clearProcess(proc Process) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.proc != proc {
		return
	}
	i.proc = nil
	i.exited = nil
	i.status = StatusStopped
	i.startedAt = time.Time{}
}

func (i *instance) clearTunnel(proc Process) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.tunnel != proc {
		return
	}
	i.tunnel = nil
	i.tunnelExited = nil
	i.tunnelStartedAt = time.Time{}
}

var (
	errNoStdin      = errors.New("process has no stdin")
	errStdinTimeout = errors.New("timed out writing to process stdin")
)

// writeLine sends one newline-terminated line to the process stdin, giving
// up after timeout. A write abandoned on timeout finishes, or fails, once
// the process drains or closes its stdin.
func (i *instance) writeLine(proc Process, line string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-i.startWrite(proc, line):
		return err
	case <-timer.C:
		return errStdinTimeout
	}
}

// startWrite writes line in the background. The result arrives on the
// returned channel, which is never left blocking.
func (i *instance) startWrite(proc Process, line string) <-chan error {
	result := make(chan error, 1)
	go func() {
		i.stdinMu.Lock()
		defer i.stdinMu.Unlock()

		w := proc.Stdin()
		if w == nil {
			result <- errNoStdin
			return
		}
		_, err := io.WriteString(w, line+"\n")
		result <- err
	}()
	return result
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
