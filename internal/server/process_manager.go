package server

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// maxPendingLine bounds how much unterminated output is buffered before it
// is forwarded as a line of its own.
const maxPendingLine = 64 * 1024

// LaunchSpec describes a child process to spawn.
type LaunchSpec struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// Stdin requests a writable stdin pipe.
	Stdin bool
}

// Process is a running child process.
type Process interface {
	Pid() int
	// Stdin returns nil when the process was launched without a stdin pipe.
	Stdin() io.Writer
	// Wait blocks until the process exits and its output has been copied.
	Wait() error
	Kill() error
}

// Launcher spawns child processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher launches processes on the local machine with os/exec.
type ExecLauncher struct {
	// WaitDelay bounds how long Wait keeps copying output after the process
	// exits, for grandchildren that inherited the pipes.
	WaitDelay time.Duration
}

// Launch starts the process described by spec.
func (l ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdin io.WriteCloser
	if spec.Stdin {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdin = pipe
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdin() io.Writer {
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Kill()
}

// lineWriter splits a byte stream into lines and hands each one to emit.
// A trailing carriage return is dropped so CRLF output arrives unchanged.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(w.buf[:idx], []byte{'\r'})
		w.emit(string(line))
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) > maxPendingLine {
		w.emit(string(w.buf))
		w.buf = nil
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Flush forwards any buffered partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(bytes.TrimSuffix(w.buf, []byte{'\r'})))
	}
	w.buf = nil
}
