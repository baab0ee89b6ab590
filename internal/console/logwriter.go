package console

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// TranscriptWriterConfig contains configuration for transcript export files
type TranscriptWriterConfig struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
}

// TranscriptWriter persists every pipeline event to a rotated file per
// instance. It is the only place the full transcript history is kept.
type TranscriptWriter struct {
	cfg     TranscriptWriterConfig
	mu      sync.Mutex
	writers map[string]*lumberjack.Logger
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// NewTranscriptWriter creates a transcript writer rooted at cfg.Dir
func NewTranscriptWriter(cfg TranscriptWriterConfig) (*TranscriptWriter, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	log.Printf("[TranscriptWriter] Writing transcripts to %s", cfg.Dir)
	return &TranscriptWriter{
		cfg:     cfg,
		writers: make(map[string]*lumberjack.Logger),
	}, nil
}

// Attach subscribes the writer to a pipeline
func (tw *TranscriptWriter) Attach(p *Pipeline) func() {
	return p.Subscribe(tw.Handle)
}

// Handle writes one event. Only output events are persisted.
func (tw *TranscriptWriter) Handle(event Event) {
	if event.Kind != EventOutput {
		return
	}
	if err := tw.WriteLine(event.InstanceID, event.Time, event.Line); err != nil {
		log.Printf("[TranscriptWriter] Failed to write line for %s: %v", event.InstanceID, err)
	}
}

// WriteLine appends a timestamped line to the instance transcript file
func (tw *TranscriptWriter) WriteLine(instanceID string, at time.Time, line string) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	w := tw.writerLocked(instanceID)
	_, err := fmt.Fprintf(w, "[%s] %s\n", at.Format("2006-01-02 15:04:05"), line)
	if err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

// Path returns the active transcript file path for an instance
func (tw *TranscriptWriter) Path(instanceID string) string {
	name := unsafeFileChars.ReplaceAllString(instanceID, "_")
	return filepath.Join(tw.cfg.Dir, name, "console.log")
}

// Remove closes and deletes every transcript file of an instance
func (tw *TranscriptWriter) Remove(instanceID string) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if w, ok := tw.writers[instanceID]; ok {
		w.Close()
		delete(tw.writers, instanceID)
	}
	return os.RemoveAll(filepath.Dir(tw.Path(instanceID)))
}

// Close closes all open transcript files
func (tw *TranscriptWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	var firstErr error
	for id, w := range tw.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(tw.writers, id)
	}
	return firstErr
}

func (tw *TranscriptWriter) writerLocked(instanceID string) *lumberjack.Logger {
	if w, ok := tw.writers[instanceID]; ok {
		return w
	}
	w := &lumberjack.Logger{
		Filename:   tw.Path(instanceID),
		MaxSize:    tw.cfg.MaxSizeMB,
		MaxBackups: tw.cfg.MaxBackups,
		Compress:   true,
	}
	tw.writers[instanceID] = w
	return w
}
