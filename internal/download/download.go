// Package download streams remote artifacts to disk with progress reporting.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultBufferSize is the copy buffer used for each transfer
	DefaultBufferSize = 81920
	// DefaultProgressInterval throttles reports when the length is unknown
	DefaultProgressInterval = 250 * time.Millisecond
)

// Progress describes the state of a transfer at one report
type Progress struct {
	Written int64
	// Total is -1 when the response did not declare a length
	Total   int64
	Percent int
}

// Known reports whether the total length is known
func (p Progress) Known() bool {
	return p.Total > 0
}

// String renders the progress as a transcript line
func (p Progress) String() string {
	writtenMB := float64(p.Written) / (1024.0 * 1024.0)
	if p.Known() {
		totalMB := float64(p.Total) / (1024.0 * 1024.0)
		return fmt.Sprintf("<download %d%% (%.2f/%.2f MB)>", p.Percent, writtenMB, totalMB)
	}
	return fmt.Sprintf("<download %.2f MB written>", writtenMB)
}

// ReportFunc receives progress notifications on the downloading goroutine
type ReportFunc func(Progress)

// StatusError is returned when the server answers with a non-2xx status
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %s", e.URL, e.Status)
}

// Manager downloads files over HTTP(S)
type Manager struct {
	client     *http.Client
	bufferSize int
	interval   time.Duration
	userAgent  string
	now        func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithHTTPClient sets the client used for requests
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithBufferSize overrides the copy buffer size
func WithBufferSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.bufferSize = size
		}
	}
}

// WithProgressInterval overrides the unknown-length report interval
func WithProgressInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(m *Manager) {
		m.userAgent = ua
	}
}

// WithClock overrides the time source used for throttling
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a download manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		client:     http.DefaultClient,
		bufferSize: DefaultBufferSize,
		interval:   DefaultProgressInterval,
		userAgent:  "LocalSM",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Download fetches url into dest, creating or truncating it. With a declared
// length, report is called once per whole-percent change; otherwise at most
// once per progress interval. On error the partially written file is left in
// place.
func (m *Manager) Download(ctx context.Context, url, dest string, report ReportFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}

	file, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination: %w", err)
	}

	written, copyErr := m.copy(ctx, file, resp.Body, resp.ContentLength, report)
	closeErr := file.Close()
	if copyErr != nil {
		return written, copyErr
	}
	if closeErr != nil {
		return written, fmt.Errorf("failed to close destination: %w", closeErr)
	}
	return written, nil
}

func (m *Manager) copy(ctx context.Context, dst io.Writer, src io.Reader, total int64, report ReportFunc) (int64, error) {
	if total <= 0 {
		total = -1
	}

	buf := make([]byte, m.bufferSize)
	var written int64
	lastPercent := -1
	var lastReport time.Time

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write failed: %w", err)
			}
			written += int64(n)

			if report != nil {
				if total > 0 {
					percent := int(written * 100 / total)
					if percent > 100 {
						percent = 100
					}
					if percent != lastPercent {
						lastPercent = percent
						report(Progress{Written: written, Total: total, Percent: percent})
					}
				} else if now := m.now(); lastReport.IsZero() || now.Sub(lastReport) > m.interval {
					lastReport = now
					report(Progress{Written: written, Total: -1})
				}
			}
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read failed: %w", readErr)
		}
	}
}
