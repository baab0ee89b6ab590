package download

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestDownloadKnownLengthReportsEachPercentOnce(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "nested", "server.jar")
	m := NewManager(WithBufferSize(7))

	var reports []Progress
	written, err := m.Download(context.Background(), srv.URL, dest, func(p Progress) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if written != int64(len(payload)) {
		t.Fatalf("expected %d bytes, got %d", len(payload), written)
	}

	data, err := os.ReadFile(dest)
	if err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("destination content mismatch: %v", err)
	}

	if len(reports) == 0 || reports[len(reports)-1].Percent != 100 {
		t.Fatalf("expected final report at 100%%, got %+v", reports)
	}
	seen := map[int]bool{}
	last := -1
	for _, p := range reports {
		if seen[p.Percent] {
			t.Fatalf("percent %d reported twice", p.Percent)
		}
		if p.Percent <= last {
			t.Fatalf("percent went backwards: %d after %d", p.Percent, last)
		}
		seen[p.Percent] = true
		last = p.Percent
	}
}

func TestDownloadUnknownLengthIsThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 10; i++ {
			w.Write(bytes.Repeat([]byte("y"), 100))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	clock := time.Unix(0, 0)
	calls := 0
	m := NewManager(WithBufferSize(50), WithClock(func() time.Time {
		calls++
		clock = clock.Add(100 * time.Millisecond)
		return clock
	}))

	var reports []Progress
	written, err := m.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "a.jar"), func(p Progress) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if written != 1000 {
		t.Fatalf("expected 1000 bytes, got %d", written)
	}
	if len(reports) == 0 {
		t.Fatalf("expected at least one report")
	}
	for _, p := range reports {
		if p.Known() {
			t.Fatalf("expected unknown-length reports, got %+v", p)
		}
	}
	// the fake clock advances 100ms per read, so at most every third read reports
	if max := calls/3 + 1; len(reports) > max {
		t.Fatalf("expected at most %d reports for %d reads, got %d", max, calls, len(reports))
	}
}

func TestDownloadStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "server.jar")
	_, err := NewManager().Download(context.Background(), srv.URL, dest, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status error, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected no destination file on status error")
	}
}

func TestDownloadCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewManager().Download(ctx, srv.URL, filepath.Join(t.TempDir(), "x"), nil); err == nil {
		t.Fatalf("expected cancelled download to fail")
	}
}

func TestProgressString(t *testing.T) {
	known := Progress{Written: 1572864, Total: 3145728, Percent: 50}
	if got := known.String(); got != "<download 50% (1.50/3.00 MB)>" {
		t.Fatalf("unexpected known progress line %q", got)
	}
	unknown := Progress{Written: 524288, Total: -1}
	if got := unknown.String(); got != "<download 0.50 MB written>" {
		t.Fatalf("unexpected unknown progress line %q", got)
	}
}
