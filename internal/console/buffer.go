package console

import (
	"regexp"
	"strings"
	"sync"
)

// RingBuffer keeps the most recent lines of one transcript.
type RingBuffer struct {
	mu    sync.RWMutex
	slots []string
	next  int // slot the next line is written to
	size  int
}

// CSI sequences, charset selection and keypad mode switches
var ansiEscapePattern = regexp.MustCompile(`\x1b(\[[0-9;?!]*[A-Za-z>hp]|\([B0]|[=>])`)

// NewRingBuffer returns a buffer holding up to capacity lines. A capacity
// below one is raised to one.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{slots: make([]string, max(capacity, 1))}
}

// Add appends a line, evicting the oldest once the buffer is full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	rb.slots[rb.next] = line
	rb.next = (rb.next + 1) % len(rb.slots)
	if rb.size < len(rb.slots) {
		rb.size++
	}
	rb.mu.Unlock()
}

// GetLines returns the buffered lines, oldest first. The slice is a copy.
func (rb *RingBuffer) GetLines() []string {
	return rb.GetLast(0)
}

// GetLast returns up to n of the newest lines, oldest first. n <= 0 returns
// everything.
func (rb *RingBuffer) GetLast(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.size {
		n = rb.size
	}
	out := make([]string, n)
	start := rb.next - n
	if start < 0 {
		start += len(rb.slots)
	}
	for i := range out {
		out[i] = rb.slots[(start+i)%len(rb.slots)]
	}
	return out
}

func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// SanitizeLine removes terminal escape sequences and every control
// character except tab.
func SanitizeLine(line string) string {
	if line == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if r != '\t' && (r < 0x20 || r == 0x7f) {
			return -1
		}
		return r
	}, ansiEscapePattern.ReplaceAllString(line, ""))
}
