package console

import (
	"strings"
	"sync"
	"time"
)

// EventKind distinguishes plain output from recognised conditions
type EventKind string

const (
	// EventOutput carries one line of instance output or a lifecycle notice
	EventOutput EventKind = "output"
	// EventLicenseAgreementRequired is raised when the server refuses to run
	// until its EULA is accepted
	EventLicenseAgreementRequired EventKind = "license_agreement_required"
)

// LicenseAgreementLine is the output line that triggers EventLicenseAgreementRequired
const LicenseAgreementLine = "You need to agree to the EULA in order to run the server."

// Event is published to subscribers for every emitted line
type Event struct {
	InstanceID string    `json:"instance_id"`
	Kind       EventKind `json:"kind"`
	Line       string    `json:"line"`
	Time       time.Time `json:"time"`
}

// Handler receives pipeline events. Handlers run on the emitting goroutine.
type Handler func(Event)

// Detector raises an extra event of Kind when Match reports true for a line
type Detector struct {
	Kind  EventKind
	Match func(line string) bool
}

// LicenseAgreementDetector recognises the EULA refusal line
func LicenseAgreementDetector() Detector {
	return Detector{
		Kind: EventLicenseAgreementRequired,
		Match: func(line string) bool {
			return strings.Contains(line, LicenseAgreementLine)
		},
	}
}

type stream struct {
	emitMu sync.Mutex
	buffer *RingBuffer
}

// Pipeline fans emitted lines out to a bounded per-instance transcript and to
// subscribers, synchronously and in emission order per instance.
type Pipeline struct {
	maxLines  int
	detectors []Detector
	now       func() time.Time

	mu          sync.RWMutex
	streams     map[string]*stream
	subscribers map[uint64]Handler
	nextID      uint64
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithDetectors replaces the default condition detectors
func WithDetectors(detectors ...Detector) Option {
	return func(p *Pipeline) {
		p.detectors = detectors
	}
}

// WithClock overrides the event timestamp source
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline creates a pipeline keeping at most maxLines per instance
func NewPipeline(maxLines int, opts ...Option) *Pipeline {
	if maxLines <= 0 {
		maxLines = 1000
	}
	p := &Pipeline{
		maxLines:    maxLines,
		detectors:   []Detector{LicenseAgreementDetector()},
		now:         time.Now,
		streams:     make(map[string]*stream),
		subscribers: make(map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit appends line to the instance transcript and publishes it. Safe for
// concurrent producers; events for one instance are delivered in the order
// they were appended.
func (p *Pipeline) Emit(instanceID, line string) {
	s := p.stream(instanceID)

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.buffer.Add(line)

	at := p.now()
	handlers := p.snapshot()
	publish(handlers, Event{InstanceID: instanceID, Kind: EventOutput, Line: line, Time: at})

	for _, detector := range p.detectors {
		if detector.Match != nil && detector.Match(line) {
			publish(handlers, Event{InstanceID: instanceID, Kind: detector.Kind, Line: line, Time: at})
		}
	}
}

// Subscribe registers fn for every future event and returns a function that
// removes it.
func (p *Pipeline) Subscribe(fn Handler) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subscribers[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subscribers, id)
			p.mu.Unlock()
		})
	}
}

// Transcript returns the last n buffered lines for an instance (all when n <= 0)
func (p *Pipeline) Transcript(instanceID string, n int) []string {
	p.mu.RLock()
	s, ok := p.streams[instanceID]
	p.mu.RUnlock()
	if !ok {
		return []string{}
	}
	return s.buffer.GetLast(n)
}

// TranscriptText renders the buffered transcript, each line newline-terminated
func (p *Pipeline) TranscriptText(instanceID string) string {
	lines := p.Transcript(instanceID, 0)
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Forget drops the buffered transcript of a removed instance
func (p *Pipeline) Forget(instanceID string) {
	p.mu.Lock()
	delete(p.streams, instanceID)
	p.mu.Unlock()
}

// SubscriberCount reports the number of registered subscribers
func (p *Pipeline) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}

func (p *Pipeline) stream(instanceID string) *stream {
	p.mu.RLock()
	s, ok := p.streams[instanceID]
	p.mu.RUnlock()
	if ok {
		return s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok = p.streams[instanceID]; ok {
		return s
	}
	s = &stream{buffer: NewRingBuffer(p.maxLines)}
	p.streams[instanceID] = s
	return s
}

func (p *Pipeline) snapshot() []Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	handlers := make([]Handler, 0, len(p.subscribers))
	for _, h := range p.subscribers {
		handlers = append(handlers, h)
	}
	return handlers
}

func publish(handlers []Handler, event Event) {
	for _, h := range handlers {
		h(event)
	}
}
