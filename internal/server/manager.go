package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TheGojiOG/LocalSM/internal/config"
	"github.com/TheGojiOG/LocalSM/internal/console"
	"github.com/TheGojiOG/LocalSM/internal/download"
)

// DiscoveryInstanceID tags events emitted by discovery when no real
// instance applies.
const DiscoveryInstanceID = "(discovery)"

// Settings controls how the Manager launches, stops and tunnels servers.
type Settings struct {
	BaseDir string

	JavaPath          string
	JVMArgs           []string
	ServerArgs        []string
	ArtifactName      string
	ArtifactExtension string
	StopCommand       string
	StopTimeout       time.Duration
	DeleteStopTimeout time.Duration
	ProbeTimeout      time.Duration
	// CommandTimeout bounds a console command write to a stalled stdin
	CommandTimeout time.Duration

	TunnelCommand        string
	TunnelStatusURL      string
	TunnelPollAttempts   int
	TunnelPollInterval   time.Duration
	TunnelRequestTimeout time.Duration
	TunnelLinePrefix     string
	TunnelAuthTokenArgs  []string

	DownloadTimeout time.Duration
}

// DefaultSettings returns the stock settings rooted at baseDir.
func DefaultSettings(baseDir string) Settings {
	return SettingsFromConfig(withServersDir(config.Default(), baseDir))
}

func withServersDir(cfg *config.Config, dir string) *config.Config {
	cfg.Storage.ServersDir = dir
	return cfg
}

// SettingsFromConfig maps the application config onto manager settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		BaseDir:              cfg.Storage.ServersDir,
		JavaPath:             cfg.Runtime.JavaPath,
		JVMArgs:              append([]string(nil), cfg.Runtime.JVMArgs...),
		ServerArgs:           append([]string(nil), cfg.Runtime.ServerArgs...),
		ArtifactName:         cfg.Runtime.ArtifactName,
		ArtifactExtension:    cfg.Runtime.ArtifactExtension,
		StopCommand:          cfg.Runtime.StopCommand,
		StopTimeout:          config.ParseDuration(cfg.Runtime.StopTimeout, 10*time.Second),
		DeleteStopTimeout:    config.ParseDuration(cfg.Runtime.DeleteStopTimeout, 5*time.Second),
		ProbeTimeout:         config.ParseDuration(cfg.Runtime.ProbeTimeout, 2*time.Second),
		CommandTimeout:       config.ParseDuration(cfg.Runtime.CommandTimeout, 5*time.Second),
		TunnelCommand:        cfg.Tunnel.DefaultCommand,
		TunnelStatusURL:      cfg.Tunnel.StatusURL,
		TunnelPollAttempts:   cfg.Tunnel.PollAttempts,
		TunnelPollInterval:   config.ParseDuration(cfg.Tunnel.PollInterval, 500*time.Millisecond),
		TunnelRequestTimeout: config.ParseDuration(cfg.Tunnel.RequestTimeout, time.Second),
		TunnelLinePrefix:     cfg.Tunnel.LinePrefix,
		TunnelAuthTokenArgs:  append([]string(nil), cfg.Tunnel.AuthTokenArgs...),
		DownloadTimeout:      config.ParseDuration(cfg.Download.Timeout, 30*time.Minute),
	}
}

// Downloader fetches a URL into a file, reporting progress.
type Downloader interface {
	Download(ctx context.Context, url, dest string, report download.ReportFunc) (int64, error)
}

// Manager owns the registry of server instances and their processes.
type Manager struct {
	settings   Settings
	pipeline   *console.Pipeline
	launcher   Launcher
	runner     CommandRunner
	downloader Downloader
	httpClient *http.Client
	now        func() time.Time
	onRemove   []func(id string)

	mu        sync.RWMutex
	instances []*instance

	saveMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) {
		if l != nil {
			m.launcher = l
		}
	}
}

// WithCommandRunner replaces the runner used for probes and authtoken setup.
func WithCommandRunner(r CommandRunner) Option {
	return func(m *Manager) {
		if r != nil {
			m.runner = r
		}
	}
}

// WithDownloader replaces the artifact downloader.
func WithDownloader(d Downloader) Option {
	return func(m *Manager) {
		if d != nil {
			m.downloader = d
		}
	}
}

// WithHTTPClient sets the client used to query the tunnel status API.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRemoveHook registers fn to run after an instance is deleted.
func WithRemoveHook(fn func(id string)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.onRemove = append(m.onRemove, fn)
		}
	}
}

// NewManager creates a manager rooted at settings.BaseDir, creating the
// directory if needed. pipeline may be nil, in which case events are dropped.
func NewManager(settings Settings, pipeline *console.Pipeline, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(settings.BaseDir) == "" {
		return nil, fmt.Errorf("%w: base directory is required", ErrValidation)
	}
	base, err := filepath.Abs(settings.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	settings.BaseDir = base
	if settings.CommandTimeout <= 0 {
		settings.CommandTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("%w: create base directory: %v", ErrIO, err)
	}

	m := &Manager{
		settings:   settings,
		pipeline:   pipeline,
		launcher:   ExecLauncher{},
		runner:     ExecCommandRunner{},
		downloader: download.NewManager(),
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// BaseDir returns the absolute directory holding all server folders.
func (m *Manager) BaseDir() string {
	return m.settings.BaseDir
}

// Settings returns a copy of the manager settings.
func (m *Manager) Settings() Settings {
	return m.settings
}

// List returns a snapshot of every registered instance in registry order.
func (m *Manager) List() []InstanceInfo {
	m.mu.RLock()
	instances := append([]*instance(nil), m.instances...)
	m.mu.RUnlock()

	infos := make([]InstanceInfo, 0, len(instances))
	for _, inst := range instances {
		infos = append(infos, inst.info())
	}
	return infos
}

// Get returns the instance with the given name, or failing that, id.
func (m *Manager) Get(nameOrID string) (InstanceInfo, error) {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return InstanceInfo{}, err
	}
	return inst.info(), nil
}

// Transcript returns the last n output lines of an instance (all when n <= 0).
func (m *Manager) Transcript(nameOrID string, n int) ([]string, error) {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return nil, err
	}
	if m.pipeline == nil {
		return nil, nil
	}
	return m.pipeline.Transcript(inst.id, n), nil
}

// lookup resolves an exact name first and an id second.
func (m *Manager) lookup(nameOrID string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inst := range m.instances {
		if inst.getName() == nameOrID {
			return inst, nil
		}
	}
	for _, inst := range m.instances {
		if inst.id == nameOrID {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
}

func (m *Manager) snapshot() []*instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*instance(nil), m.instances...)
}

func (m *Manager) emit(instanceID, line string) {
	if m.pipeline != nil {
		m.pipeline.Emit(instanceID, line)
	}
}

// StopAll stops every tunnel and server process.
func (m *Manager) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range m.snapshot() {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			inst.tunnelMu.Lock()
			m.stopTunnelLocked(inst)
			inst.tunnelMu.Unlock()

			inst.opMu.Lock()
			m.stopLocked(ctx, inst, m.settings.StopTimeout)
			inst.opMu.Unlock()
		}(inst)
	}
	wg.Wait()
	log.Printf("[Lifecycle] All server processes stopped")
}
