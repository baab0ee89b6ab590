package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Auth     AuthConfig     `yaml:"auth" json:"auth"`
	Security SecurityConfig `yaml:"security" json:"security"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Runtime  RuntimeConfig  `yaml:"runtime" json:"runtime"`
	Tunnel   TunnelConfig   `yaml:"tunnel" json:"tunnel"`
	Download DownloadConfig `yaml:"download" json:"download"`
	Console  ConsoleConfig  `yaml:"console" json:"console"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Backup   BackupConfig   `yaml:"backup" json:"backup"`
	Watcher  WatcherConfig  `yaml:"watcher" json:"watcher"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string    `yaml:"host" json:"host"`
	Port int       `yaml:"port" json:"port"`
	TLS  TLSConfig `yaml:"tls" json:"tls"`
}

// TLSConfig contains TLS/HTTPS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
	// SelfSigned generates cert_file and key_file when both are missing
	SelfSigned bool `yaml:"self_signed" json:"self_signed"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path           string `yaml:"path" json:"path"`
	MaxConnections int    `yaml:"max_connections" json:"max_connections"`
}

// AuthConfig contains operator authentication settings
type AuthConfig struct {
	JWTSecret            string `yaml:"jwt_secret" json:"jwt_secret"`
	AccessTokenDuration  string `yaml:"access_token_duration" json:"access_token_duration"`
	OperatorUsername     string `yaml:"operator_username" json:"operator_username"`
	OperatorPasswordHash string `yaml:"operator_password_hash" json:"-"`
	BcryptCost           int    `yaml:"bcrypt_cost" json:"bcrypt_cost"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors" json:"cors"`
	SSH       SSHConfig       `yaml:"ssh" json:"ssh"`
}

// RateLimitConfig contains rate limiting settings
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int  `yaml:"burst" json:"burst"`
}

// CORSConfig contains CORS settings
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
}

// SSHConfig contains SSH settings used by SFTP backup destinations
type SSHConfig struct {
	KnownHostsPath  string `yaml:"known_hosts_path" json:"known_hosts_path"`
	TrustOnFirstUse bool   `yaml:"trust_on_first_use" json:"trust_on_first_use"`
}

// StorageConfig contains storage paths
type StorageConfig struct {
	ServersDir string `yaml:"servers_dir" json:"servers_dir"`
	DataDir    string `yaml:"data_dir" json:"data_dir"`
	BackupDir  string `yaml:"backup_dir" json:"backup_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	// ActivityRetentionDays bounds the activity log; 0 keeps everything
	ActivityRetentionDays int `yaml:"activity_retention_days" json:"activity_retention_days"`
}

// RuntimeConfig describes how instance processes are launched and stopped
type RuntimeConfig struct {
	JavaPath          string   `yaml:"java_path" json:"java_path"`
	JVMArgs           []string `yaml:"jvm_args" json:"jvm_args"`
	ServerArgs        []string `yaml:"server_args" json:"server_args"`
	ArtifactName      string   `yaml:"artifact_name" json:"artifact_name"`
	ArtifactExtension string   `yaml:"artifact_extension" json:"artifact_extension"`
	StopCommand       string   `yaml:"stop_command" json:"stop_command"`
	StopTimeout       string   `yaml:"stop_timeout" json:"stop_timeout"`
	DeleteStopTimeout string   `yaml:"delete_stop_timeout" json:"delete_stop_timeout"`
	ProbeTimeout      string   `yaml:"probe_timeout" json:"probe_timeout"`
	CommandTimeout    string   `yaml:"command_timeout" json:"command_timeout"`
}

// TunnelConfig contains settings for the per-instance tunnel process
type TunnelConfig struct {
	DefaultCommand string `yaml:"default_command" json:"default_command"`
	StatusURL      string `yaml:"status_url" json:"status_url"`
	PollAttempts   int    `yaml:"poll_attempts" json:"poll_attempts"`
	PollInterval   string `yaml:"poll_interval" json:"poll_interval"`
	RequestTimeout string `yaml:"request_timeout" json:"request_timeout"`
	LinePrefix     string `yaml:"line_prefix" json:"line_prefix"`

	// AuthTokenArgs precede the token when registering an authtoken with the
	// tunnel executable.
	AuthTokenArgs []string `yaml:"authtoken_args" json:"authtoken_args"`
}

// DownloadConfig contains artifact download settings
type DownloadConfig struct {
	BufferSize       int    `yaml:"buffer_size" json:"buffer_size"`
	ProgressInterval string `yaml:"progress_interval" json:"progress_interval"`
	Timeout          string `yaml:"timeout" json:"timeout"`
}

// ConsoleConfig contains transcript settings
type ConsoleConfig struct {
	MaxLines      int    `yaml:"max_lines" json:"max_lines"`
	BacklogLines  int    `yaml:"backlog_lines" json:"backlog_lines"`
	ExportEnabled bool   `yaml:"export_enabled" json:"export_enabled"`
	ExportDir     string `yaml:"export_dir" json:"export_dir"`
	ExportMaxSize int    `yaml:"export_max_size" json:"export_max_size"` // megabytes
	ExportBackups int    `yaml:"export_backups" json:"export_backups"`
}

// MetricsConfig contains metrics collection settings
type MetricsConfig struct {
	Enabled         bool `yaml:"enabled" json:"enabled"`
	DefaultInterval int  `yaml:"default_interval" json:"default_interval"` // seconds
	RetentionDays   int  `yaml:"retention_days" json:"retention_days"`
}

// BackupConfig contains backup destinations and schedules
type BackupConfig struct {
	StagingDir   string                       `yaml:"staging_dir" json:"staging_dir"`
	Compression  string                       `yaml:"compression" json:"compression"`
	Destinations map[string]BackupDestination `yaml:"destinations" json:"destinations"`
	Schedules    []BackupSchedule             `yaml:"schedules" json:"schedules"`
}

// BackupDestination represents a backup storage destination
type BackupDestination struct {
	Type string `yaml:"type" json:"type"` // "local", "sftp", "s3"
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
	KeyPath  string `yaml:"key_path,omitempty" json:"key_path,omitempty"`

	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty" json:"-"`
	SecretKey string `yaml:"secret_key,omitempty" json:"-"`
}

// BackupSchedule runs backups for a set of instances on a cron expression
type BackupSchedule struct {
	Name           string   `yaml:"name" json:"name"`
	Cron           string   `yaml:"cron" json:"cron"`
	Servers        []string `yaml:"servers" json:"servers"`
	Destination    string   `yaml:"destination" json:"destination"`
	RetentionCount int      `yaml:"retention_count" json:"retention_count"`
}

// WatcherConfig controls the servers directory watcher
type WatcherConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Debounce string `yaml:"debounce" json:"debounce"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path:           "./data/localsm.db",
			MaxConnections: 25,
		},
		Auth: AuthConfig{
			JWTSecret:           "change-me-in-production",
			AccessTokenDuration: "12h",
			OperatorUsername:    "admin",
			BcryptCost:          12,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost:5173"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			},
			SSH: SSHConfig{
				TrustOnFirstUse: true,
			},
		},
		Storage: StorageConfig{
			ServersDir: "./servers",
			DataDir:    "./data",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,

			ActivityRetentionDays: 90,
		},
		Runtime: RuntimeConfig{
			JavaPath:          "java",
			JVMArgs:           []string{"-Xms512M", "-Xmx1024M"},
			ServerArgs:        []string{"nogui"},
			ArtifactName:      "server.jar",
			ArtifactExtension: ".jar",
			StopCommand:       "stop",
			StopTimeout:       "10s",
			DeleteStopTimeout: "5s",
			ProbeTimeout:      "2s",
			CommandTimeout:    "5s",
		},
		Tunnel: TunnelConfig{
			DefaultCommand: "ngrok tcp 25565",
			StatusURL:      "http://127.0.0.1:4040/api/tunnels",
			PollAttempts:   10,
			PollInterval:   "500ms",
			RequestTimeout: "1s",
			LinePrefix:     "[ngrok] ",
			AuthTokenArgs:  []string{"config", "add-authtoken"},
		},
		Download: DownloadConfig{
			BufferSize:       81920,
			ProgressInterval: "250ms",
			Timeout:          "30m",
		},
		Console: ConsoleConfig{
			MaxLines:      1000,
			BacklogLines:  200,
			ExportMaxSize: 10,
			ExportBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			DefaultInterval: 30,
			RetentionDays:   2,
		},
		Backup: BackupConfig{
			Compression: "gzip",
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: "1s",
		},
	}
}

// Load loads configuration from file and environment variables and validates it
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Read loads configuration without validating the auth section. Offline
// commands that never serve the API use it. A missing file yields defaults.
func Read() (*Config, error) {
	cfg := Default()
	configPath := GetConfigPath()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	cfg.applyEnv()
	cfg.normalizeStoragePaths(configPath)
	return cfg, nil
}

// envOverrides maps environment variables onto config fields. Empty values
// are ignored.
func (c *Config) envOverrides() map[string]*string {
	return map[string]*string{
		"JWT_SECRET":             &c.Auth.JWTSecret,
		"OPERATOR_PASSWORD_HASH": &c.Auth.OperatorPasswordHash,
		"DATABASE_PATH":          &c.Database.Path,
		"DATA_DIR":               &c.Storage.DataDir,
		"SERVERS_DIR":            &c.Storage.ServersDir,
		"BACKUP_DIR":             &c.Storage.BackupDir,
		"KNOWN_HOSTS_PATH":       &c.Security.SSH.KnownHostsPath,
		"LOG_LEVEL":              &c.Logging.Level,
		"TUNNEL_COMMAND":         &c.Tunnel.DefaultCommand,
		"JAVA_PATH":              &c.Runtime.JavaPath,
	}
}

func (c *Config) applyEnv() {
	for key, field := range c.envOverrides() {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			*field = value
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET must be set to a secure value")
	}

	// Check for unexpanded environment variables
	if strings.HasPrefix(c.Auth.JWTSecret, "${") {
		return fmt.Errorf("JWT_SECRET contains unexpanded environment variable")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS is enabled but cert_file or key_file is missing")
		}
	}

	if c.Auth.BcryptCost < 10 || c.Auth.BcryptCost > 14 {
		return fmt.Errorf("bcrypt_cost must be between 10 and 14")
	}

	if strings.TrimSpace(c.Runtime.ArtifactName) == "" {
		return fmt.Errorf("runtime.artifact_name must not be empty")
	}

	if c.Tunnel.PollAttempts < 0 {
		return fmt.Errorf("tunnel.poll_attempts must not be negative")
	}

	for name, dest := range c.Backup.Destinations {
		switch dest.Type {
		case "local", "sftp", "s3":
		default:
			return fmt.Errorf("backup destination %q has unsupported type %q", name, dest.Type)
		}
	}

	for _, schedule := range c.Backup.Schedules {
		if _, ok := c.Backup.Destinations[schedule.Destination]; !ok {
			return fmt.Errorf("backup schedule %q references unknown destination %q", schedule.Name, schedule.Destination)
		}
	}

	return nil
}

// ParseDuration parses a configured duration, falling back when the value is
// empty or invalid.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// ManifestPath returns the path of the instance manifest
func (c *Config) ManifestPath() string {
	return filepath.Join(c.Storage.ServersDir, "servers.json")
}

func resolveConfigPath() string {
	candidates := []string{"../configs/config.yaml", "./configs/config.yaml"}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return "./configs/config.yaml"
}

// GetConfigPath returns the resolved config path
func GetConfigPath() string {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = resolveConfigPath()
	}
	return configPath
}

// normalizeStoragePaths fills unset paths from the data directory and makes
// every path absolute. Relative paths are taken from the project root: the
// parent of a "configs" directory, else the directory holding the config file.
func (c *Config) normalizeStoragePaths(configPath string) {
	root, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		root = filepath.Dir(configPath)
	}
	if filepath.Base(root) == "configs" {
		root = filepath.Dir(root)
	}

	resolvePath := func(value string) string {
		value = strings.TrimSpace(value)
		switch {
		case value == "":
			return ""
		case filepath.IsAbs(value):
			return filepath.Clean(value)
		default:
			return filepath.Join(root, value)
		}
	}
	// fill sets an unset path to def and resolves it
	fill := func(field *string, def string) {
		if strings.TrimSpace(*field) == "" {
			*field = def
		}
		*field = resolvePath(*field)
	}

	fill(&c.Storage.DataDir, filepath.Join(root, "data"))
	fill(&c.Storage.ServersDir, filepath.Join(root, "servers"))

	data := c.Storage.DataDir
	fill(&c.Storage.BackupDir, filepath.Join(data, "backups"))
	fill(&c.Database.Path, filepath.Join(data, "localsm.db"))
	fill(&c.Console.ExportDir, filepath.Join(data, "transcripts"))
	fill(&c.Backup.StagingDir, filepath.Join(data, "staging"))
	fill(&c.Security.SSH.KnownHostsPath, filepath.Join(data, "known_hosts"))

	var certDefault, keyDefault string
	if c.Server.TLS.SelfSigned {
		certDefault = filepath.Join(data, "tls", "cert.pem")
		keyDefault = filepath.Join(data, "tls", "key.pem")
	}
	fill(&c.Server.TLS.CertFile, certDefault)
	fill(&c.Server.TLS.KeyFile, keyDefault)

	for name, dest := range c.Backup.Destinations {
		if dest.Type != "local" {
			continue
		}
		fill(&dest.Path, c.Storage.BackupDir)
		c.Backup.Destinations[name] = dest
	}
}
