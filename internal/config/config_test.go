package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveConfigPathPrefersParentConfigs(t *testing.T) {
	root := t.TempDir()
	configsDir := filepath.Join(root, "configs")
	if err := os.MkdirAll(configsDir, 0755); err != nil {
		t.Fatalf("failed to create configs dir: %v", err)
	}
	configPath := filepath.Join(configsDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  host: 0.0.0.0\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	backendDir := filepath.Join(root, "backend")
	if err := os.MkdirAll(backendDir, 0755); err != nil {
		t.Fatalf("failed to create backend dir: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get cwd: %v", err)
	}
	defer func() {
		_ = os.Chdir(cwd)
	}()

	if err := os.Chdir(backendDir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}

	resolved := resolveConfigPath()
	if resolved != "../configs/config.yaml" {
		t.Fatalf("expected ../configs/config.yaml, got %s", resolved)
	}
}

func TestResolveConfigPathUsesLocalConfigs(t *testing.T) {
	root := t.TempDir()
	configsDir := filepath.Join(root, "configs")
	if err := os.MkdirAll(configsDir, 0755); err != nil {
		t.Fatalf("failed to create configs dir: %v", err)
	}
	configPath := filepath.Join(configsDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  host: 0.0.0.0\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get cwd: %v", err)
	}
	defer func() {
		_ = os.Chdir(cwd)
	}()

	if err := os.Chdir(root); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}

	resolved := resolveConfigPath()
	if resolved != "./configs/config.yaml" {
		t.Fatalf("expected ./configs/config.yaml, got %s", resolved)
	}
}

func TestNormalizeStoragePathsDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.normalizeStoragePaths("configs/config.yaml")

	if cfg.Storage.DataDir == "" {
		t.Fatalf("expected DataDir to be set")
	}
	if cfg.Storage.ServersDir == "" {
		t.Fatalf("expected ServersDir to be set")
	}
	if cfg.Storage.BackupDir == "" {
		t.Fatalf("expected BackupDir to be set")
	}
	if cfg.Database.Path == "" {
		t.Fatalf("expected Database.Path to be set")
	}
	if cfg.Console.ExportDir == "" {
		t.Fatalf("expected Console.ExportDir to be set")
	}
	if cfg.Security.SSH.KnownHostsPath == "" {
		t.Fatalf("expected KnownHostsPath to be set")
	}
	if !filepath.IsAbs(cfg.Storage.ServersDir) {
		t.Fatalf("expected absolute ServersDir, got %s", cfg.Storage.ServersDir)
	}
}

func TestNormalizeStoragePathsLocalDestination(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		Backup: BackupConfig{
			Destinations: map[string]BackupDestination{
				"disk":   {Type: "local"},
				"bucket": {Type: "s3", Bucket: "b"},
			},
		},
	}
	cfg.normalizeStoragePaths(filepath.Join(root, "configs", "config.yaml"))

	disk := cfg.Backup.Destinations["disk"]
	if disk.Path != filepath.Join(root, "data", "backups") {
		t.Fatalf("expected local destination to default to backup dir, got %s", disk.Path)
	}
	if cfg.Backup.Destinations["bucket"].Path != "" {
		t.Fatalf("expected s3 destination path untouched")
	}
}

func TestNormalizeStoragePathsSelfSignedTLS(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{Server: ServerConfig{TLS: TLSConfig{Enabled: true, SelfSigned: true}}}
	cfg.normalizeStoragePaths(filepath.Join(root, "configs", "config.yaml"))

	if cfg.Server.TLS.CertFile != filepath.Join(root, "data", "tls", "cert.pem") {
		t.Fatalf("unexpected cert path %s", cfg.Server.TLS.CertFile)
	}
	if cfg.Server.TLS.KeyFile != filepath.Join(root, "data", "tls", "key.pem") {
		t.Fatalf("unexpected key path %s", cfg.Server.TLS.KeyFile)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, "configs", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		t.Fatalf("failed to create configs dir: %v", err)
	}
	data := []byte("auth:\n  jwt_secret: from-file-secret\nruntime:\n  stop_timeout: 3s\ntunnel:\n  poll_attempts: 4\n")
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("CONFIG_PATH", configPath)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("TUNNEL_COMMAND", "ngrok tcp 25566")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-file-secret" {
		t.Fatalf("expected secret from file, got %q", cfg.Auth.JWTSecret)
	}
	if got := ParseDuration(cfg.Runtime.StopTimeout, time.Minute); got != 3*time.Second {
		t.Fatalf("expected 3s stop timeout, got %s", got)
	}
	if cfg.Tunnel.PollAttempts != 4 {
		t.Fatalf("expected 4 poll attempts, got %d", cfg.Tunnel.PollAttempts)
	}
	if cfg.Tunnel.DefaultCommand != "ngrok tcp 25566" {
		t.Fatalf("expected tunnel command from env, got %q", cfg.Tunnel.DefaultCommand)
	}
	if cfg.Runtime.ArtifactName != "server.jar" {
		t.Fatalf("expected default artifact name, got %q", cfg.Runtime.ArtifactName)
	}
	if cfg.ManifestPath() != filepath.Join(root, "servers", "servers.json") {
		t.Fatalf("unexpected manifest path %s", cfg.ManifestPath())
	}
}

func TestReadDefaultsNeedSecretFromEnv(t *testing.T) {
	root := t.TempDir()
	t.Setenv("CONFIG_PATH", filepath.Join(root, "missing.yaml"))
	t.Setenv("JWT_SECRET", "")

	cfg, err := Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cfg.Auth.JWTSecret != "change-me-in-production" {
		t.Fatalf("expected placeholder secret, got %q", cfg.Auth.JWTSecret)
	}
	if got := ParseDuration(cfg.Runtime.CommandTimeout, time.Minute); got != 5*time.Second {
		t.Fatalf("expected 5s command timeout, got %s", got)
	}
	if _, err := Load(); err == nil {
		t.Fatalf("expected Load to reject the placeholder secret")
	}

	t.Setenv("JWT_SECRET", "env-secret")
	cfg, err = Load()
	if err != nil || cfg.Auth.JWTSecret != "env-secret" {
		t.Fatalf("expected secret from env, got %v %v", cfg, err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "change-me-in-production"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected default secret to be rejected")
	}

	cfg.Auth.JWTSecret = "${JWT_SECRET}"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unexpanded secret to be rejected")
	}

	cfg.Auth.JWTSecret = "a-real-secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.Backup.Destinations = map[string]BackupDestination{"ftp": {Type: "ftp"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported destination type to be rejected")
	}

	cfg.Backup.Destinations = map[string]BackupDestination{"disk": {Type: "local"}}
	cfg.Backup.Schedules = []BackupSchedule{{Name: "nightly", Cron: "0 3 * * *", Destination: "missing"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected schedule with unknown destination to be rejected")
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"bogus", 5 * time.Second},
		{"-1s", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{" 2m ", 2 * time.Minute},
	}
	for _, tc := range cases {
		if got := ParseDuration(tc.in, 5*time.Second); got != tc.want {
			t.Errorf("ParseDuration(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
