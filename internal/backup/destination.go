package backup

import (
	"context"
	"fmt"
	"io"

	"github.com/TheGojiOG/LocalSM/internal/config"
	"github.com/TheGojiOG/LocalSM/internal/crypto"
)

// Destination stores archives under flat file names. Upload must not leave a
// partially written archive visible to List.
type Destination interface {
	Upload(ctx context.Context, filename string, reader io.Reader, sizeBytes int64) error
	Download(ctx context.Context, filename string, writer io.Writer) error
	Delete(ctx context.Context, filename string) error
	// List returns archives oldest first
	List(ctx context.Context) ([]BackupFile, error)
	GetType() string
	Close() error
}

// BackupFile is one archive held by a destination
type BackupFile struct {
	Filename  string
	SizeBytes int64
	CreatedAt int64 // unix seconds
}

// Destination types
const (
	DestinationLocal = "local"
	DestinationSFTP  = "sftp"
	DestinationS3    = "s3"
)

// SFTPOptions configures an sftp destination. Host keys are checked against
// KnownHostsPath.
type SFTPOptions struct {
	Host            string
	Port            int
	Username        string
	Password        string
	KeyPath         string
	KnownHostsPath  string
	TrustOnFirstUse bool
}

// S3Options configures an S3 or S3-compatible destination.
type S3Options struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
}

// DestinationConfig is a resolved destination with secrets already opened.
// Path is the directory (or key prefix) archives live under.
type DestinationConfig struct {
	Name string
	Type string
	Path string
	SFTP SFTPOptions
	S3   S3Options
}

// NewDestinationConfig resolves a configured destination, opening sealed
// secrets.
func NewDestinationConfig(name string, dest config.BackupDestination, sshCfg config.SSHConfig) (*DestinationConfig, error) {
	secrets := map[string]*string{
		"password":   &dest.Password,
		"access_key": &dest.AccessKey,
		"secret_key": &dest.SecretKey,
	}
	for field, value := range secrets {
		opened, err := crypto.OpenSecret(*value)
		if err != nil {
			return nil, fmt.Errorf("destination %s: %s: %w", name, field, err)
		}
		*value = opened
	}

	cfg := &DestinationConfig{
		Name: name,
		Type: dest.Type,
		Path: dest.Path,
		SFTP: SFTPOptions{
			Host:            dest.Host,
			Port:            dest.Port,
			Username:        dest.Username,
			Password:        dest.Password,
			KeyPath:         dest.KeyPath,
			KnownHostsPath:  sshCfg.KnownHostsPath,
			TrustOnFirstUse: sshCfg.TrustOnFirstUse,
		},
		S3: S3Options{
			Bucket:    dest.Bucket,
			Region:    dest.Region,
			AccessKey: dest.AccessKey,
			SecretKey: dest.SecretKey,
			Endpoint:  dest.Endpoint,
		},
	}
	if cfg.SFTP.Port == 0 {
		cfg.SFTP.Port = 22
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
	return cfg, nil
}

// NewDestination opens the destination described by cfg. Remote
// destinations connect here.
func NewDestination(ctx context.Context, cfg *DestinationConfig) (Destination, error) {
	switch cfg.Type {
	case DestinationLocal:
		return NewLocalDestination(cfg.Path), nil
	case DestinationSFTP:
		return NewSFTPDestination(ctx, cfg)
	case DestinationS3:
		return NewS3Destination(cfg)
	default:
		return nil, fmt.Errorf("unsupported destination type: %s", cfg.Type)
	}
}
