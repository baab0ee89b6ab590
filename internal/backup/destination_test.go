package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/TheGojiOG/LocalSM/internal/config"
	"github.com/TheGojiOG/LocalSM/internal/crypto"
)

func TestLocalDestinationUploadDownloadDelete(t *testing.T) {
	ctx := context.Background()
	baseDir := filepath.Join(t.TempDir(), "backups")
	ld := NewLocalDestination(baseDir)

	content := []byte("backup-data")
	if err := ld.Upload(ctx, "test.tar.gz", bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if !ld.Exists("test.tar.gz") {
		t.Fatalf("expected backup file to exist")
	}

	var buf bytes.Buffer
	if err := ld.Download(ctx, "test.tar.gz", &buf); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), content) {
		t.Fatalf("downloaded content mismatch")
	}

	files, err := ld.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}

	if err := ld.Delete(ctx, "test.tar.gz"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if ld.Exists("test.tar.gz") {
		t.Fatalf("expected backup file to be removed")
	}
}

func TestLocalDestinationSizeMismatch(t *testing.T) {
	ld := NewLocalDestination(t.TempDir())
	if err := ld.Upload(context.Background(), "short.tar", bytes.NewReader([]byte("abc")), 10); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if ld.Exists("short.tar") {
		t.Fatalf("partial upload should be removed")
	}
}

func TestLocalDestinationRejectsEscapingNames(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	ld := NewLocalDestination(filepath.Join(root, "backups"))

	for _, name := range []string{"../outside.tar", "nested/a.tar", "", ".."} {
		if err := ld.Upload(ctx, name, bytes.NewReader([]byte("x")), 1); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "outside.tar")); !os.IsNotExist(err) {
		t.Fatalf("archive escaped the destination directory")
	}

	if err := os.MkdirAll(filepath.Join(root, "backups"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "backups", "late.tar"+partialSuffix), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	files, err := ld.List(ctx)
	if err != nil || len(files) != 0 {
		t.Fatalf("unfinished uploads should not be listed: %v %v", files, err)
	}
}

func TestNewDestinationInvalidType(t *testing.T) {
	_, err := NewDestination(context.Background(), &DestinationConfig{Type: "invalid", Path: t.TempDir()})
	if err == nil {
		t.Fatalf("expected error for invalid destination type")
	}
}

func TestNewDestinationConfigOpensSecrets(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(crypto.KeyEnv, key)
	manager, _ := crypto.FromEnv()
	sealed, _ := manager.Seal("s3cr3t")

	cfg, err := NewDestinationConfig("offsite", config.BackupDestination{
		Type:      "s3",
		Bucket:    "saves",
		AccessKey: "AKIA",
		SecretKey: sealed,
	}, config.SSHConfig{})
	if err != nil {
		t.Fatalf("NewDestinationConfig: %v", err)
	}
	if cfg.S3.SecretKey != "s3cr3t" || cfg.S3.AccessKey != "AKIA" || cfg.S3.Region != "us-east-1" || cfg.SFTP.Port != 22 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv(crypto.KeyEnv, "")
	if _, err := NewDestinationConfig("offsite", config.BackupDestination{Type: "sftp", Password: sealed}, config.SSHConfig{}); !errors.Is(err, crypto.ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}
