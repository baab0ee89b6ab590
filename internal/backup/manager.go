package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheGojiOG/LocalSM/internal/config"
	"github.com/TheGojiOG/LocalSM/internal/models"
	"github.com/TheGojiOG/LocalSM/internal/server"
)

// DefaultDestination is used when no destinations are configured
const DefaultDestination = "local"

var (
	// ErrInstanceRunning is returned when a restore targets a running server
	ErrInstanceRunning = server.ErrRunning
	// ErrBackupNotFound is returned for unknown or deleted backup ids
	ErrBackupNotFound = errors.New("backup not found")
	// ErrUnknownDestination is returned for destinations missing from config
	ErrUnknownDestination = errors.New("unknown backup destination")
	// ErrBackupNotCompleted is returned when restoring an unfinished backup
	ErrBackupNotCompleted = errors.New("backup is not completed")
	ErrUnknownSchedule    = errors.New("unknown backup schedule")
)

// Servers is the part of the instance manager backups need
type Servers interface {
	Get(nameOrID string) (server.InstanceInfo, error)
	List() []server.InstanceInfo
	WithStopped(nameOrID string, fn func(server.InstanceInfo) error) error
}

// DestinationOpener opens a configured destination
type DestinationOpener func(ctx context.Context, cfg *DestinationConfig) (Destination, error)

// CreateRequest represents a backup creation request
type CreateRequest struct {
	Server         string
	Destination    string // empty selects the first configured destination
	CreatedBy      string
	RetentionCount int // 0 keeps everything
}

// Manager orchestrates backup operations
type Manager struct {
	db           *sql.DB
	servers      Servers
	destinations map[string]config.BackupDestination
	sshCfg       config.SSHConfig
	stagingDir   string
	compression  CompressionConfig
	open         DestinationOpener
	now          func() time.Time

	// serverLocks serializes backup and restore per server
	serverLocks sync.Map
}

// Option configures a Manager
type Option func(*Manager)

// WithDestinationOpener replaces how destinations are opened
func WithDestinationOpener(open DestinationOpener) Option {
	return func(m *Manager) { m.open = open }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a backup manager. With no destinations configured a
// local destination rooted at storage.backup_dir is used.
func NewManager(db *sql.DB, servers Servers, cfg *config.Config, opts ...Option) *Manager {
	destinations := make(map[string]config.BackupDestination, len(cfg.Backup.Destinations))
	for name, dest := range cfg.Backup.Destinations {
		destinations[name] = dest
	}
	if len(destinations) == 0 {
		destinations[DefaultDestination] = config.BackupDestination{Type: "local", Path: cfg.Storage.BackupDir}
	}

	m := &Manager{
		db:           db,
		servers:      servers,
		destinations: destinations,
		sshCfg:       cfg.Security.SSH,
		stagingDir:   cfg.Backup.StagingDir,
		compression:  ParseCompression(cfg.Backup.Compression),
		open:         NewDestination,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Destinations returns the configured destination names in sorted order
func (m *Manager) Destinations() []string {
	names := make([]string, 0, len(m.destinations))
	for name := range m.destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) lockServer(serverID string) func() {
	v, _ := m.serverLocks.LoadOrStore(serverID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) openDestination(ctx context.Context, name string) (Destination, string, error) {
	if name == "" {
		name = m.Destinations()[0]
	}
	dest, ok := m.destinations[name]
	if !ok {
		return nil, name, fmt.Errorf("%w: %s", ErrUnknownDestination, name)
	}
	destCfg, err := NewDestinationConfig(name, dest, m.sshCfg)
	if err != nil {
		return nil, name, err
	}
	d, err := m.open(ctx, destCfg)
	if err != nil {
		return nil, name, fmt.Errorf("failed to create destination: %w", err)
	}
	return d, name, nil
}

// CreateBackup archives a server folder and uploads it to a destination
func (m *Manager) CreateBackup(ctx context.Context, req CreateRequest) (*models.Backup, error) {
	info, err := m.servers.Get(req.Server)
	if err != nil {
		return nil, err
	}

	unlock := m.lockServer(info.ID)
	defer unlock()

	dest, destName, err := m.openDestination(ctx, req.Destination)
	if err != nil {
		return nil, err
	}
	defer dest.Close()

	now := m.now().UTC()
	filename := fmt.Sprintf("%s_%s.%s", server.MakeSafeName(info.Name), now.Format("2006-01-02_15-04-05"), m.compression.Extension())

	record := &models.Backup{
		ID:              "backup-" + uuid.New().String()[:8],
		ServerID:        info.ID,
		ServerName:      info.Name,
		Filename:        filename,
		DestinationName: destName,
		DestinationType: dest.GetType(),
		Compression:     m.compression.Type,
		Status:          models.BackupStatusCreating,
		CreatedBy:       req.CreatedBy,
		CreatedAt:       now,
	}
	log.Printf("[BackupMgr] Creating backup %s for server %s", record.ID, info.Name)

	if err := m.saveBackupRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save backup record: %w", err)
	}

	fail := func(err error) (*models.Backup, error) {
		record.Status = models.BackupStatusFailed
		record.ErrorMessage = err.Error()
		if serr := m.saveBackupRecord(context.WithoutCancel(ctx), record); serr != nil {
			log.Printf("[BackupMgr] Warning: Failed to update backup status: %v", serr)
		}
		return record, err
	}

	stagingPath := filepath.Join(m.stagingDir, record.ID+"_"+filename)
	archive, err := CreateArchive(info.FolderPath, stagingPath, m.compression)
	if err != nil {
		return fail(fmt.Errorf("failed to create archive: %w", err))
	}
	defer os.Remove(stagingPath)
	record.Size = archive.SizeBytes

	file, err := os.Open(stagingPath)
	if err != nil {
		return fail(fmt.Errorf("failed to open archive: %w", err))
	}
	err = dest.Upload(ctx, filename, file, archive.SizeBytes)
	file.Close()
	if err != nil {
		return fail(fmt.Errorf("failed to transfer backup: %w", err))
	}

	record.Status = models.BackupStatusCompleted
	if err := m.saveBackupRecord(ctx, record); err != nil {
		log.Printf("[BackupMgr] Warning: Failed to update backup status: %v", err)
	}

	log.Printf("[BackupMgr] Backup %s created successfully: %s (%d bytes)", record.ID, filename, record.Size)

	if req.RetentionCount > 0 {
		if _, err := m.EnforceRetention(ctx, info.ID, req.RetentionCount); err != nil {
			log.Printf("[BackupMgr] Retention enforcement failed for %s: %v", info.Name, err)
		}
	}

	return record, nil
}

// RestoreBackup extracts a completed backup over its server folder. The
// server must be stopped and stays stopped for the duration.
func (m *Manager) RestoreBackup(ctx context.Context, backupID string) error {
	record, err := m.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}
	if record.Status != models.BackupStatusCompleted {
		return fmt.Errorf("%w: %s", ErrBackupNotCompleted, record.Status)
	}

	unlock := m.lockServer(record.ServerID)
	defer unlock()

	return m.servers.WithStopped(record.ServerID, func(info server.InstanceInfo) error {
		log.Printf("[BackupMgr] Restoring backup %s to %s", backupID, info.FolderPath)

		dest, _, err := m.openDestination(ctx, record.DestinationName)
		if err != nil {
			return err
		}
		defer dest.Close()

		if err := os.MkdirAll(m.stagingDir, 0755); err != nil {
			return fmt.Errorf("failed to create staging directory: %w", err)
		}
		stagingPath := filepath.Join(m.stagingDir, "restore_"+record.ID+"_"+record.Filename)
		file, err := os.Create(stagingPath)
		if err != nil {
			return fmt.Errorf("failed to create restore file: %w", err)
		}
		defer os.Remove(stagingPath)

		err = dest.Download(ctx, record.Filename, file)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to download backup: %w", err)
		}

		if err := ExtractArchive(stagingPath, info.FolderPath); err != nil {
			return fmt.Errorf("failed to extract archive: %w", err)
		}

		log.Printf("[BackupMgr] Backup %s restored successfully to %s", backupID, info.FolderPath)
		return nil
	})
}

// DeleteBackup removes the archive from its destination and marks the
// record deleted.
func (m *Manager) DeleteBackup(ctx context.Context, backupID string) error {
	record, err := m.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}
	log.Printf("[BackupMgr] Deleting backup %s", backupID)

	if record.Status == models.BackupStatusCompleted {
		dest, _, err := m.openDestination(ctx, record.DestinationName)
		if err != nil {
			log.Printf("[BackupMgr] Warning: Failed to open destination %s: %v", record.DestinationName, err)
		} else {
			if err := dest.Delete(ctx, record.Filename); err != nil {
				log.Printf("[BackupMgr] Warning: Failed to delete from destination: %v", err)
			}
			dest.Close()
		}
	}

	record.Status = "deleted"
	if err := m.saveBackupRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to update backup record: %w", err)
	}
	return nil
}

const backupColumns = `id, server_id, server_name, filename, size_bytes, created_at,
		       destination_name, destination_type, compression, status, error_message, created_by`

// ListBackups returns backups newest first. An empty serverID lists all.
func (m *Manager) ListBackups(ctx context.Context, serverID string) ([]*models.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE status != 'deleted'`
	var args []interface{}
	if serverID != "" {
		query += ` AND server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer rows.Close()

	var backups []*models.Backup
	for rows.Next() {
		record, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, record)
	}
	return backups, rows.Err()
}

// GetBackup retrieves a specific backup
func (m *Manager) GetBackup(ctx context.Context, backupID string) (*models.Backup, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = ? AND status != 'deleted'`, backupID)
	record, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}
	return record, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBackup(row rowScanner) (*models.Backup, error) {
	record := &models.Backup{}
	var errorMsg, createdBy sql.NullString
	err := row.Scan(
		&record.ID,
		&record.ServerID,
		&record.ServerName,
		&record.Filename,
		&record.Size,
		&record.CreatedAt,
		&record.DestinationName,
		&record.DestinationType,
		&record.Compression,
		&record.Status,
		&errorMsg,
		&createdBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan backup record: %w", err)
	}
	record.ErrorMessage = errorMsg.String
	record.CreatedBy = createdBy.String
	return record, nil
}

// saveBackupRecord saves or updates a backup record
func (m *Manager) saveBackupRecord(ctx context.Context, record *models.Backup) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO backups
		(id, server_id, server_name, filename, size_bytes, created_at, destination_name,
		 destination_type, compression, status, error_message, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.ServerID,
		record.ServerName,
		record.Filename,
		record.Size,
		record.CreatedAt,
		record.DestinationName,
		record.DestinationType,
		record.Compression,
		record.Status,
		nullString(record.ErrorMessage),
		nullString(record.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to save backup record: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
