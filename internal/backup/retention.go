package backup

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/TheGojiOG/LocalSM/internal/models"
)

// EnforceRetention keeps the newest retentionCount completed backups of a
// server and deletes the rest. It returns the number deleted.
func (m *Manager) EnforceRetention(ctx context.Context, serverID string, retentionCount int) (int, error) {
	if retentionCount <= 0 {
		return 0, nil
	}

	backups, err := m.ListBackups(ctx, serverID)
	if err != nil {
		return 0, fmt.Errorf("failed to list backups: %w", err)
	}

	var completed []*models.Backup
	for _, b := range backups {
		if b.Status == models.BackupStatusCompleted {
			completed = append(completed, b)
		}
	}
	if len(completed) <= retentionCount {
		return 0, nil
	}

	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].CreatedAt.After(completed[j].CreatedAt)
	})

	deleted := 0
	for _, b := range completed[retentionCount:] {
		log.Printf("[Retention] Deleting old backup: %s (created: %s)",
			b.ID, b.CreatedAt.Format("2006-01-02 15:04:05"))
		if err := m.DeleteBackup(ctx, b.ID); err != nil {
			log.Printf("[Retention] Error deleting backup %s: %v", b.ID, err)
			continue
		}
		deleted++
	}

	log.Printf("[Retention] Retention enforcement complete for %s: deleted %d backups", serverID, deleted)
	return deleted, nil
}

// RetentionStats summarizes what a retention count would remove
type RetentionStats struct {
	TotalBackups    int   `json:"total_backups"`
	RetentionLimit  int   `json:"retention_limit"`
	BackupsToDelete int   `json:"backups_to_delete"`
	TotalSizeBytes  int64 `json:"total_size_bytes"`
	WillDeleteSize  int64 `json:"will_delete_size"`
}

// GetRetentionStats returns retention statistics for a server
func (m *Manager) GetRetentionStats(ctx context.Context, serverID string, retentionCount int) (*RetentionStats, error) {
	backups, err := m.ListBackups(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var completed []*models.Backup
	stats := &RetentionStats{RetentionLimit: retentionCount}
	for _, b := range backups {
		if b.Status == models.BackupStatusCompleted {
			completed = append(completed, b)
			stats.TotalSizeBytes += b.Size
		}
	}
	stats.TotalBackups = len(completed)

	if retentionCount > 0 && len(completed) > retentionCount {
		sort.SliceStable(completed, func(i, j int) bool {
			return completed[i].CreatedAt.After(completed[j].CreatedAt)
		})
		for _, b := range completed[retentionCount:] {
			stats.BackupsToDelete++
			stats.WillDeleteSize += b.Size
		}
	}
	return stats, nil
}
