package models

import "time"

// Backup statuses
const (
	BackupStatusCreating  = "creating"
	BackupStatusCompleted = "completed"
	BackupStatusFailed    = "failed"
)

// Backup represents a server backup
type Backup struct {
	ID              string    `json:"id"`
	ServerID        string    `json:"server_id"`
	ServerName      string    `json:"server_name"`
	Filename        string    `json:"filename"`
	Size            int64     `json:"size"` // bytes
	DestinationName string    `json:"destination_name"`
	DestinationType string    `json:"destination_type"`
	Compression     string    `json:"compression"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedBy       string    `json:"created_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateBackupRequest represents a backup creation request
type CreateBackupRequest struct {
	Destination string `json:"destination,omitempty"` // If empty, use the first configured
}
