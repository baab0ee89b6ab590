package logging

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Activity types recorded against instances
const (
	ActivityInstanceCreate   = "instance.create"
	ActivityInstanceDelete   = "instance.delete"
	ActivityInstanceStart    = "instance.start"
	ActivityInstanceStop     = "instance.stop"
	ActivityInstanceRestart  = "instance.restart"
	ActivityInstanceDiscover = "instance.discover"
	ActivityArtifactDownload = "artifact.download"
	ActivityCommandSend      = "command.send"
	ActivityTunnelStart      = "tunnel.start"
	ActivityTunnelStop       = "tunnel.stop"
	ActivityPropertiesUpdate = "properties.update"
	ActivityBackupCreate     = "backup.create"
	ActivityBackupRestore    = "backup.restore"
	ActivityBackupDelete     = "backup.delete"
	ActivityAuthDenied       = "auth.denied"
)

const maxCommandLength = 1000

// ErrNoActivityStore is returned by queries when no database is attached.
var ErrNoActivityStore = errors.New("activity store not available")

// Activity is one operator or system action.
type Activity struct {
	Timestamp    time.Time              `json:"timestamp"`
	ServerID     string                 `json:"server_id"`
	Actor        string                 `json:"actor,omitempty"`
	ActivityType string                 `json:"activity_type"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// ActivityQuery filters activity lookups. Zero fields match everything.
type ActivityQuery struct {
	ServerID string
	Type     string
	Since    time.Time
	Limit    int
}

// ActivityLogger records actions into sqlite and a rotated JSON-lines file.
// A nil *ActivityLogger accepts and drops everything.
type ActivityLogger struct {
	db   *sql.DB
	file *lumberjack.Logger
	now  func() time.Time

	mu sync.Mutex
}

// NewActivityLogger writes to <logDir>/activity.log. db may be nil, in which
// case only the file is written and queries fail with ErrNoActivityStore.
func NewActivityLogger(db *sql.DB, logDir string) (*ActivityLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create activity log directory: %w", err)
	}
	return &ActivityLogger{
		db: db,
		file: &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "activity.log"),
			MaxSize:    20,
			MaxBackups: 10,
			Compress:   true,
		},
		now: time.Now,
	}, nil
}

// Path is the current activity file.
func (al *ActivityLogger) Path() string {
	return al.file.Filename
}

// Record logs the outcome of an operation. A non-nil err marks it failed.
func (al *ActivityLogger) Record(serverID, actor, activityType, description string, metadata map[string]interface{}, err error) error {
	a := &Activity{
		ServerID:     serverID,
		Actor:        actor,
		ActivityType: activityType,
		Description:  description,
		Metadata:     metadata,
		Success:      err == nil,
	}
	if err != nil {
		a.ErrorMessage = err.Error()
	}
	return al.LogActivity(a)
}

// LogCommandSend records a console command written to an instance.
func (al *ActivityLogger) LogCommandSend(serverID, actor, command string, err error) error {
	if len(command) > maxCommandLength {
		command = command[:maxCommandLength] + "..."
	}
	return al.Record(serverID, actor, ActivityCommandSend, "> "+command,
		map[string]interface{}{"command": command}, err)
}

// LogActivity stores a. A database failure is logged and the file write
// still happens; only a file failure is returned.
func (al *ActivityLogger) LogActivity(a *Activity) error {
	if al == nil {
		return nil
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = al.now()
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if err := al.insert(a); err != nil {
		log.Printf("[Activity] Database write failed: %v", err)
	}

	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	if _, err := al.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write activity file: %w", err)
	}
	return nil
}

func (al *ActivityLogger) insert(a *Activity) error {
	if al.db == nil {
		return nil
	}
	var metadata sql.NullString
	if len(a.Metadata) > 0 {
		raw, err := json.Marshal(a.Metadata)
		if err != nil {
			return err
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := al.db.Exec(`INSERT INTO activity_log
		(timestamp, server_id, actor, activity_type, description, metadata, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Timestamp.UTC(), a.ServerID, a.Actor, a.ActivityType, a.Description, metadata, a.Success, a.ErrorMessage)
	return err
}

// where renders the shared filter clause for q.
func (q ActivityQuery) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if q.ServerID != "" {
		conds = append(conds, "server_id = ?")
		args = append(args, q.ServerID)
	}
	if q.Type != "" {
		conds = append(conds, "activity_type = ?")
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, q.Since.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns matching activities, newest first.
func (al *ActivityLogger) Query(q ActivityQuery) ([]*Activity, error) {
	if al == nil || al.db == nil {
		return nil, ErrNoActivityStore
	}

	where, args := q.where()
	query := `SELECT timestamp, server_id, actor, activity_type, description, metadata, success, error_message
		FROM activity_log` + where + ` ORDER BY timestamp DESC, id DESC`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := al.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	activities := []*Activity{}
	for rows.Next() {
		var (
			a                                      Activity
			serverID, desc, metadata, errorMessage sql.NullString
		)
		if err := rows.Scan(&a.Timestamp, &serverID, &a.Actor, &a.ActivityType, &desc, &metadata, &a.Success, &errorMessage); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.ServerID = serverID.String
		a.Description = desc.String
		a.ErrorMessage = errorMessage.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
				log.Printf("[Activity] Skipping unreadable metadata: %v", err)
			}
		}
		activities = append(activities, &a)
	}
	return activities, rows.Err()
}

// Stats counts activities per type.
func (al *ActivityLogger) Stats(q ActivityQuery) (map[string]int, error) {
	if al == nil || al.db == nil {
		return nil, ErrNoActivityStore
	}
	where, args := q.where()
	rows, err := al.db.Query(`SELECT activity_type, COUNT(*) FROM activity_log`+where+` GROUP BY activity_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan activity stats: %w", err)
		}
		stats[kind] = n
	}
	return stats, rows.Err()
}

// Prune deletes database rows older than maxAge. Rotated files are bounded
// by the file writer itself.
func (al *ActivityLogger) Prune(maxAge time.Duration) (int64, error) {
	if al == nil || al.db == nil || maxAge <= 0 {
		return 0, nil
	}
	res, err := al.db.Exec(`DELETE FROM activity_log WHERE timestamp < ?`, al.now().Add(-maxAge).UTC())
	if err != nil {
		return 0, fmt.Errorf("prune activities: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[Activity] Pruned %d entries older than %s", n, maxAge)
	}
	return n, nil
}

// Close flushes and closes the activity file.
func (al *ActivityLogger) Close() error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.file.Close()
}
