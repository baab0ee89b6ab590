package database

// Migration represents a database migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// migrations contains all database migrations in order
var migrations = []Migration{
	{
		Version: "001_activity_log",
		Up: `
-- Operator and system activity per instance
CREATE TABLE IF NOT EXISTS activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    server_id TEXT,
    actor TEXT NOT NULL DEFAULT '',
    activity_type TEXT NOT NULL,        -- 'instance.start', 'command.send', 'tunnel.start', etc.
    description TEXT,
    metadata TEXT,                      -- JSON for additional context
    success BOOLEAN DEFAULT 1,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_activity_server_time ON activity_log(server_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_activity_type_time ON activity_log(activity_type, timestamp DESC);
`,
		Down: `
DROP TABLE IF EXISTS activity_log;
`,
	},
	{
		Version: "002_backups",
		Up: `
CREATE TABLE IF NOT EXISTS backups (
    id TEXT PRIMARY KEY,
    server_id TEXT NOT NULL,
    server_name TEXT NOT NULL DEFAULT '',
    filename TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    destination_name TEXT NOT NULL,
    destination_type TEXT NOT NULL,
    compression TEXT NOT NULL DEFAULT 'gzip',
    status TEXT NOT NULL DEFAULT 'pending',
    error_message TEXT,
    created_by TEXT
);

CREATE INDEX IF NOT EXISTS idx_backups_server_id ON backups(server_id);
CREATE INDEX IF NOT EXISTS idx_backups_created_at ON backups(created_at);
CREATE INDEX IF NOT EXISTS idx_backups_status ON backups(status);

-- Run bookkeeping for configured schedules
CREATE TABLE IF NOT EXISTS backup_schedule_runs (
    name TEXT PRIMARY KEY,
    last_run TIMESTAMP,
    next_run TIMESTAMP,
    last_error TEXT,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
		Down: `
DROP TABLE IF EXISTS backup_schedule_runs;
DROP TABLE IF EXISTS backups;
`,
	},
	{
		Version: "003_instance_metrics",
		Up: `
-- Raw process samples (retention_days)
CREATE TABLE IF NOT EXISTS instance_metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    server_id TEXT NOT NULL,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    pid INTEGER NOT NULL,
    cpu_percent REAL,                   -- Percentage of one core
    memory_rss INTEGER,                 -- Bytes
    memory_percent REAL,
    num_threads INTEGER
);

CREATE INDEX IF NOT EXISTS idx_instance_metrics_server_time ON instance_metrics(server_id, timestamp DESC);
`,
		Down: `
DROP TABLE IF EXISTS instance_metrics;
`,
	},
}
