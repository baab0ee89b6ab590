package models

import "time"

// CreateServerRequest represents a server creation request
type CreateServerRequest struct {
	Name          string `json:"name" binding:"required"`
	URL           string `json:"url,omitempty"`
	TunnelCommand string `json:"tunnel_command,omitempty"`
}

// CommandRequest represents a console command request
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// DownloadRequest asks for the server artifact to be (re)downloaded. An
// empty URL reuses the stored one.
type DownloadRequest struct {
	URL string `json:"url,omitempty"`
}

// TunnelCommandRequest sets or clears the per-server tunnel command
type TunnelCommandRequest struct {
	Command string `json:"command"`
}

// AuthTokenRequest registers an authtoken with the tunnel executable
type AuthTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// AuthTokenResponse carries the tunnel executable's output
type AuthTokenResponse struct {
	Output string `json:"output"`
}

// PropertiesRequest updates keys in server.properties
type PropertiesRequest struct {
	Properties map[string]string `json:"properties" binding:"required"`
}

// PropertiesResponse lists the settings in server.properties
type PropertiesResponse struct {
	ServerID   string            `json:"server_id"`
	Properties map[string]string `json:"properties"`
}

// TranscriptResponse carries buffered console output
type TranscriptResponse struct {
	ServerID string   `json:"server_id"`
	Lines    []string `json:"lines"`
	Total    int      `json:"total"`
}

// InstanceMetrics is one resource sample of a running server process
type InstanceMetrics struct {
	ServerID      string    `json:"server_id"`
	PID           int32     `json:"pid"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryRSS     uint64    `json:"memory_rss"` // bytes
	MemoryPercent float32   `json:"memory_percent"`
	NumThreads    int32     `json:"num_threads"`
	Timestamp     time.Time `json:"timestamp"`
}

// LoginRequest represents operator credentials
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries an issued access token
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Username    string    `json:"username"`
}

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string `json:"error"`
}
