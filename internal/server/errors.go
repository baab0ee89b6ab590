package server

import "errors"

// Error kinds returned by Manager operations. Callers match them with errors.Is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("server not found")
	ErrParse            = errors.New("manifest is not valid JSON")
	ErrRuntimeNotFound  = errors.New("java runtime not found")
	ErrArtifactNotFound = errors.New("server artifact not found")
	ErrProcessStart     = errors.New("failed to start process")
	ErrDownload         = errors.New("download failed")
	ErrIO               = errors.New("filesystem operation failed")
	ErrNotRunning       = errors.New("server is not running")
	ErrRunning          = errors.New("server is running")
)
