package backup

import (
	"compress/gzip"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	CompressionGzip = "gzip"
	CompressionNone = "none"

	defaultGzipLevel = 6
)

// CompressionConfig selects how instance folders are archived. Level only
// applies to gzip.
type CompressionConfig struct {
	Type  string `json:"type"`
	Level int    `json:"level,omitempty"`
}

// ParseCompression reads the config forms "gzip", "gzip:9" and "none".
// Anything unrecognised falls back to gzip at the default level.
func ParseCompression(value string) CompressionConfig {
	kind, levelText, _ := strings.Cut(strings.TrimSpace(value), ":")
	level, err := strconv.Atoi(levelText)
	if err != nil {
		level = 0
	}
	return CompressionConfig{Type: kind, Level: level}.normalized()
}

func (c CompressionConfig) normalized() CompressionConfig {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case CompressionNone:
		return CompressionConfig{Type: CompressionNone}
	default:
		level := c.Level
		switch {
		case level == 0:
			level = defaultGzipLevel
		case level < gzip.BestSpeed:
			level = gzip.BestSpeed
		case level > gzip.BestCompression:
			level = gzip.BestCompression
		}
		return CompressionConfig{Type: CompressionGzip, Level: level}
	}
}

// Extension is the archive suffix without the leading dot.
func (c CompressionConfig) Extension() string {
	if c.normalized().Type == CompressionNone {
		return "tar"
	}
	return "tar.gz"
}

// ContentType is the MIME type used when uploading the archive.
func (c CompressionConfig) ContentType() string {
	if c.normalized().Type == CompressionNone {
		return "application/x-tar"
	}
	return "application/gzip"
}

// compressionForFile infers the compression of a stored archive from its
// name. Unknown suffixes are treated as gzip.
func compressionForFile(name string) CompressionConfig {
	base := strings.ToLower(filepath.Base(name))
	if strings.HasSuffix(base, ".tar") {
		return CompressionConfig{Type: CompressionNone}
	}
	return CompressionConfig{Type: CompressionGzip, Level: defaultGzipLevel}
}
