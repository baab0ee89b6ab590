package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// probeRuntime checks that the configured Java executable answers
// `-version`. Exit codes 0, 1 and 2 all count as present; a probe that
// outlives ProbeTimeout counts as absent.
func (m *Manager) probeRuntime(ctx context.Context) error {
	if m.settings.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.settings.ProbeTimeout)
		defer cancel()
	}

	res, err := m.runner.Run(ctx, "", m.settings.JavaPath, "-version")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRuntimeNotFound, m.settings.JavaPath, err)
	}
	switch res.ExitCode {
	case 0, 1, 2:
		return nil
	}
	return fmt.Errorf("%w: %s -version exited with code %d", ErrRuntimeNotFound, m.settings.JavaPath, res.ExitCode)
}

// resolveArtifact picks the file to launch inside folder: the configured
// artifact name if present, otherwise the first file (by name) carrying the
// artifact extension. detected is true for the fallback case.
func resolveArtifact(folder, name, ext string) (path string, detected bool, err error) {
	preferred := filepath.Join(folder, name)
	if st, statErr := os.Stat(preferred); statErr == nil && st.Mode().IsRegular() {
		return preferred, false, nil
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("%w: folder %s does not exist", ErrArtifactNotFound, folder)
		}
		return "", false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Name() < entries[b].Name() })

	ext = strings.ToLower(ext)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(entry.Name()), ext) {
			return filepath.Join(folder, entry.Name()), true, nil
		}
	}
	return "", false, fmt.Errorf("%w: no %s or *%s in %s", ErrArtifactNotFound, name, ext, folder)
}
