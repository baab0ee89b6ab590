package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const unsafeNameChars = `<>:"/\|?*`

// MakeSafeName converts a display name into a folder name by replacing
// characters that are invalid in file names with '_'.
func MakeSafeName(name string) string {
	safe := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(unsafeNameChars, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))

	switch safe {
	case "", ".", "..":
		return "_"
	}
	return safe
}

// allocateLocked picks the registered name and folder for a new server.
// Suffix _1, _2, ... is applied to both until the name is unused and the
// folder exists neither on disk nor in the registry. Callers hold m.mu.
func (m *Manager) allocateLocked(name string) (string, string) {
	safe := MakeSafeName(name)
	for n := 0; ; n++ {
		candidateName, candidateFolder := name, safe
		if n > 0 {
			candidateName = fmt.Sprintf("%s_%d", name, n)
			candidateFolder = fmt.Sprintf("%s_%d", safe, n)
		}
		folder := filepath.Join(m.settings.BaseDir, candidateFolder)
		if m.nameTakenLocked(candidateName) || m.folderTakenLocked(folder) {
			continue
		}
		return candidateName, folder
	}
}

// uniqueNameLocked returns name, or name_N for the first N not registered.
func (m *Manager) uniqueNameLocked(name string) string {
	candidate := name
	for n := 1; m.nameTakenLocked(candidate); n++ {
		candidate = fmt.Sprintf("%s_%d", name, n)
	}
	return candidate
}

func (m *Manager) nameTakenLocked(name string) bool {
	for _, inst := range m.instances {
		if strings.EqualFold(inst.getName(), name) {
			return true
		}
	}
	return false
}

func (m *Manager) folderTakenLocked(folder string) bool {
	if _, err := os.Lstat(folder); err == nil {
		return true
	}
	return m.folderRegisteredLocked(folder)
}

// samePath compares cleaned absolute paths case-insensitively.
func samePath(a, b string) bool {
	return strings.EqualFold(canonicalPath(a), canonicalPath(b))
}

func canonicalPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}
