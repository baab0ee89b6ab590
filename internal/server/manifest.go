package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ManifestFileName is the registry file kept in the base directory.
const ManifestFileName = "servers.json"

// manifestEntry is one persisted server. Field matching on load is
// case-insensitive, so manifests written with PascalCase keys load too.
type manifestEntry struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	FolderPath    string  `json:"folderPath"`
	ArtifactURL   *string `json:"artifactUrl"`
	TunnelCommand *string `json:"tunnelCommand"`

	// JarURL is the legacy spelling of ArtifactURL; read but never written.
	JarURL *string `json:"jarUrl,omitempty"`
}

// ManifestPath returns the absolute path of the registry file.
func (m *Manager) ManifestPath() string {
	return filepath.Join(m.settings.BaseDir, ManifestFileName)
}

// Load replaces the in-memory registry with the manifest contents. A missing
// manifest yields an empty registry. Load refuses to run while any server
// process is attached.
func (m *Manager) Load() error {
	entries, err := readManifest(m.ManifestPath())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.instances {
		if inst.isRunning() {
			return fmt.Errorf("%w: cannot reload while %s is running", ErrRunning, inst.getName())
		}
	}

	loaded := make([]*instance, 0, len(entries))
	names := make(map[string]bool, len(entries))
	ids := make(map[string]bool, len(entries))
	for _, entry := range entries {
		inst := m.instanceFromEntry(entry)
		if inst.id == "" || ids[inst.id] {
			inst.id = uuid.NewString()
		}
		ids[inst.id] = true

		base := inst.name
		for n := 1; names[strings.ToLower(inst.name)]; n++ {
			inst.name = fmt.Sprintf("%s_%d", base, n)
		}
		names[strings.ToLower(inst.name)] = true
		loaded = append(loaded, inst)
	}
	m.instances = loaded

	log.Printf("[Manifest] Loaded %d server(s) from %s", len(loaded), m.ManifestPath())
	return nil
}

func (m *Manager) instanceFromEntry(entry manifestEntry) *instance {
	folder := strings.TrimSpace(entry.FolderPath)
	name := strings.TrimSpace(entry.Name)
	switch {
	case folder == "" && name != "":
		folder = filepath.Join(m.settings.BaseDir, MakeSafeName(name))
	case folder != "" && !filepath.IsAbs(folder):
		folder = filepath.Join(m.settings.BaseDir, folder)
	}
	folder = filepath.Clean(folder)
	if name == "" {
		name = filepath.Base(folder)
	}

	inst := newInstance(strings.TrimSpace(entry.ID), name, folder)
	inst.artifactURL = copyString(entry.ArtifactURL)
	if inst.artifactURL == nil {
		inst.artifactURL = copyString(entry.JarURL)
	}
	inst.tunnelCommand = copyString(entry.TunnelCommand)
	return inst
}

// Save writes the registry to the manifest atomically.
func (m *Manager) Save() error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	instances := m.snapshot()
	entries := make([]manifestEntry, 0, len(instances))
	for _, inst := range instances {
		inst.mu.Lock()
		if !inst.removed {
			entries = append(entries, manifestEntry{
				ID:            inst.id,
				Name:          inst.name,
				FolderPath:    inst.folderPath,
				ArtifactURL:   copyString(inst.artifactURL),
				TunnelCommand: copyString(inst.tunnelCommand),
			})
		}
		inst.mu.Unlock()
	}
	return writeManifest(m.ManifestPath(), entries)
}

// ReadManifest parses a manifest file without touching any running state.
// A missing file yields an empty list.
func ReadManifest(path string) ([]InstanceInfo, error) {
	entries, err := readManifest(path)
	if err != nil {
		return nil, err
	}
	infos := make([]InstanceInfo, 0, len(entries))
	for _, entry := range entries {
		url := entry.ArtifactURL
		if url == nil {
			url = entry.JarURL
		}
		infos = append(infos, InstanceInfo{
			ID:            entry.ID,
			Name:          entry.Name,
			FolderPath:    entry.FolderPath,
			ArtifactURL:   copyString(url),
			TunnelCommand: copyString(entry.TunnelCommand),
			Status:        StatusStopped,
		})
	}
	return infos, nil
}

func readManifest(path string) ([]manifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read manifest: %v", ErrIO, err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	return entries, nil
}

// writeManifest replaces path via a synced temp file and rename, so readers
// never observe a partial manifest.
func writeManifest(path string, entries []manifestEntry) error {
	if entries == nil {
		entries = []manifestEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode manifest: %v", ErrIO, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmp, err := os.CreateTemp(dir, ".servers-*.json")
	if err != nil {
		return fmt.Errorf("%w: create temp manifest: %v", ErrIO, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write manifest: %v", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync manifest: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close manifest: %v", ErrIO, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: replace manifest: %v", ErrIO, err)
	}
	return nil
}
