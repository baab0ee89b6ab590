package server

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// DiscoverServers registers every directory directly under the base
// directory whose path is not yet known. New instances are named after the
// directory (suffixed _N if the name is taken). Failures are reported as a
// discovery event; nothing is returned as an error. The registry is not
// saved.
func (m *Manager) DiscoverServers() []InstanceInfo {
	entries, err := os.ReadDir(m.settings.BaseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		m.emit(DiscoveryInstanceID, fmt.Sprintf("<discovery failed: %v>", err))
		log.Printf("[Discovery] Failed to scan %s: %v", m.settings.BaseDir, err)
		return nil
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Name() < entries[b].Name() })

	m.mu.Lock()
	var found []*instance
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.settings.BaseDir, entry.Name())
		if samePath(dir, m.settings.BaseDir) || m.folderRegisteredLocked(dir) {
			continue
		}
		inst := newInstance(uuid.NewString(), m.uniqueNameLocked(entry.Name()), dir)
		m.instances = append(m.instances, inst)
		found = append(found, inst)
	}
	m.mu.Unlock()

	infos := make([]InstanceInfo, 0, len(found))
	for _, inst := range found {
		m.emit(inst.id, fmt.Sprintf("<discovered server folder: %s>", inst.folderPath))
		infos = append(infos, inst.info())
	}
	if len(found) > 0 {
		log.Printf("[Discovery] Registered %d new server folder(s)", len(found))
	}
	return infos
}

func (m *Manager) folderRegisteredLocked(folder string) bool {
	for _, inst := range m.instances {
		if samePath(inst.folderPath, folder) {
			return true
		}
	}
	return false
}
