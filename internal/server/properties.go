package server

import (
	"fmt"
	"path/filepath"

	"github.com/TheGojiOG/LocalSM/internal/properties"
)

// ReadProperties returns the settings in the server's server.properties.
// A missing file yields an empty map.
func (m *Manager) ReadProperties(nameOrID string) (map[string]string, error) {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return nil, err
	}
	f, err := properties.Load(filepath.Join(inst.folderPath, properties.FileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return f.Map(), nil
}

// UpdateProperties sets values in server.properties, creating the file when
// missing. Comments and untouched lines are preserved.
func (m *Manager) UpdateProperties(nameOrID string, values map[string]string) (map[string]string, error) {
	inst, err := m.lookup(nameOrID)
	if err != nil {
		return nil, err
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	path := filepath.Join(inst.folderPath, properties.FileName)
	f, err := properties.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := f.Apply(values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := f.Save(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return f.Map(), nil
}
