// Package instance exposes the metadata store for local Odoo instances.
// The supervisors read an instance's record once per start and never cache
// it across calls, so edits made by the (out-of-scope) settings layer take
// effect on the next start.
package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrNotFound = errors.New("instance not found")

// Instance describes one user-visible Odoo deployment.
type Instance struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	PythonPath string `json:"python_path"`
	ServerPath string `json:"server_path"` // odoo-bin entrypoint
	ConfigPath string `json:"config_path"` // odoo.conf
	HTTPPort   int    `json:"http_port"`
	GeventPort int    `json:"gevent_port"`
	Database   string `json:"database"`
	WorkDir    string `json:"work_dir"`
}

// Store resolves instance metadata by key.
type Store interface {
	Get(key string) (Instance, error)
	List() ([]Instance, error)
}

// FileStore reads instances from a JSON file maintained by the settings
// layer. Every call re-reads the file.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) load() ([]Instance, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instances file: %w", err)
	}
	var instances []Instance
	if err := json.Unmarshal(raw, &instances); err != nil {
		return nil, fmt.Errorf("parse instances file %s: %w", s.Path, err)
	}
	return instances, nil
}

func (s *FileStore) Get(key string) (Instance, error) {
	instances, err := s.load()
	if err != nil {
		return Instance{}, err
	}
	for _, inst := range instances {
		if inst.Key == key {
			return inst, nil
		}
	}
	return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (s *FileStore) List() ([]Instance, error) {
	return s.load()
}
