// Package connprofile persists named, reusable connection profiles to a
// YAML file, the way a desktop DB client remembers "Production Postgres"
// across restarts without the user retyping host/port/user every time.
package connprofile

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/qoreforge/dbgateway/internal/driver"
)

// Profile is one saved, named connection configuration. Password and SSH
// secrets are never written here; Store keeps profiles redacted on disk
// and the caller supplies the secret again at connect time.
type Profile struct {
	Name string                  `yaml:"name"`
	Conn driver.ConnectionConfig `yaml:"connection"`
}

// Store is the on-disk collection of saved profiles.
type Store struct {
	Profiles []Profile `yaml:"profiles"`
}

// Path returns the profiles file location under dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "connections.yaml")
}

// Load reads the profile store from dataDir, returning an empty store if
// the file does not exist yet.
func Load(dataDir string) (*Store, error) {
	data, err := os.ReadFile(Path(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{}, nil
		}
		return nil, err
	}
	var s Store
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes the profile store to dataDir, redacting secrets first.
func Save(dataDir string, s *Store) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	redacted := Store{Profiles: make([]Profile, len(s.Profiles))}
	for i, p := range s.Profiles {
		redacted.Profiles[i] = Profile{Name: p.Name, Conn: p.Conn.Redacted()}
	}
	data, err := yaml.Marshal(redacted)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(dataDir), data, 0o600)
}

// Upsert adds p as a new profile or replaces the existing one with the
// same name.
func (s *Store) Upsert(p Profile) {
	for i, existing := range s.Profiles {
		if existing.Name == p.Name {
			s.Profiles[i] = p
			return
		}
	}
	s.Profiles = append(s.Profiles, p)
}

// Remove deletes the profile named name, reporting whether one existed.
func (s *Store) Remove(name string) bool {
	for i, p := range s.Profiles {
		if p.Name == name {
			s.Profiles = append(s.Profiles[:i], s.Profiles[i+1:]...)
			return true
		}
	}
	return false
}

// Find looks up a saved profile by name.
func (s *Store) Find(name string) (Profile, bool) {
	for _, p := range s.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}
