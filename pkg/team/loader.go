package team

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// LoadFile loads a team definition from a JSON or YAML file and validates
// it. A team with no name takes the file's base name.
func LoadFile(path string) (Team, error) {
	if path == "" {
		return Team{}, fmt.Errorf("team file path is required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Team{}, fmt.Errorf("team file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Team{}, fmt.Errorf("failed to read team file: %w", err)
	}

	var t Team
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &t); err != nil {
			return Team{}, fmt.Errorf("failed to parse JSON team: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &t); err != nil {
			return Team{}, fmt.Errorf("failed to parse YAML team: %w", err)
		}
	default:
		return Team{}, fmt.Errorf("unsupported team file format: %s (supported: .json, .yaml, .yml)", ext)
	}

	if t.Name == "" {
		base := filepath.Base(path)
		t.Name = base[:len(base)-len(filepath.Ext(base))]
	}

	if err := t.Validate(); err != nil {
		return Team{}, fmt.Errorf("team %s: %w", t.Name, err)
	}
	return t, nil
}

// LoadDir loads every team file in a directory.
func LoadDir(dir string) (map[string]Team, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read teams directory: %w", err)
	}

	teams := make(map[string]Team)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}

		t, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, exists := teams[t.Name]; exists {
			return nil, fmt.Errorf("duplicate team name: %s", t.Name)
		}
		teams[t.Name] = t
	}
	return teams, nil
}

// Registry holds the loaded teams and supports atomic replacement on
// reload.
type Registry struct {
	mu     sync.RWMutex
	dir    string
	teams  map[string]Team
	logger zerolog.Logger
}

// NewRegistry loads all teams from dir.
func NewRegistry(dir string, logger zerolog.Logger) (*Registry, error) {
	teams, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("dir", dir).Int("teams", len(teams)).Msg("Teams loaded")
	return &Registry{
		dir:    dir,
		teams:  teams,
		logger: logger,
	}, nil
}

// Get returns a team by name.
func (r *Registry) Get(name string) (Team, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[name]
	return t, ok
}

// Names returns the loaded team names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.teams))
	for name := range r.teams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload re-reads the teams directory. On any error the previous teams
// stay in effect.
func (r *Registry) Reload() error {
	teams, err := LoadDir(r.dir)
	if err != nil {
		r.logger.Error().Err(err).Msg("Team reload failed, keeping previous configuration")
		return err
	}

	r.mu.Lock()
	r.teams = teams
	r.mu.Unlock()

	r.logger.Info().Int("teams", len(teams)).Msg("Teams reloaded")
	return nil
}
