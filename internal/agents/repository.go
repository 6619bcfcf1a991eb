package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/nexrun/internal/fsutil"
)

// ConfigRepository loads the schedule config.
type ConfigRepository interface {
	Load(ctx context.Context) (*Config, error)
}

// StateRepository loads and atomically rewrites the state document.
type StateRepository interface {
	Load(ctx context.Context) (*State, error)
	Update(ctx context.Context, fn func(*State) error) error
}

// FileConfigRepo reads the config from a JSON or YAML file, chosen by extension.
// A missing file is an empty config.
type FileConfigRepo struct {
	path string
}

func NewFileConfigRepo(path string) *FileConfigRepo {
	return &FileConfigRepo{path: path}
}

func (r *FileConfigRepo) Path() string { return r.path }

func (r *FileConfigRepo) Load(ctx context.Context) (*Config, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{Agents: map[string]Entry{}}, nil
		}
		return nil, fmt.Errorf("failed to read agent schedule config: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(r.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse agent schedule config %s: %w", r.path, err)
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]Entry{}
	}
	return cfg, nil
}

// FileStateRepo keeps the state as an indented JSON document written atomically.
type FileStateRepo struct {
	path string
	mu   sync.Mutex
}

func NewFileStateRepo(path string) *FileStateRepo {
	return &FileStateRepo{path: path}
}

func (r *FileStateRepo) Path() string { return r.path }

func (r *FileStateRepo) Load(ctx context.Context) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Update runs fn on the current state and persists the result unless fn fails.
func (r *FileStateRepo) Update(ctx context.Context, fn func(*State) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return fsutil.WriteFileAtomic(r.path, append(data, '\n'), 0644)
}

func (r *FileStateRepo) load() (*State, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newState(), nil
		}
		return nil, fmt.Errorf("failed to read agent state: %w", err)
	}
	state := newState()
	if len(strings.TrimSpace(string(data))) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse agent state %s: %w", r.path, err)
	}
	if state.Agents == nil {
		state.Agents = make(map[string]StateEntry)
	}
	return state, nil
}

// LockInstance takes an exclusive, non-blocking lock next to the state file so
// only one runner owns it. fsutil.ErrLocked means another runner is active.
func LockInstance(statePath string) (*fsutil.FileLock, error) {
	lock := fsutil.NewFileLock(statePath + ".lock")
	if err := lock.TryLock(); err != nil {
		return nil, err
	}
	return lock, nil
}
