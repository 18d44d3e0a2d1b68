// Package schema reads and writes app snapshots on disk. Snapshots live at
// .schemaline/<app>/schema.<env>.json inside the workspace.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"schemaline/internal/db"
	"schemaline/internal/domain"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrInvalidName      = errors.New("invalid name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName checks that an app or environment name is a single path
// segment of letters, digits, dashes and underscores.
func ValidateName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%s %q: %w", kind, name, ErrInvalidName)
	}
	return nil
}

func validatePair(app, env string) error {
	if err := ValidateName("app", app); err != nil {
		return err
	}
	return ValidateName("environment", env)
}

// MissingError is returned when the snapshot of an app in an environment has
// not been fetched yet. It matches ErrSnapshotNotFound.
type MissingError struct {
	App         string
	Environment string
	Path        string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s: no %s snapshot at %s; run sl schema fetch %s --env %s", e.App, e.Environment, e.Path, e.App, e.Environment)
}

func (e *MissingError) Is(target error) bool { return target == ErrSnapshotNotFound }

type Store struct {
	Workspace string
}

// AppDir returns the per-app directory.
func (s Store) AppDir(app string) string {
	return filepath.Join(db.DataDir(s.Workspace), app)
}

// Path returns the snapshot path for app in env.
func (s Store) Path(app, env string) string {
	return filepath.Join(s.AppDir(app), fmt.Sprintf("schema.%s.json", env))
}

// Load reads a snapshot. A missing file yields a *MissingError and a bad
// app or environment name an ErrInvalidName.
func (s Store) Load(app, env string) (domain.Snapshot, error) {
	if err := validatePair(app, env); err != nil {
		return domain.Snapshot{}, err
	}
	path := s.Path(app, env)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Snapshot{}, &MissingError{App: app, Environment: env, Path: path}
		}
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if snap.AppName == "" {
		snap.AppName = app
	}
	if snap.Environment == "" {
		snap.Environment = env
	}
	return snap, nil
}

// LoadPair reads the source and target snapshots of app.
func (s Store) LoadPair(app, fromEnv, toEnv string) (domain.Snapshot, domain.Snapshot, error) {
	source, err := s.Load(app, fromEnv)
	if err != nil {
		return domain.Snapshot{}, domain.Snapshot{}, err
	}
	target, err := s.Load(app, toEnv)
	if err != nil {
		return domain.Snapshot{}, domain.Snapshot{}, err
	}
	return source, target, nil
}

// Save writes snap atomically and returns its path.
func (s Store) Save(snap domain.Snapshot) (string, error) {
	if snap.AppName == "" || snap.Environment == "" {
		return "", errors.New("snapshot needs app name and environment")
	}
	if err := validatePair(snap.AppName, snap.Environment); err != nil {
		return "", err
	}
	path := s.Path(snap.AppName, snap.Environment)
	if err := writeJSON(path, snap); err != nil {
		return "", err
	}
	return path, nil
}

// Apps lists app directories that hold at least one snapshot.
func (s Store) Apps() ([]string, error) {
	entries, err := os.ReadDir(db.DataDir(s.Workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	apps := []string{}
	for _, e := range entries {
		if !e.IsDir() || ValidateName("app", e.Name()) != nil {
			continue
		}
		matches, _ := filepath.Glob(filepath.Join(s.AppDir(e.Name()), "schema.*.json"))
		if len(matches) > 0 {
			apps = append(apps, e.Name())
		}
	}
	return apps, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Environments lists the environments app has snapshots for, sorted.
func (s Store) Environments(app string) ([]string, error) {
	if err := ValidateName("app", app); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.AppDir(app), "schema.*.json"))
	if err != nil {
		return nil, err
	}
	envs := []string{}
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "schema."), ".json")
		if name != "" {
			envs = append(envs, name)
		}
	}
	sort.Strings(envs)
	return envs, nil
}
