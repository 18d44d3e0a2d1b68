package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"schemaline/internal/db"
	"schemaline/internal/domain"
	"schemaline/internal/platform"
)

var ErrNoBackups = errors.New("no backups found")

// timeLayout has a fixed width so backup times sort as strings.
const timeLayout = "2006-01-02T15:04:05.000Z"

// ReasonPreDeploy marks artifacts written ahead of a schema deploy.
const ReasonPreDeploy = "pre-deploy"

// Store keeps backup artifacts under .schemaline/<app>/backups.
type Store struct {
	Workspace string
}

// Entry is a listed artifact.
type Entry struct {
	Path     string                `json:"path"`
	Size     int64                 `json:"size"`
	Metadata domain.BackupMetadata `json:"metadata"`
}

func (s Store) Dir(app string) string {
	return filepath.Join(db.DataDir(s.Workspace), app, "backups")
}

// FileName derives the artifact name from the environment and backup time.
func FileName(env string, at time.Time) string {
	ts := at.UTC().Format(timeLayout)
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return fmt.Sprintf("backup-%s-%s.json", env, ts)
}

// Write stores b and returns its path.
func (s Store) Write(b domain.Backup, at time.Time) (string, error) {
	dir := s.Dir(b.Metadata.AppName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(b.Metadata.Environment, at))
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads one artifact.
func (s Store) Load(path string) (domain.Backup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Backup{}, err
	}
	var b domain.Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return domain.Backup{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return b, nil
}

// List returns the artifacts of app, newest first. A non-empty env keeps
// only that environment.
func (s Store) List(app, env string) ([]Entry, error) {
	dir := s.Dir(app)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	entries := []Entry{}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, "backup-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := f.Info()
		if err != nil {
			return nil, err
		}
		meta, err := readMetadata(path)
		if err != nil {
			return nil, err
		}
		if env != "" && meta.Environment != env {
			continue
		}
		entries = append(entries, Entry{Path: path, Size: info.Size(), Metadata: meta})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Metadata.BackupAt != entries[j].Metadata.BackupAt {
			return entries[i].Metadata.BackupAt > entries[j].Metadata.BackupAt
		}
		return entries[i].Path > entries[j].Path
	})
	return entries, nil
}

// Latest returns the newest artifact of app in env.
func (s Store) Latest(app, env string) (Entry, error) {
	entries, err := s.List(app, env)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%s %s: %w", app, env, ErrNoBackups)
	}
	return entries[0], nil
}

func readMetadata(path string) (domain.BackupMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	defer f.Close()
	var head struct {
		Metadata domain.BackupMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(f).Decode(&head); err != nil {
		return domain.BackupMetadata{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return head.Metadata, nil
}

// BackupRequest identifies what to back up.
type BackupRequest struct {
	AppName     string
	AppID       string
	Environment string
	BaseURL     string
	Query       string
	Reason      string
}

// BackupResult reports a backup. Path is empty when the app had no records.
type BackupResult struct {
	Path    string `json:"path,omitempty"`
	Records int    `json:"records"`
}

// Backuper exports all records of an app to an artifact.
type Backuper struct {
	API    platform.RecordReader
	Store  Store
	Logger *zap.Logger
	Now    func() time.Time
}

// Backup fetches every record matching req.Query and writes them. No
// artifact is written for an empty result.
func (b Backuper) Backup(ctx context.Context, req BackupRequest) (BackupResult, error) {
	if b.Now == nil {
		b.Now = time.Now
	}
	log := b.logger().With(zap.String("app", req.AppName), zap.String("env", req.Environment))
	records, err := FetchAll(ctx, b.API, req.AppID, req.Query)
	if err != nil {
		return BackupResult{}, fmt.Errorf("backup %s: %w", req.AppName, err)
	}
	if len(records) == 0 {
		log.Info("no records to back up")
		return BackupResult{}, nil
	}
	at := b.Now()
	backup := domain.Backup{
		Metadata: domain.BackupMetadata{
			AppID:        req.AppID,
			AppName:      req.AppName,
			Environment:  req.Environment,
			BackupAt:     at.UTC().Format(timeLayout),
			BaseURL:      req.BaseURL,
			TotalRecords: len(records),
			Reason:       req.Reason,
			Query:        req.Query,
		},
		Records: records,
	}
	path, err := b.Store.Write(backup, at)
	if err != nil {
		return BackupResult{}, fmt.Errorf("write backup %s: %w", req.AppName, err)
	}
	log.Info("records backed up", zap.Int("records", len(records)), zap.String("path", path))
	return BackupResult{Path: path, Records: len(records)}, nil
}

func (b Backuper) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}
