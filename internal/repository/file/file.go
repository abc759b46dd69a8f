// Package file persists the environment registry as a single JSON artifact.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Yamkia/webnexagent/internal/domain"
	"github.com/Yamkia/webnexagent/internal/repository"
)

// Store reads and rewrites the whole artifact on every mutation. The mutex
// serializes writers within one process only; concurrent processes racing the
// read-modify-write can lose an update, but the rename keeps the artifact
// itself well formed.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

var _ repository.RegistryStore = (*Store)(nil)

// New returns a store backed by the JSON artifact at path.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Upsert replaces any record sharing (db_name, port) and prepends the new one.
func (s *Store) Upsert(ctx context.Context, record domain.EnvironmentRecord) ([]domain.EnvironmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	kept := make([]domain.EnvironmentRecord, 0, len(records)+1)
	kept = append(kept, record)
	for _, existing := range records {
		if existing.SameIdentity(record) {
			continue
		}
		kept = append(kept, existing)
	}
	if err := s.save(kept); err != nil {
		return nil, err
	}
	return kept, nil
}

// List returns current records, newest insertion first.
func (s *Store) List(ctx context.Context) ([]domain.EnvironmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(), nil
}

// Remove deletes all records for the database name. Removing a name that is
// absent is a no-op.
func (s *Store) Remove(ctx context.Context, databaseName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	kept := records[:0]
	for _, existing := range records {
		if existing.DatabaseName == databaseName {
			continue
		}
		kept = append(kept, existing)
	}
	if len(kept) == len(records) {
		return nil
	}
	return s.save(kept)
}

// load treats a missing or unparseable artifact as an empty registry.
func (s *Store) load() []domain.EnvironmentRecord {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("registry artifact unreadable, treating as empty", "path", s.path, "error", err)
		}
		return nil
	}
	var records []domain.EnvironmentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("registry artifact corrupt, treating as empty", "path", s.path, "error", err)
		return nil
	}
	return records
}

func (s *Store) save(records []domain.EnvironmentRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".env_history-*")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace registry artifact: %w", err)
	}
	return nil
}
