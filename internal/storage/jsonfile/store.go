// Package jsonfile persists download records as a single JSON snapshot that is
// rewritten atomically on every mutation.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

type snapshot struct {
	Version uint64                            `json:"version"`
	Records map[string]storage.DownloadRecord `json:"records"`
}

// Store implements storage.Store on top of a JSON file.
type Store struct {
	path string

	mu      sync.RWMutex
	records map[string]storage.DownloadRecord
	version uint64
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open loads the snapshot at path. A missing file yields an empty store, and so
// does an unreadable one: the damaged file is moved aside and a warning logged.
func Open(ctx context.Context, path string) (*Store, error) {
	logger := logctx.LoggerFromContext(ctx).With("store_path", path)

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		path:    path,
		records: make(map[string]storage.DownloadRecord),
		now:     time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to read download store, starting empty", "err", err)
		}

		return s, nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warn("download store is corrupted, starting empty", "err", err)

		if err := os.Rename(path, path+".corrupt"); err != nil {
			logger.Warn("failed to move corrupted store aside", "err", err)
		}

		return s, nil
	}

	s.version = snap.Version

	for key, rec := range snap.Records {
		rec.Key = key
		s.records[key] = rec

		if rec.Version > s.version {
			s.version = rec.Version
		}
	}

	logger.Debug("download store loaded", "records", len(s.records))

	return s, nil
}

// Path returns the location of the snapshot file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Save(_ context.Context, rec storage.DownloadRecord) (storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec = rec.Clone()
	s.stamp(&rec)

	if err := s.put(rec); err != nil {
		return storage.DownloadRecord{}, err
	}

	return rec.Clone(), nil
}

func (s *Store) Get(_ context.Context, key string) (storage.DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return storage.DownloadRecord{}, storage.ErrNotFound
	}

	return rec.Clone(), nil
}

func (s *Store) GetAll(_ context.Context) ([]storage.DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.DownloadRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.records[key]
	if !ok {
		return nil
	}

	delete(s.records, key)

	if err := s.flush(); err != nil {
		s.records[key] = prev

		return err
	}

	return nil
}

func (s *Store) Update(_ context.Context, key string, fn storage.MutateFunc) (storage.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[key]
	if !ok {
		return storage.DownloadRecord{}, storage.ErrNotFound
	}

	rec := current.Clone()
	if err := fn(&rec); err != nil {
		return storage.DownloadRecord{}, err
	}

	rec.Key = key
	s.stamp(&rec)

	if err := s.put(rec); err != nil {
		return storage.DownloadRecord{}, err
	}

	return rec.Clone(), nil
}

// put stores rec and flushes, restoring the previous value when the write fails.
// Callers hold s.mu.
func (s *Store) put(rec storage.DownloadRecord) error {
	prev, had := s.records[rec.Key]
	s.records[rec.Key] = rec

	if err := s.flush(); err != nil {
		if had {
			s.records[rec.Key] = prev
		} else {
			delete(s.records, rec.Key)
		}

		return err
	}

	return nil
}

func (s *Store) stamp(rec *storage.DownloadRecord) {
	now := s.now().UTC()

	s.version++
	rec.Version = s.version
	rec.UpdatedAt = now

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
}

// flush rewrites the snapshot through a temporary file so readers of the file
// never see a torn write. Callers hold s.mu.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(snapshot{Version: s.version, Records: s.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal download store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary store file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("failed to write download store: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("failed to sync download store: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to close download store: %w", err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to set store permissions: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to replace download store: %w", err)
	}

	return nil
}
