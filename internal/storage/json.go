package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tansaku/internal/apperr"
)

const (
	libraryFilePrefix = "library_"
	libraryFileSuffix = ".json"
)

// JSONStore writes one file per library under a data directory, named
// library_{uuid}.json. Writes go to a temp file first and are renamed into
// place so readers never observe a torn snapshot.
type JSONStore struct {
	dir    string
	logger *zap.Logger
}

// NewJSONStore creates the data directory if needed.
func NewJSONStore(dir string, logger *zap.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "create data directory")
	}
	return &JSONStore{dir: dir, logger: logger}, nil
}

// LibraryFile returns the snapshot path for a library id.
func (s *JSONStore) LibraryFile(libraryID uuid.UUID) string {
	return filepath.Join(s.dir, libraryFilePrefix+libraryID.String()+libraryFileSuffix)
}

// Save writes the snapshot. Chunk embeddings are never serialized.
func (s *JSONStore) Save(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "marshal library snapshot")
	}
	path := s.LibraryFile(snap.Library.ID)
	tmp, err := os.CreateTemp(s.dir, libraryFilePrefix+"*.tmp")
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "create temp snapshot")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperr.Wrap(apperr.KindPersistence, err, "write snapshot")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperr.Wrap(apperr.KindPersistence, err, "close snapshot")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return apperr.Wrap(apperr.KindPersistence, err, "rename snapshot into place")
	}
	return nil
}

// Delete removes the library's snapshot file; a missing file is fine.
func (s *JSONStore) Delete(libraryID uuid.UUID) error {
	if err := os.Remove(s.LibraryFile(libraryID)); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindPersistence, err, "remove snapshot")
	}
	return nil
}

// LoadAll reads every library_*.json in the data directory. Unreadable
// files are skipped with a warning so one bad snapshot cannot block startup.
func (s *JSONStore) LoadAll() ([]*Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "read data directory")
	}
	var snaps []*Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, libraryFilePrefix) || !strings.HasSuffix(name, libraryFileSuffix) {
			continue
		}
		snap, err := s.LoadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable library snapshot", zap.String("file", name), zap.Error(err))
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// LoadFile reads and validates a single snapshot file.
func (s *JSONStore) LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "read snapshot")
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "parse snapshot")
	}
	if snap.Library == nil || snap.Library.ID == uuid.Nil {
		return nil, apperr.New(apperr.KindPersistence, "snapshot %s has no library id", filepath.Base(path))
	}
	return &snap, nil
}

// Close is a no-op for the JSON store.
func (s *JSONStore) Close() error {
	return nil
}

// SnapshotFileID extracts the library id from a snapshot file name, if the
// name matches the library_{uuid}.json pattern.
func SnapshotFileID(path string) (uuid.UUID, bool) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, libraryFilePrefix) || !strings.HasSuffix(name, libraryFileSuffix) {
		return uuid.Nil, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, libraryFilePrefix), libraryFileSuffix)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
