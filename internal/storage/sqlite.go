package storage

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/tansaku/internal/apperr"
	"github.com/hyperjump/tansaku/internal/models"
)

// SQLiteStore keeps library snapshots in a single SQLite database. Same
// contract as the JSON store: no embeddings, best-effort writes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database and initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, err, "create database directory")
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "open database")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, apperr.Wrap(apperr.KindPersistence, err, "enable WAL")
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, apperr.Wrap(apperr.KindPersistence, err, "initialize schema")
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS libraries (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		library_id TEXT NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
		name TEXT,
		metadata TEXT,
		position INTEGER NOT NULL,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_documents_library ON documents(library_id, position);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		text TEXT NOT NULL,
		metadata TEXT,
		position INTEGER NOT NULL,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, position);
	`
	_, err := db.Exec(schema)
	return err
}

// Save replaces the library's rows with the snapshot inside one transaction.
func (s *SQLiteStore) Save(snap *Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteLibraryRows(tx, snap.Library.ID); err != nil {
		return err
	}
	meta, err := marshalMetadata(snap.Library.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO libraries (id, name, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		snap.Library.ID.String(), snap.Library.Name, meta, snap.Library.CreatedAt, snap.Library.UpdatedAt,
	); err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "insert library")
	}
	for pos, doc := range snap.Documents {
		meta, err := marshalMetadata(doc.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO documents (id, library_id, name, metadata, position, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			doc.ID.String(), doc.LibraryID.String(), doc.Name, meta, pos, doc.CreatedAt, doc.UpdatedAt,
		); err != nil {
			return apperr.Wrap(apperr.KindPersistence, err, "insert document")
		}
	}
	for pos, chunk := range snap.Chunks {
		meta, err := marshalMetadata(chunk.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO chunks (id, document_id, text, metadata, position, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			chunk.ID.String(), chunk.DocumentID.String(), chunk.Text, meta, pos, chunk.CreatedAt, chunk.UpdatedAt,
		); err != nil {
			return apperr.Wrap(apperr.KindPersistence, err, "insert chunk")
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "commit snapshot")
	}
	return nil
}

// Delete removes the library and its rows.
func (s *SQLiteStore) Delete(libraryID uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()
	if err := deleteLibraryRows(tx, libraryID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "commit delete")
	}
	return nil
}

// LoadAll restores every stored library snapshot.
func (s *SQLiteStore) LoadAll() ([]*Snapshot, error) {
	libRows, err := s.db.Query(`SELECT id, name, metadata, created_at, updated_at FROM libraries`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "query libraries")
	}
	defer libRows.Close()

	var snaps []*Snapshot
	for libRows.Next() {
		lib, err := scanLibrary(libRows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, &Snapshot{Library: lib})
	}
	if err := libRows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "iterate libraries")
	}

	for _, snap := range snaps {
		if snap.Documents, err = s.loadDocuments(snap.Library.ID); err != nil {
			return nil, err
		}
		for _, doc := range snap.Documents {
			chunks, err := s.loadChunks(doc.ID)
			if err != nil {
				return nil, err
			}
			snap.Chunks = append(snap.Chunks, chunks...)
		}
	}
	return snaps, nil
}

func (s *SQLiteStore) loadDocuments(libraryID uuid.UUID) ([]*models.Document, error) {
	rows, err := s.db.Query(
		`SELECT id, library_id, name, metadata, created_at, updated_at FROM documents WHERE library_id = ? ORDER BY position`,
		libraryID.String(),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "query documents")
	}
	defer rows.Close()
	var docs []*models.Document
	for rows.Next() {
		var doc models.Document
		var id, libID string
		var meta sql.NullString
		if err := rows.Scan(&id, &libID, &doc.Name, &meta, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, err, "scan document")
		}
		if doc.ID, err = uuid.Parse(id); err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, err, "parse document id")
		}
		if doc.LibraryID, err = uuid.Parse(libID); err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, err, "parse document library id")
		}
		if doc.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) loadChunks(documentID uuid.UUID) ([]*models.Chunk, error) {
	rows, err := s.db.Query(
		`SELECT id, document_id, text, metadata, created_at, updated_at FROM chunks WHERE document_id = ? ORDER BY position`,
		documentID.String(),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "query chunks")
	}
	defer rows.Close()
	var chunks []*models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		var id, docID string
		var meta sql.NullString
		if err := rows.Scan(&id, &docID, &chunk.Text, &meta, &chunk.CreatedAt, &chunk.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, err, "scan chunk")
		}
		if chunk.ID, err = uuid.Parse(id); err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, err, "parse chunk id")
		}
		if chunk.DocumentID, err = uuid.Parse(docID); err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, err, "parse chunk document id")
		}
		if chunk.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, err
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func deleteLibraryRows(tx *sql.Tx, libraryID uuid.UUID) error {
	id := libraryID.String()
	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id IN (SELECT id FROM documents WHERE library_id = ?)`, id); err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "delete chunks")
	}
	if _, err := tx.Exec(`DELETE FROM documents WHERE library_id = ?`, id); err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "delete documents")
	}
	if _, err := tx.Exec(`DELETE FROM libraries WHERE id = ?`, id); err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "delete library")
	}
	return nil
}

type libraryScanner interface {
	Scan(dest ...any) error
}

func scanLibrary(row libraryScanner) (*models.Library, error) {
	var lib models.Library
	var id string
	var meta sql.NullString
	var err error
	if err = row.Scan(&id, &lib.Name, &meta, &lib.CreatedAt, &lib.UpdatedAt); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "scan library")
	}
	if lib.ID, err = uuid.Parse(id); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "parse library id")
	}
	if lib.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, err
	}
	return &lib, nil
}

func marshalMetadata(m map[string]string) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, apperr.Wrap(apperr.KindPersistence, err, "marshal metadata")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, err, "unmarshal metadata")
	}
	return m, nil
}
