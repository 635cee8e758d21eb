// Package vectorstore provides dense vector storage and cosine-similarity
// search over embeddings, backed by SQLite's sqlite-vec extension.
package vectorstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Match is a single result from Query: the vector's id, its cosine
// similarity score (higher is more similar), and its opaque metadata.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Store is a SQLite-backed vector index. One vec0 virtual table holds the
// embeddings; a companion table holds the id and JSON-encoded metadata
// each embedding row maps to, since vec0 virtual tables cannot carry
// arbitrary columns alongside the vector.
type Store struct {
	db  *sql.DB
	dim int
}

const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"

// Open opens or creates the vector database at dbPath with the given
// embedding dimension, creating its schema if absent.
func Open(dbPath string, dim int) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("vectorstore: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+defaultSQLiteParams)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorstore: ping database: %w", err)
	}

	s := &Store{db: db, dim: dim}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_items USING vec0(embedding float[%d] distance_metric=cosine)`, s.dim),
		`CREATE TABLE IF NOT EXISTS vec_meta (
			rowid INTEGER PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			metadata TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("vectorstore: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert stores or replaces the embedding and metadata for id.
func (s *Store) Upsert(id string, values []float32, metadata map[string]any) error {
	if len(values) != s.dim {
		return fmt.Errorf("vectorstore: embedding has %d dims, want %d", len(values), s.dim)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal metadata: %w", err)
	}
	blob, err := sqlite_vec.SerializeFloat32(values)
	if err != nil {
		return fmt.Errorf("vectorstore: serialize embedding: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("vectorstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var rowid int64
	err = tx.QueryRow(`SELECT rowid FROM vec_meta WHERE id = ?`, id).Scan(&rowid)
	switch {
	case err == sql.ErrNoRows:
		res, insErr := tx.Exec(`INSERT INTO vec_items(embedding) VALUES (?)`, blob)
		if insErr != nil {
			return fmt.Errorf("vectorstore: insert embedding: %w", insErr)
		}
		rowid, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("vectorstore: get inserted rowid: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO vec_meta(rowid, id, metadata) VALUES (?, ?, ?)`, rowid, id, string(metaJSON)); err != nil {
			return fmt.Errorf("vectorstore: insert metadata: %w", err)
		}
	case err != nil:
		return fmt.Errorf("vectorstore: lookup existing rowid: %w", err)
	default:
		if _, err := tx.Exec(`UPDATE vec_items SET embedding = ? WHERE rowid = ?`, blob, rowid); err != nil {
			return fmt.Errorf("vectorstore: update embedding: %w", err)
		}
		if _, err := tx.Exec(`UPDATE vec_meta SET metadata = ? WHERE rowid = ?`, string(metaJSON), rowid); err != nil {
			return fmt.Errorf("vectorstore: update metadata: %w", err)
		}
	}

	return tx.Commit()
}

// Query returns the topK nearest neighbors to vector by cosine similarity.
func (s *Store) Query(vector []float32, topK int) ([]Match, error) {
	if len(vector) != s.dim {
		return nil, fmt.Errorf("vectorstore: query vector has %d dims, want %d", len(vector), s.dim)
	}
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: serialize query vector: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT m.id, v.distance, m.metadata
		FROM (
			SELECT rowid, distance FROM vec_items
			WHERE embedding MATCH ? AND k = ?
			ORDER BY distance
		) v
		JOIN vec_meta m ON m.rowid = v.rowid
	`, blob, topK)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id, metaJSON string
		var distance float64
		if err := rows.Scan(&id, &distance, &metaJSON); err != nil {
			return nil, fmt.Errorf("vectorstore: scan match: %w", err)
		}
		var metadata map[string]any
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &metadata); err != nil {
				return nil, fmt.Errorf("vectorstore: unmarshal metadata: %w", err)
			}
		}
		matches = append(matches, Match{
			ID:       id,
			Score:    1 - distance,
			Metadata: metadata,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorstore: iterate matches: %w", err)
	}
	return matches, nil
}

// DeleteByIDs removes the vectors and metadata for the given ids.
func (s *Store) DeleteByIDs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("vectorstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := tx.Query(`SELECT rowid FROM vec_meta WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("vectorstore: lookup rowids: %w", err)
	}
	var rowids []any
	for rows.Next() {
		var rowid int64
		if err := rows.Scan(&rowid); err != nil {
			rows.Close()
			return fmt.Errorf("vectorstore: scan rowid: %w", err)
		}
		rowids = append(rowids, rowid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("vectorstore: iterate rowids: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM vec_meta WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("vectorstore: delete metadata: %w", err)
	}
	if len(rowids) > 0 {
		rowPlaceholders := strings.TrimSuffix(strings.Repeat("?,", len(rowids)), ",")
		if _, err := tx.Exec(`DELETE FROM vec_items WHERE rowid IN (`+rowPlaceholders+`)`, rowids...); err != nil {
			return fmt.Errorf("vectorstore: delete embeddings: %w", err)
		}
	}

	return tx.Commit()
}
