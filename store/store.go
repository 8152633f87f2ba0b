// Package store keeps a local history of builds and device faults in a
// SQLite database. The CLI and the control service record every compiled
// image and every fault report here, so a misbehaving device can be traced
// back to the exact image it runs.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/motelab/mote/image"
)

const defaultRecent = 20

// Build is one recorded compilation: which project produced it, the entry
// point it was compiled for, and the shape of the encoded image.
type Build struct {
	ID        int64
	Project   string
	Entry     string
	Hash      string // hex SHA-256 of the encoded image
	Size      int    // encoded image bytes
	Classes   int
	Methods   int
	Constants int
	CreatedAt time.Time
}

// NewBuild summarizes a compiled image for recording. encoded must be the
// image's own encoding; the hash is computed over it.
func NewBuild(project string, img *image.Image, encoded []byte) Build {
	sum := sha256.Sum256(encoded)
	return Build{
		Project:   project,
		Entry:     img.Symbols.MethodName(img.Entry),
		Hash:      hex.EncodeToString(sum[:]),
		Size:      len(encoded),
		Classes:   len(img.Classes),
		Methods:   len(img.Methods),
		Constants: len(img.Constants),
	}
}

// Fault is one recorded device fault. Tokens are symbolized at record time so
// the row stays readable after the image that raised it is gone.
type Fault struct {
	ID        int64
	Project   string
	Type      string // reserved fault name or exception class identity
	Method    string // method identity the fault was pinned to
	Offset    uint32 // instruction offset within that method
	CreatedAt time.Time
}

// Store is an open history database. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS builds (
		id INTEGER PRIMARY KEY,
		project TEXT NOT NULL,
		entry TEXT NOT NULL,
		hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		classes INTEGER NOT NULL,
		methods INTEGER NOT NULL,
		constants INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create builds table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS faults (
		id INTEGER PRIMARY KEY,
		project TEXT NOT NULL,
		fault TEXT NOT NULL,
		method TEXT NOT NULL,
		offset INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create faults table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordBuild inserts a build row and returns its id. A zero CreatedAt is
// stamped with the current time.
func (s *Store) RecordBuild(b Build) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := b.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.Exec(
		"INSERT INTO builds (project, entry, hash, size, classes, methods, constants, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		b.Project, b.Entry, b.Hash, b.Size, b.Classes, b.Methods, b.Constants, at.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: record build: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: build id: %w", err)
	}
	return id, nil
}

// RecordFault inserts a fault row and returns its id. A zero CreatedAt is
// stamped with the current time.
func (s *Store) RecordFault(f Fault) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := f.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.Exec(
		"INSERT INTO faults (project, fault, method, offset, created_at) VALUES (?, ?, ?, ?, ?)",
		f.Project, f.Type, f.Method, f.Offset, at.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: record fault: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: fault id: %w", err)
	}
	return id, nil
}

// RecentBuilds returns the newest builds first, at most limit rows. A
// non-positive limit selects a small default.
func (s *Store) RecentBuilds(limit int) ([]Build, error) {
	if limit <= 0 {
		limit = defaultRecent
	}
	rows, err := s.db.Query(
		"SELECT id, project, entry, hash, size, classes, methods, constants, created_at FROM builds ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query builds: %w", err)
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		var b Build
		var at int64
		if err := rows.Scan(&b.ID, &b.Project, &b.Entry, &b.Hash, &b.Size, &b.Classes, &b.Methods, &b.Constants, &at); err != nil {
			return nil, fmt.Errorf("store: scan build: %w", err)
		}
		b.CreatedAt = time.Unix(at, 0)
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query builds: %w", err)
	}
	return builds, nil
}

// RecentFaults returns the newest faults first, at most limit rows. A
// non-positive limit selects a small default.
func (s *Store) RecentFaults(limit int) ([]Fault, error) {
	if limit <= 0 {
		limit = defaultRecent
	}
	rows, err := s.db.Query(
		"SELECT id, project, fault, method, offset, created_at FROM faults ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query faults: %w", err)
	}
	defer rows.Close()

	var faults []Fault
	for rows.Next() {
		var f Fault
		var at int64
		if err := rows.Scan(&f.ID, &f.Project, &f.Type, &f.Method, &f.Offset, &at); err != nil {
			return nil, fmt.Errorf("store: scan fault: %w", err)
		}
		f.CreatedAt = time.Unix(at, 0)
		faults = append(faults, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query faults: %w", err)
	}
	return faults, nil
}
