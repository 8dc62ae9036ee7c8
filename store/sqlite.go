package store

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLitePersister keeps completed objects in a SQLite database so hits
// survive process restarts.
type SQLitePersister struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// NewSQLitePersister opens (and if needed initializes) the database at
// filename. An empty filename opens a shared in-memory database.
func NewSQLitePersister(filename string) (*SQLitePersister, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			key TEXT PRIMARY KEY,
			expires INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON objects (expires)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLitePersister{db: db}, nil
}

func (s *SQLitePersister) Get(key string) ([]byte, bool, error) {
	var expires int64
	var bytes []byte
	err := s.db.QueryRow("SELECT expires, bytes FROM objects WHERE key = ?", key).
		Scan(&expires, &bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expires > 0 && time.Now().After(time.Unix(expires, 0)) {
		_ = s.Purge(key)
		return nil, false, nil
	}
	return bytes, true, nil
}

func (s *SQLitePersister) Put(key string, expires time.Time, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var exp int64
	if !expires.IsZero() {
		exp = expires.Unix()
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO objects (key, expires, bytes) VALUES (?, ?, ?)",
		key, exp, bytes)
	return err
}

func (s *SQLitePersister) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM objects WHERE key = ?", key)
	return err
}

func (s *SQLitePersister) AllKeys(prefix string, cb func(string)) error {
	rows, err := s.db.Query(
		"SELECT key FROM objects WHERE key LIKE ? ESCAPE '\\'",
		likePattern(prefix))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

// Close releases the database handle.
func (s *SQLitePersister) Close() error {
	return s.db.Close()
}

func likePattern(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+8)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(escaped) + "%"
}
