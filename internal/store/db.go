package store

import (
	"database/sql"
	"fmt"

	"github.com/andrefmz/chatsync/internal/message"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database holding messages, drafts and sync
// checkpoints. Typed columns (status, content, contentMeta, replyTo)
// round-trip through the same codec used by the wire protocol, so a
// stored row decodes exactly like a freshly fetched response.
type DB struct {
	*sql.DB
	codec  *message.Codec
	logger *zap.Logger
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, codec *message.Codec, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, codec: codec, logger: logger}, nil
}

// Codec returns the codec used for typed columns.
func (db *DB) Codec() *message.Codec {
	return db.codec
}
