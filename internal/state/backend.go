package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/ticketd/internal/config"
	"github.com/mattjoyce/ticketd/internal/storage"
)

// Backend persists the raw state document. Read returns (nil, nil) when
// nothing has been written yet.
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Describe() string
	Close() error
}

// OpenBackend builds the backend selected by state.backend.
func OpenBackend(ctx context.Context, cfg config.StateConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return OpenSQLiteBackend(ctx, cfg.Path)
	case config.BackendJSON, "":
		return NewFileBackend(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// FileBackend stores the document as a JSON file, replaced atomically.
type FileBackend struct {
	path string
}

// NewFileBackend prepares the directory for path.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("state path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if err := storage.CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	return &FileBackend{path: path}, nil
}

func (b *FileBackend) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return data, nil
}

// Write never truncates the live file: a reader sees either the old or the
// new document.
func (b *FileBackend) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(b.path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temporary state file: %w", err)
	}
	if err := tmpFile.Chmod(0o600); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temporary state file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temporary state file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temporary state file: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file into place: %w", err)
	}

	// Make the rename itself durable.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func (b *FileBackend) Describe() string { return "json:" + b.path }

func (b *FileBackend) Close() error { return nil }

// documentName is the poller_state row holding the document.
const documentName = "poller"

// SQLiteBackend stores the document in a single-row table.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// OpenSQLiteBackend opens (and bootstraps) the database at path.
func OpenSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: db, path: path}, nil
}

func (b *SQLiteBackend) Read(ctx context.Context) ([]byte, error) {
	var raw string
	err := b.db.QueryRowContext(ctx, "SELECT document FROM poller_state WHERE name = ?;", documentName).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read poller state: %w", err)
	}
	return []byte(raw), nil
}

func (b *SQLiteBackend) Write(ctx context.Context, data []byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO poller_state(name, document, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  document = excluded.document,
  updated_at = excluded.updated_at;
`, documentName, string(data), now)
	if err != nil {
		return fmt.Errorf("upsert poller state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Describe() string { return "sqlite:" + b.path }

func (b *SQLiteBackend) Close() error { return b.db.Close() }
