package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/failure"
	_ "modernc.org/sqlite"
)

// Recording is a finished capture. It is immutable once inserted.
type Recording struct {
	ID         int64
	FilePath   string
	CreatedAt  time.Time
	DurationMs int64
}

// Store wraps the SQLite catalog of recordings, transcripts, summaries, the
// full-text index and the transcription job table.
type Store struct {
	db    *sql.DB
	cfg   config.StorageConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the catalog according to config.
func Open(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.DBPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "store")), clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			s.log.Warn("catalog vacuum failed", slogError(err))
		}
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_path TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id INTEGER NOT NULL UNIQUE,
    text TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id INTEGER NOT NULL,
    start_ms INTEGER NOT NULL,
    end_ms INTEGER NOT NULL,
    text TEXT NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_recording ON segments(recording_id, start_ms);
CREATE TABLE IF NOT EXISTS summaries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id INTEGER NOT NULL UNIQUE,
    json TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(id) ON DELETE CASCADE
);
CREATE VIRTUAL TABLE IF NOT EXISTS transcript_fts USING fts5(
    recording_id UNINDEXED,
    transcript,
    segments,
    keywords,
    tags,
    participants,
    tokenize = 'unicode61 remove_diacritics 2'
);
CREATE TABLE IF NOT EXISTS transcription_jobs (
    recording_id INTEGER PRIMARY KEY,
    job_id TEXT NOT NULL,
    state TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    not_before INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON transcription_jobs(state, not_before);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertRecording catalogs a finished capture and returns its id.
func (s *Store) InsertRecording(ctx context.Context, rec Recording) (int64, error) {
	if rec.FilePath == "" {
		return 0, failure.New(failure.MalformedInput, "insert recording", errors.New("empty file path"))
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(file_path, created_at, duration_ms) VALUES(?, ?, ?)`,
		rec.FilePath, rec.CreatedAt.UnixMilli(), rec.DurationMs)
	if err != nil {
		return 0, failure.New(failure.TransientIO, "insert recording", err)
	}
	return res.LastInsertId()
}

// GetRecording returns the recording with id, or a failure.InvalidState error
// when it does not exist.
func (s *Store) GetRecording(ctx context.Context, id int64) (Recording, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_path, created_at, duration_ms FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, failure.New(failure.InvalidState, "get recording", fmt.Errorf("recording %d not found", id))
	}
	return rec, err
}

// ListRecordings returns recordings newest first. A non-positive limit
// returns all of them.
func (s *Store) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_path, created_at, duration_ms FROM recordings
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteRecording removes a recording together with every derived row.
func (s *Store) DeleteRecording(ctx context.Context, id int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM transcript_fts WHERE recording_id = ?`, id); err != nil {
		return fmt.Errorf("delete search row: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = failure.New(failure.InvalidState, "delete recording", fmt.Errorf("recording %d not found", id))
		return err
	}
	err = tx.Commit()
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (Recording, error) {
	var rec Recording
	var created int64
	if err := row.Scan(&rec.ID, &rec.FilePath, &created, &rec.DurationMs); err != nil {
		return Recording{}, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	return rec, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
