// Package history keeps a best-effort run ledger in SQLite. Ledger failures
// are logged and swallowed: history must never fail a generation request.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"sdgen/logging"
	"sdgen/pipeline"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	// DBFileName is the ledger file under the data directory.
	DBFileName = "sdgen.db"

	busyTimeoutMS = 5000
	recordTimeout = 5 * time.Second
	defaultRecent = 20
)

// Store is the SQLite-backed run ledger. It implements pipeline.Recorder.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens (or creates) the ledger at path, applying pending migrations.
// SQLite runs in WAL mode with a single writer, which is all a one-shot
// process needs.
func Open(path string, logger *logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", pragma, err)
		}
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

func applyMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "main", driver)
	if err != nil {
		return fmt.Errorf("history: create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: apply migrations: %w", err)
	}
	return nil
}

// Record persists one run. Errors are logged and dropped.
func (s *Store) Record(rec pipeline.RunRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_history (
			correlation_id, model_path, family, backend, precision,
			memory_mode, scheduler, prompt, negative_prompt, steps,
			guidance, width, height, seed, image_count, mode, status,
			error_message, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.ModelPath, rec.Family, rec.Backend, rec.Precision,
		rec.MemoryMode, rec.Scheduler, rec.Prompt, rec.NegativePrompt, rec.Steps,
		rec.Guidance, rec.Width, rec.Height, rec.Seed, rec.ImageCount, rec.Mode,
		rec.Status, nullable(rec.ErrorMessage), rec.Duration.Milliseconds(),
	)
	if err != nil {
		s.logger.Warn("failed to record generation history", zap.Error(err))
	}
}

// Recent returns the latest n ledger entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]pipeline.RunRecord, error) {
	if n <= 0 {
		n = defaultRecent
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, model_path, family, backend, precision,
		       memory_mode, scheduler, prompt, negative_prompt, steps,
		       guidance, width, height, seed, image_count, mode, status,
		       COALESCE(error_message, ''), duration_ms
		FROM generation_history
		ORDER BY id DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []pipeline.RunRecord
	for rows.Next() {
		var rec pipeline.RunRecord
		var durationMS int64
		if err := rows.Scan(
			&rec.CorrelationID, &rec.ModelPath, &rec.Family, &rec.Backend,
			&rec.Precision, &rec.MemoryMode, &rec.Scheduler, &rec.Prompt,
			&rec.NegativePrompt, &rec.Steps, &rec.Guidance, &rec.Width,
			&rec.Height, &rec.Seed, &rec.ImageCount, &rec.Mode, &rec.Status,
			&rec.ErrorMessage, &durationMS,
		); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
