package store

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Records, training runs, epochs and predictions",
		SQL: `
CREATE TABLE IF NOT EXISTS records (
    city TEXT NOT NULL,
    day TEXT NOT NULL,
    temp_c REAL NOT NULL,
    PRIMARY KEY (city, day)
);

CREATE TABLE IF NOT EXISTS training_runs (
    id TEXT PRIMARY KEY,
    city TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    epochs_run INTEGER NOT NULL DEFAULT 0,
    best_epoch INTEGER,
    best_val_loss REAL,
    stopped_early BOOLEAN NOT NULL DEFAULT FALSE,
    test_mae REAL,
    test_rmse REAL,
    backtest_mae REAL,
    config_json TEXT NOT NULL DEFAULT '{}',
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_city_started ON training_runs(city, started_at);

CREATE TABLE IF NOT EXISTS training_epochs (
    run_id TEXT NOT NULL REFERENCES training_runs(id),
    epoch INTEGER NOT NULL,
    loss REAL NOT NULL,
    mae REAL NOT NULL,
    val_loss REAL NOT NULL,
    val_mae REAL NOT NULL,
    PRIMARY KEY (run_id, epoch)
);

CREATE TABLE IF NOT EXISTS predictions (
    run_id TEXT NOT NULL REFERENCES training_runs(id),
    kind TEXT NOT NULL,
    day TEXT NOT NULL,
    actual REAL NOT NULL,
    predicted REAL NOT NULL,
    PRIMARY KEY (run_id, kind, day)
);
`,
	},
}

// Migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	current, err := s.MigrationVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
		s.logger.Info("applied migration", "version", m.Version, "description", m.Description)
	}
	return nil
}

func (s *Store) apply(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// MigrationVersion returns the highest applied version, 0 on a fresh database.
func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
