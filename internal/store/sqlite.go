package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/tempcast/internal/models"
)

const dayFormat = time.DateOnly

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Open opens the sqlite database at path in WAL mode.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// UpsertRecords stores the cleaned series for city in one transaction.
func (s *Store) UpsertRecords(city string, records []models.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO records (city, day, temp_c) VALUES (?, ?, ?)
		ON CONFLICT(city, day) DO UPDATE SET temp_c = excluded.temp_c
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(city, r.Date.Format(dayFormat), r.Celsius); err != nil {
			return fmt.Errorf("upsert %s %s: %w", city, r.Date.Format(dayFormat), err)
		}
	}
	return tx.Commit()
}

// GetRecords returns the stored series for city in date order.
func (s *Store) GetRecords(city string) ([]models.Record, error) {
	rows, err := s.db.Query(`SELECT day, temp_c FROM records WHERE city = ? ORDER BY day`, city)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var day string
		var r models.Record
		if err := rows.Scan(&day, &r.Celsius); err != nil {
			return nil, err
		}
		if r.Date, err = time.Parse(dayFormat, day); err != nil {
			return nil, fmt.Errorf("parse day %q: %w", day, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountRecords returns how many days are stored for city.
func (s *Store) CountRecords(city string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE city = ?`, city).Scan(&n)
	return n, err
}

func (s *Store) InsertEpoch(runID string, e models.EpochStats) error {
	_, err := s.db.Exec(`
		INSERT INTO training_epochs (run_id, epoch, loss, mae, val_loss, val_mae)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, e.Epoch, e.Loss, e.MAE, e.ValLoss, e.ValMAE)
	return err
}

func (s *Store) GetEpochs(runID string) ([]models.EpochStats, error) {
	rows, err := s.db.Query(`
		SELECT epoch, loss, mae, val_loss, val_mae
		FROM training_epochs
		WHERE run_id = ?
		ORDER BY epoch
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var epochs []models.EpochStats
	for rows.Next() {
		var e models.EpochStats
		if err := rows.Scan(&e.Epoch, &e.Loss, &e.MAE, &e.ValLoss, &e.ValMAE); err != nil {
			return nil, err
		}
		// The loss is MSE.
		e.MSE, e.ValMSE = e.Loss, e.ValLoss
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

// InsertPredictions replaces the kind series of a run.
func (s *Store) InsertPredictions(runID, kind string, points []models.PredictionPoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM predictions WHERE run_id = ? AND kind = ?`, runID, kind); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO predictions (run_id, kind, day, actual, predicted) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, kind, day) DO UPDATE SET actual = excluded.actual, predicted = excluded.predicted
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(runID, kind, p.Date.Format(dayFormat), p.Actual, p.Predicted); err != nil {
			return fmt.Errorf("insert %s prediction %s: %w", kind, p.Date.Format(dayFormat), err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetPredictions(runID, kind string) ([]models.PredictionPoint, error) {
	rows, err := s.db.Query(`
		SELECT day, actual, predicted
		FROM predictions
		WHERE run_id = ? AND kind = ?
		ORDER BY day
	`, runID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.PredictionPoint
	for rows.Next() {
		var day string
		var p models.PredictionPoint
		if err := rows.Scan(&day, &p.Actual, &p.Predicted); err != nil {
			return nil, err
		}
		if p.Date, err = time.Parse(dayFormat, day); err != nil {
			return nil, fmt.Errorf("parse day %q: %w", day, err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
