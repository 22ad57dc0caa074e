package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/lox/tempcast/internal/models"
)

// StartRun creates a training run record and returns it.
func (s *Store) StartRun(city, configJSON string) (*models.TrainingRun, error) {
	run := &models.TrainingRun{
		ID:         uuid.NewString(),
		City:       city,
		StartedAt:  time.Now().UTC(),
		ConfigJSON: configJSON,
	}
	if run.ConfigJSON == "" {
		run.ConfigJSON = "{}"
	}

	_, err := s.db.Exec(`
		INSERT INTO training_runs (id, city, started_at, config_json, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.ID, run.City, run.StartedAt, run.ConfigJSON)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinishRun stamps the run as finished and stores its outcome.
func (s *Store) FinishRun(run *models.TrainingRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE training_runs SET
			finished_at = ?,
			epochs_run = ?,
			best_epoch = ?,
			best_val_loss = ?,
			stopped_early = ?,
			test_mae = ?,
			test_rmse = ?,
			backtest_mae = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.EpochsRun, run.BestEpoch, run.BestValLoss, run.StoppedEarly,
		run.TestMAE, run.TestRMSE, run.BacktestMAE, run.Success, run.Error, run.ID)
	return err
}

// SetBacktestMAE records a backtest made after the run finished.
func (s *Store) SetBacktestMAE(runID string, mae float64) error {
	_, err := s.db.Exec(`UPDATE training_runs SET backtest_mae = ? WHERE id = ?`, mae, runID)
	return err
}

const runColumns = `id, city, started_at, finished_at, epochs_run, best_epoch, best_val_loss,
	stopped_early, test_mae, test_rmse, backtest_mae, config_json, success, error_message`

func scanRun(row interface{ Scan(...any) error }) (*models.TrainingRun, error) {
	var r models.TrainingRun
	err := row.Scan(&r.ID, &r.City, &r.StartedAt, &r.FinishedAt, &r.EpochsRun, &r.BestEpoch,
		&r.BestValLoss, &r.StoppedEarly, &r.TestMAE, &r.TestRMSE, &r.BacktestMAE, &r.ConfigJSON,
		&r.Success, &r.Error)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRun returns nil when no run has the id.
func (s *Store) GetRun(id string) (*models.TrainingRun, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM training_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// GetLatestRun returns the most recent successful run for city, or nil.
func (s *Store) GetLatestRun(city string) (*models.TrainingRun, error) {
	run, err := scanRun(s.db.QueryRow(`
		SELECT `+runColumns+`
		FROM training_runs
		WHERE city = ? AND success = TRUE
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`, city))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// GetRecentRuns returns the last limit runs for city, newest first, failed ones included.
func (s *Store) GetRecentRuns(city string, limit int) ([]models.TrainingRun, error) {
	rows, err := s.db.Query(`
		SELECT `+runColumns+`
		FROM training_runs
		WHERE city = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, city, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.TrainingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
