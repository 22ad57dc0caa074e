package models

import (
	"database/sql"
	"time"
)

// MissingTemperature is the AvgTemperature sentinel for a missing reading.
const MissingTemperature = -99.0

// Observation is one raw row of the daily city temperature file.
type Observation struct {
	Line            int // 1-based line in the source file, header is line 1
	City            string
	Year            int
	Month           int
	Day             int
	AvgTemperatureF float64
}

// Record is a cleaned daily reading.
type Record struct {
	Date    time.Time // UTC midnight
	Celsius float64
}

// Example is one supervised window pair, both sides min-max scaled.
type Example struct {
	Index  int // offset of the first input value in the series
	Input  []float64
	Target []float64
}

type EpochStats struct {
	Epoch   int // 1-based
	Loss    float64
	MAE     float64
	MSE     float64
	ValLoss float64
	ValMAE  float64
	ValMSE  float64
}

type TrainingRun struct {
	ID           string
	City         string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	EpochsRun    int
	BestEpoch    sql.NullInt64
	BestValLoss  sql.NullFloat64
	StoppedEarly bool
	TestMAE      sql.NullFloat64
	TestRMSE     sql.NullFloat64
	BacktestMAE  sql.NullFloat64
	ConfigJSON   string
	Success      bool
	Error        sql.NullString
}

// PredictionPoint pairs a model output with the known value for the same date.
type PredictionPoint struct {
	Date      time.Time
	Actual    float64
	Predicted float64
}

// Prediction kinds stored per run.
const (
	KindTest       = "test"
	KindProjection = "projection"
	KindBacktest   = "backtest"
)

func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5.0 / 9.0
}
