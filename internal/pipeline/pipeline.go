// Package pipeline runs the forecasting stages in order:
// load, window, split, train, predict, report, persist.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lox/tempcast/internal/config"
	"github.com/lox/tempcast/internal/forecast"
	"github.com/lox/tempcast/internal/ingest"
	"github.com/lox/tempcast/internal/lstm"
	"github.com/lox/tempcast/internal/metrics"
	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/persist"
	"github.com/lox/tempcast/internal/report"
	"github.com/lox/tempcast/internal/store"
	"github.com/lox/tempcast/internal/train"
	"github.com/lox/tempcast/internal/window"
)

// Source opens the dataset named by the configured source string.
type Source interface {
	Open(ctx context.Context, source string) (io.ReadCloser, error)
}

type Pipeline struct {
	cfg      config.Config
	source   Source
	store    *store.Store
	reporter report.Reporter
	logger   *slog.Logger
}

type Option func(*Pipeline)

// WithStore records runs, epochs and predictions.
func WithStore(s *store.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

func WithReporter(r report.Reporter) Option {
	return func(p *Pipeline) { p.reporter = r }
}

func WithSource(s Source) Option {
	return func(p *Pipeline) { p.source = s }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:      cfg,
		reporter: report.Nop{},
		logger:   logger.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.source == nil {
		p.source = ingest.NewOpener(logger)
	}
	return p
}

var (
	// ErrNoStore means the operation needs a database and none is configured.
	ErrNoStore = errors.New("no database configured")
	// ErrRunNotFound means no stored run has the requested id.
	ErrRunNotFound = errors.New("run not found")
)

type Result struct {
	RunID      string
	Records    int
	Examples   int
	Train      int
	Test       int
	Training   *train.Result
	Evaluation *forecast.Evaluation
	Projection []models.PredictionPoint
	Backtest   *forecast.Evaluation
}

func stageErr(stage string, err error) error {
	return fmt.Errorf("%s: %w", stage, err)
}

// Run trains a model from scratch and writes every artifact.
func (p *Pipeline) Run(ctx context.Context) (res *Result, err error) {
	cfg := p.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	res = &Result{}

	records, err := p.load(ctx)
	if err != nil {
		return nil, stageErr("load", err)
	}
	res.Records = len(records)
	if p.store != nil && !cfg.FromStore() {
		if err := p.store.UpsertRecords(cfg.City, records); err != nil {
			return nil, stageErr("store records", err)
		}
	}

	examples, scaler, err := window.Build(window.Values(records), cfg.Lookback, cfg.Horizon)
	if err != nil {
		return nil, stageErr("window", err)
	}
	trainSet, testSet := window.Split(examples, cfg.TrainFraction)
	res.Examples, res.Train, res.Test = len(examples), len(trainSet), len(testSet)
	metrics.WindowsBuilt.WithLabelValues("train").Set(float64(len(trainSet)))
	metrics.WindowsBuilt.WithLabelValues("test").Set(float64(len(testSet)))
	p.logger.Info("windowed", "examples", len(examples), "train", len(trainSet), "test", len(testSet),
		"scaler_min", scaler.DataMin, "scaler_max", scaler.DataMax)
	if len(testSet) == 0 {
		return nil, stageErr("split", fmt.Errorf("no test examples from %d windows at fraction %.2f", len(examples), cfg.TrainFraction))
	}

	var run *models.TrainingRun
	var observers []train.Observer
	if p.store != nil {
		cfgJSON, _ := json.Marshal(cfg)
		if run, err = p.store.StartRun(cfg.City, string(cfgJSON)); err != nil {
			return nil, stageErr("start run", err)
		}
		res.RunID = run.ID
		observers = append(observers, epochRecorder{store: p.store, runID: run.ID, logger: p.logger})
		defer func() {
			if err != nil {
				run.Error = sql.NullString{String: err.Error(), Valid: true}
			}
			if ferr := p.store.FinishRun(run); ferr != nil {
				p.logger.Warn("failed to finish run", "run_id", run.ID, "error", ferr)
			}
		}()
	}

	model, err := lstm.New(cfg.Model())
	if err != nil {
		return nil, stageErr("model", err)
	}
	trained, err := train.New(cfg.Training(), p.logger, observers...).Fit(ctx, model, trainSet)
	if err != nil {
		return nil, stageErr("train", err)
	}
	res.Training = trained
	if run != nil {
		run.EpochsRun = len(trained.History)
		run.BestEpoch = sql.NullInt64{Int64: int64(trained.BestEpoch), Valid: true}
		run.BestValLoss = sql.NullFloat64{Float64: trained.BestValLoss, Valid: true}
		run.StoppedEarly = trained.StoppedEarly
	}
	if err := p.reporter.TrainingHistory(trained.History); err != nil {
		return nil, stageErr("report history", err)
	}

	if res.Evaluation, err = forecast.EvaluateTest(model, scaler, records, testSet, cfg.Lookback, len(trainSet), cfg.BatchSize); err != nil {
		return nil, stageErr("predict", err)
	}
	p.logger.Info("test split evaluated", "mae_c", res.Evaluation.MAE, "rmse_c", res.Evaluation.RMSE)
	if err := p.reporter.Predictions(res.Evaluation.Series); err != nil {
		return nil, stageErr("report predictions", err)
	}

	if res.Projection, err = forecast.ProjectLastWindow(model, scaler, records, testSet, cfg.Lookback); err != nil {
		return nil, stageErr("project", err)
	}
	if err := p.reporter.Projection(res.Projection); err != nil {
		return nil, stageErr("report projection", err)
	}

	if res.Backtest, err = forecast.Backtest(model, scaler, records, cfg.Lookback, cfg.Horizon, cfg.HistoryDays, cfg.BatchSize); err != nil {
		return nil, stageErr("backtest", err)
	}
	p.logger.Info("backtest", "mae_c", res.Backtest.MAE, "rmse_c", res.Backtest.RMSE, "from", res.Backtest.Series[0].Date.Format(time.DateOnly))
	if err := p.reporter.Backtest(res.Backtest.Series); err != nil {
		return nil, stageErr("report backtest", err)
	}

	if err := persist.SaveModel(cfg.ModelPath(), model); err != nil {
		return nil, stageErr("persist model", err)
	}
	if err := persist.SaveScaler(cfg.ScalerPath(), scaler); err != nil {
		return nil, stageErr("persist scaler", err)
	}
	p.logger.Info("saved artifacts", "model", cfg.ModelPath(), "scaler", cfg.ScalerPath())

	if err := p.reporter.Summary(report.CardData{
		City:      cfg.City,
		MAE:       res.Evaluation.MAE,
		RMSE:      res.Evaluation.RMSE,
		BestEpoch: trained.BestEpoch,
		Epochs:    len(trained.History),
		RunID:     res.RunID,
	}); err != nil {
		return nil, stageErr("report summary", err)
	}

	if run != nil {
		for kind, points := range map[string][]models.PredictionPoint{
			models.KindTest:       res.Evaluation.Series,
			models.KindProjection: res.Projection,
			models.KindBacktest:   res.Backtest.Series,
		} {
			if err := p.store.InsertPredictions(run.ID, kind, points); err != nil {
				return nil, stageErr("store predictions", err)
			}
		}
		run.TestMAE = sql.NullFloat64{Float64: res.Evaluation.MAE, Valid: true}
		run.TestRMSE = sql.NullFloat64{Float64: res.Evaluation.RMSE, Valid: true}
		run.BacktestMAE = sql.NullFloat64{Float64: res.Backtest.MAE, Valid: true}
		run.Success = true
	}

	if err := p.writeMetrics(); err != nil {
		return nil, stageErr("metrics", err)
	}
	return res, nil
}

// Backtest reloads the persisted model and scaler and replays them over the
// most recent known data.
func (p *Pipeline) Backtest(ctx context.Context) (*forecast.Evaluation, error) {
	cfg := p.cfg
	model, err := persist.LoadModel(cfg.ModelPath())
	if err != nil {
		return nil, stageErr("load model", err)
	}
	// The window shape comes from the saved model, not from the flags.
	mc := model.Config()
	cfg.Lookback, cfg.Horizon = mc.Lookback, mc.Horizon
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scaler, err := persist.LoadScaler(cfg.ScalerPath())
	if err != nil {
		return nil, stageErr("load scaler", err)
	}

	records, err := p.load(ctx)
	if err != nil {
		return nil, stageErr("load", err)
	}

	ev, err := forecast.Backtest(model, scaler, records, mc.Lookback, mc.Horizon, cfg.HistoryDays, cfg.BatchSize)
	if err != nil {
		return nil, stageErr("backtest", err)
	}
	p.logger.Info("backtest", "mae_c", ev.MAE, "rmse_c", ev.RMSE, "points", len(ev.Series))
	if err := p.reporter.Backtest(ev.Series); err != nil {
		return nil, stageErr("report backtest", err)
	}

	if p.store != nil {
		run, err := p.store.GetLatestRun(cfg.City)
		if err != nil {
			return nil, stageErr("store", err)
		}
		if run == nil {
			p.logger.Warn("no finished run to attach backtest to", "city", cfg.City)
		} else {
			if err := p.store.InsertPredictions(run.ID, models.KindBacktest, ev.Series); err != nil {
				return nil, stageErr("store predictions", err)
			}
			if err := p.store.SetBacktestMAE(run.ID, ev.MAE); err != nil {
				return nil, stageErr("store", err)
			}
		}
	}

	if err := p.writeMetrics(); err != nil {
		return nil, stageErr("metrics", err)
	}
	return ev, nil
}

// Import loads and cleans the source and stores the series without training.
func (p *Pipeline) Import(ctx context.Context) (int, error) {
	if err := p.cfg.Validate(); err != nil {
		return 0, err
	}
	if p.store == nil {
		return 0, ErrNoStore
	}
	if p.cfg.FromStore() {
		return 0, fmt.Errorf("import: source is already the database")
	}
	records, err := p.load(ctx)
	if err != nil {
		return 0, stageErr("load", err)
	}
	if err := p.store.UpsertRecords(p.cfg.City, records); err != nil {
		return 0, stageErr("store records", err)
	}
	n, err := p.store.CountRecords(p.cfg.City)
	if err != nil {
		return 0, stageErr("store records", err)
	}
	p.logger.Info("imported", "city", p.cfg.City, "records", len(records), "stored", n)
	return n, nil
}

// Runs lists the most recent runs for the configured city, failures included.
func (p *Pipeline) Runs(limit int) ([]models.TrainingRun, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	return p.store.GetRecentRuns(p.cfg.City, limit)
}

// RunDetail is a stored run with its epoch history and prediction series.
type RunDetail struct {
	Run         *models.TrainingRun
	Epochs      []models.EpochStats
	Predictions map[string][]models.PredictionPoint
}

func (p *Pipeline) Inspect(id string) (*RunDetail, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	run, err := p.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	d := &RunDetail{Run: run, Predictions: make(map[string][]models.PredictionPoint)}
	if d.Epochs, err = p.store.GetEpochs(id); err != nil {
		return nil, fmt.Errorf("get epochs: %w", err)
	}
	for _, kind := range []string{models.KindTest, models.KindProjection, models.KindBacktest} {
		points, err := p.store.GetPredictions(id, kind)
		if err != nil {
			return nil, fmt.Errorf("get %s predictions: %w", kind, err)
		}
		if len(points) > 0 {
			d.Predictions[kind] = points
		}
	}
	return d, nil
}

func (p *Pipeline) load(ctx context.Context) ([]models.Record, error) {
	if p.cfg.FromStore() {
		return p.loadStored()
	}
	start := time.Now()
	rc, err := p.source.Open(ctx, p.cfg.Source)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	records, stats, err := ingest.Load(rc, p.cfg.City)
	if err != nil {
		return nil, err
	}
	attrs := []any{"city", p.cfg.City, "rows", stats.Rows, "city_rows", stats.CityRows,
		"dropped_missing", stats.DroppedMissing, "records", len(records), "took", time.Since(start).Round(time.Millisecond)}
	for reason, n := range stats.Dropped {
		attrs = append(attrs, "dropped_"+reason, n)
	}
	for flag, n := range stats.Flags {
		attrs = append(attrs, flag, n)
	}
	p.logger.Info("loaded", attrs...)
	return records, nil
}

// loadStored reads the series imported earlier. Cleaning happened on import.
func (p *Pipeline) loadStored() ([]models.Record, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	records, err := p.store.GetRecords(p.cfg.City)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("city %q not imported: %w", p.cfg.City, ingest.ErrNoRecords)
	}
	metrics.RecordsRead.WithLabelValues(p.cfg.City).Add(float64(len(records)))
	p.logger.Info("loaded from database", "city", p.cfg.City, "records", len(records),
		"from", records[0].Date.Format(time.DateOnly), "to", records[len(records)-1].Date.Format(time.DateOnly))
	return records, nil
}

func (p *Pipeline) writeMetrics() error {
	if p.cfg.MetricsFile == "" {
		return nil
	}
	return metrics.WriteTextfile(p.cfg.MetricsFile)
}

// epochRecorder stores each epoch as it completes. Failures are logged only.
type epochRecorder struct {
	store  *store.Store
	runID  string
	logger *slog.Logger
}

func (r epochRecorder) OnEpochEnd(stats models.EpochStats) {
	if err := r.store.InsertEpoch(r.runID, stats); err != nil {
		r.logger.Warn("failed to record epoch", "run_id", r.runID, "epoch", stats.Epoch, "error", err)
	}
}
