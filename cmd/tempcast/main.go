package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/tempcast/internal/config"
	"github.com/lox/tempcast/internal/logging"
	"github.com/lox/tempcast/internal/pipeline"
	"github.com/lox/tempcast/internal/report"
	"github.com/lox/tempcast/internal/store"
)

var version = "dev"

type Globals struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to a .env file.'"`

	AppEnv      string `name:"env" default:"dev" enum:"dev,prod" env:"TEMPCAST_APP_ENV" help:"dev for coloured text logs, prod for JSON."`
	LogLevel    string `default:"info" enum:"debug,info,warn,error" env:"TEMPCAST_LOG_LEVEL" help:"Log level."`
	Source      string `default:"city_temperature.csv" env:"TEMPCAST_SOURCE" help:"Dataset path, http(s)/ftp URL, or db: for the series imported into --db."`
	City        string `default:"Albany" env:"TEMPCAST_CITY" help:"City to forecast."`
	OutDir      string `default:"." type:"path" env:"TEMPCAST_OUT_DIR" help:"Directory for the model, scaler and charts."`
	DB          string `type:"path" env:"TEMPCAST_DB" help:"SQLite database for run history (optional)."`
	MetricsFile string `type:"path" env:"TEMPCAST_METRICS_FILE" help:"Write prometheus metrics to this textfile."`
	NoCharts    bool   `env:"TEMPCAST_NO_CHARTS" help:"Skip PNG charts."`

	HistoryDays int `default:"${history_days}" env:"TEMPCAST_HISTORY_DAYS" help:"Days of known data the backtest replays."`
	BatchSize   int `default:"${batch_size}" env:"TEMPCAST_BATCH_SIZE" help:"Batch size for training and prediction."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type CLI struct {
	Globals

	Train    TrainCmd    `cmd:"" default:"1" help:"Train a model, evaluate it and write all artifacts."`
	Backtest BacktestCmd `cmd:"" help:"Replay saved artifacts over the most recent known data."`
	Import   ImportCmd   `cmd:"" help:"Load and clean the dataset into the database."`
	Runs     RunsCmd     `cmd:"" help:"List recorded runs, or show one run's epochs and predictions."`
}

type TrainCmd struct {
	Lookback      int     `default:"${lookback}" env:"TEMPCAST_LOOKBACK" help:"Input window length in days."`
	Horizon       int     `default:"${horizon}" env:"TEMPCAST_HORIZON" help:"Forecast length in days."`
	TrainFraction float64 `default:"${train_fraction}" env:"TEMPCAST_TRAIN_FRACTION" help:"Share of windows used for training."`

	Epochs          int     `default:"${epochs}" env:"TEMPCAST_EPOCHS" help:"Maximum training epochs."`
	ValidationSplit float64 `default:"${validation_split}" env:"TEMPCAST_VALIDATION_SPLIT" help:"Trailing share of training windows held out for early stopping."`
	Patience        int     `default:"${patience}" env:"TEMPCAST_PATIENCE" help:"Epochs without validation improvement before stopping."`

	Units1       int     `default:"${units1}" env:"TEMPCAST_UNITS1" help:"Units in the first LSTM layer."`
	Units2       int     `default:"${units2}" env:"TEMPCAST_UNITS2" help:"Units in the second LSTM layer."`
	Dropout      float64 `default:"${dropout}" env:"TEMPCAST_DROPOUT" help:"Dropout rate after each LSTM layer."`
	LearningRate float64 `default:"${learning_rate}" env:"TEMPCAST_LEARNING_RATE" help:"Adam learning rate."`
	Seed         int64   `default:"${seed}" env:"TEMPCAST_SEED" help:"Seed for weight init, dropout and shuffling."`
}

func (c *TrainCmd) Run(g *Globals, ctx context.Context) error {
	cfg := g.config()
	cfg.Lookback = c.Lookback
	cfg.Horizon = c.Horizon
	cfg.TrainFraction = c.TrainFraction
	cfg.Epochs = c.Epochs
	cfg.ValidationSplit = c.ValidationSplit
	cfg.Patience = c.Patience
	cfg.Units1 = c.Units1
	cfg.Units2 = c.Units2
	cfg.Dropout = c.Dropout
	cfg.LearningRate = c.LearningRate
	cfg.Seed = c.Seed

	logger := g.logger(cfg)
	p, cleanup, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := p.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("training complete",
		"run_id", res.RunID,
		"epochs", len(res.Training.History),
		"best_epoch", res.Training.BestEpoch,
		"stopped_early", res.Training.StoppedEarly,
		"test_mae_c", res.Evaluation.MAE,
		"test_rmse_c", res.Evaluation.RMSE,
		"backtest_mae_c", res.Backtest.MAE,
	)
	return nil
}

type BacktestCmd struct{}

func (c *BacktestCmd) Run(g *Globals, ctx context.Context) error {
	cfg := g.config()
	logger := g.logger(cfg)
	p, cleanup, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ev, err := p.Backtest(ctx)
	if err != nil {
		return err
	}
	logger.Info("backtest complete", "mae_c", ev.MAE, "rmse_c", ev.RMSE, "points", len(ev.Series))
	return nil
}

type ImportCmd struct{}

func (c *ImportCmd) Run(g *Globals, ctx context.Context) error {
	cfg := g.config()
	if cfg.DBPath == "" {
		return fmt.Errorf("import needs --db")
	}
	logger := g.logger(cfg)
	p, cleanup, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	_, err = p.Import(ctx)
	return err
}

func (g *Globals) config() config.Config {
	cfg := config.Default()
	cfg.AppEnv = g.AppEnv
	cfg.LogLevel = g.LogLevel
	cfg.Source = g.Source
	cfg.City = g.City
	cfg.OutDir = g.OutDir
	cfg.DBPath = g.DB
	cfg.MetricsFile = g.MetricsFile
	cfg.Charts = !g.NoCharts
	cfg.HistoryDays = g.HistoryDays
	cfg.BatchSize = g.BatchSize
	return cfg
}

func (g *Globals) logger(cfg config.Config) *slog.Logger {
	logger := logging.New(os.Stderr, cfg.AppEnv, cfg.Level(), version)
	slog.SetDefault(logger)
	return logger
}

func newPipeline(cfg config.Config, logger *slog.Logger) (*pipeline.Pipeline, func(), error) {
	opts := []pipeline.Option{}
	cleanup := func() {}

	if cfg.Charts {
		rep, err := report.NewPNGReporter(cfg.OutDir, logger)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, pipeline.WithReporter(rep))
	}

	if cfg.DBPath != "" {
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		st := store.New(db, logger)
		if err := st.Migrate(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		opts = append(opts, pipeline.WithStore(st))
		cleanup = closer(db, logger)
	}

	return pipeline.New(cfg, logger, opts...), cleanup, nil
}

func closer(db *sql.DB, logger *slog.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Warn("close database", "error", err)
		}
	}
}

func main() {
	d := config.Default()
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("tempcast"),
		kong.Description("Train and evaluate a 365-day LSTM temperature forecaster for one city."),
		kong.UsageOnError(),
		kong.Vars{
			"version":          version,
			"history_days":     strconv.Itoa(d.HistoryDays),
			"batch_size":       strconv.Itoa(d.BatchSize),
			"lookback":         strconv.Itoa(d.Lookback),
			"horizon":          strconv.Itoa(d.Horizon),
			"train_fraction":   strconv.FormatFloat(d.TrainFraction, 'g', -1, 64),
			"epochs":           strconv.Itoa(d.Epochs),
			"validation_split": strconv.FormatFloat(d.ValidationSplit, 'g', -1, 64),
			"patience":         strconv.Itoa(d.Patience),
			"units1":           strconv.Itoa(d.Units1),
			"units2":           strconv.Itoa(d.Units2),
			"dropout":          strconv.FormatFloat(d.Dropout, 'g', -1, 64),
			"learning_rate":    strconv.FormatFloat(d.LearningRate, 'g', -1, 64),
			"seed":             strconv.FormatInt(d.Seed, 10),
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	kctx.BindTo(ctx, (*context.Context)(nil))

	if err := kctx.Run(&cli.Globals); err != nil {
		stop()
		kctx.FatalIfErrorf(err)
	}
}
