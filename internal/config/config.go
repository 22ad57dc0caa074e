// Package config holds the validated runtime parameters of a forecasting run.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lox/tempcast/internal/forecast"
	"github.com/lox/tempcast/internal/lstm"
	"github.com/lox/tempcast/internal/persist"
	"github.com/lox/tempcast/internal/train"
	"github.com/lox/tempcast/internal/window"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// SourceStore as the source reads the city series previously imported into
// the database instead of a CSV.
const SourceStore = "db:"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type Config struct {
	AppEnv   string `json:"app_env" validate:"oneof=dev prod"`
	LogLevel string `json:"log_level" validate:"oneof=debug info warn warning error"`

	Source      string `json:"source" validate:"required"`
	City        string `json:"city" validate:"required"`
	OutDir      string `json:"out_dir" validate:"required"`
	DBPath      string `json:"db_path,omitempty" validate:"required_if=Source db:"`
	MetricsFile string `json:"metrics_file,omitempty"`
	Charts      bool   `json:"charts"`

	Lookback      int     `json:"lookback" validate:"gt=0"`
	Horizon       int     `json:"horizon" validate:"gt=0"`
	TrainFraction float64 `json:"train_fraction" validate:"gt=0,lt=1"`
	HistoryDays   int     `json:"history_days" validate:"gtefield=Horizon"`

	Epochs          int     `json:"epochs" validate:"gt=0"`
	BatchSize       int     `json:"batch_size" validate:"gt=0"`
	ValidationSplit float64 `json:"validation_split" validate:"gt=0,lt=1"`
	Patience        int     `json:"patience" validate:"gte=0"`

	Units1       int     `json:"units1" validate:"gt=0"`
	Units2       int     `json:"units2" validate:"gt=0"`
	Dropout      float64 `json:"dropout" validate:"gte=0,lt=1"`
	LearningRate float64 `json:"learning_rate" validate:"gt=0"`
	Seed         int64   `json:"seed"`
}

// Default returns the 30-day lookback, 365-day horizon setup for Albany.
func Default() Config {
	model := lstm.DefaultConfig()
	opts := train.DefaultOptions()
	return Config{
		AppEnv:          "dev",
		LogLevel:        "info",
		Source:          "city_temperature.csv",
		City:            "Albany",
		OutDir:          ".",
		Charts:          true,
		Lookback:        window.DefaultLookback,
		Horizon:         window.DefaultHorizon,
		TrainFraction:   0.8,
		HistoryDays:     forecast.DefaultHistoryDays,
		Epochs:          opts.Epochs,
		BatchSize:       opts.BatchSize,
		ValidationSplit: opts.ValidationSplit,
		Patience:        opts.Patience,
		Units1:          model.Units1,
		Units2:          model.Units2,
		Dropout:         model.Dropout,
		LearningRate:    model.LearningRate,
		Seed:            model.Seed,
	}
}

func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs[i] = fmt.Sprintf("%s %v fails %s", fe.Field(), fe.Value(), rule)
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func (c Config) FromStore() bool {
	return c.Source == SourceStore
}

func (c Config) Level() slog.Level {
	level, _ := ParseLogLevel(c.LogLevel)
	return level
}

func (c Config) Model() lstm.Config {
	return lstm.Config{
		Lookback:     c.Lookback,
		Horizon:      c.Horizon,
		Units1:       c.Units1,
		Units2:       c.Units2,
		Dropout:      c.Dropout,
		LearningRate: c.LearningRate,
		Seed:         c.Seed,
	}
}

func (c Config) Training() train.Options {
	return train.Options{
		Epochs:          c.Epochs,
		BatchSize:       c.BatchSize,
		ValidationSplit: c.ValidationSplit,
		Patience:        c.Patience,
		Seed:            c.Seed,
	}
}

func (c Config) ModelPath() string {
	return filepath.Join(c.OutDir, persist.DefaultModelFile)
}

func (c Config) ScalerPath() string {
	return filepath.Join(c.OutDir, persist.DefaultScalerFile)
}

func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (allowed: debug, info, warn, error)", s)
	}
}
