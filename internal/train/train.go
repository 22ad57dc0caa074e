package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/lox/tempcast/internal/lstm"
	"github.com/lox/tempcast/internal/metrics"
	"github.com/lox/tempcast/internal/models"
)

// ErrTooFewExamples means the training split cannot be divided into fit and
// validation parts.
var ErrTooFewExamples = errors.New("too few training examples")

// ErrNonFiniteLoss means training diverged or the data contains NaN/Inf.
var ErrNonFiniteLoss = errors.New("non-finite loss")

type Options struct {
	Epochs          int
	BatchSize       int
	ValidationSplit float64
	Patience        int
	Seed            int64
}

func DefaultOptions() Options {
	return Options{
		Epochs:          50,
		BatchSize:       64,
		ValidationSplit: 0.2,
		Patience:        5,
		Seed:            1,
	}
}

// Observer receives per-epoch progress.
type Observer interface {
	OnEpochEnd(stats models.EpochStats)
}

type ObserverFunc func(stats models.EpochStats)

func (f ObserverFunc) OnEpochEnd(stats models.EpochStats) { f(stats) }

// Learner is the subset of the model the trainer drives.
type Learner interface {
	TrainBatch(inputs, targets [][]float64) (loss, mae float64, err error)
	Evaluate(inputs, targets [][]float64, batchSize int) (loss, mae float64, err error)
	Weights() []*mat.Dense
	SetWeights(ws []*mat.Dense) error
}

var _ Learner = (*lstm.Model)(nil)

type Result struct {
	History      []models.EpochStats
	BestEpoch    int // 1-based
	BestValLoss  float64
	StoppedEarly bool
}

type Trainer struct {
	opts      Options
	observers []Observer
	logger    *slog.Logger
}

func New(opts Options, logger *slog.Logger, observers ...Observer) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{opts: opts, observers: observers, logger: logger.With("component", "train")}
}

// validationCut returns how many leading examples are used for fitting. The
// trailing remainder validates, taken before any shuffling.
func validationCut(n int, split float64) int {
	return int(float64(n) * (1 - split))
}

// Fit trains model on examples until the epoch cap or until validation loss
// has not improved for Patience epochs. The best-validation weights are
// restored before returning.
func (t *Trainer) Fit(ctx context.Context, model Learner, examples []models.Example) (*Result, error) {
	if t.opts.Epochs <= 0 || t.opts.BatchSize <= 0 {
		return nil, fmt.Errorf("epochs %d and batch size %d must be positive", t.opts.Epochs, t.opts.BatchSize)
	}
	cut := validationCut(len(examples), t.opts.ValidationSplit)
	if cut < 1 || cut >= len(examples) {
		return nil, fmt.Errorf("%w: %d examples with validation split %.2f", ErrTooFewExamples, len(examples), t.opts.ValidationSplit)
	}

	fitIn, fitOut := split(examples[:cut])
	valIn, valOut := split(examples[cut:])
	t.logger.Info("training", "fit", len(fitIn), "validation", len(valIn), "epochs", t.opts.Epochs, "batch_size", t.opts.BatchSize)

	rng := rand.New(rand.NewSource(t.opts.Seed))
	order := make([]int, len(fitIn))
	for i := range order {
		order[i] = i
	}

	start := time.Now()
	defer func() {
		metrics.TrainingDuration.Observe(time.Since(start).Seconds())
	}()

	res := &Result{BestValLoss: math.Inf(1)}
	var best []*mat.Dense
	wait := 0

	for epoch := 1; epoch <= t.opts.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var sumLoss, sumMAE float64
		for b := 0; b < len(order); b += t.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			idx := order[b:min(b+t.opts.BatchSize, len(order))]
			in := make([][]float64, len(idx))
			out := make([][]float64, len(idx))
			for i, k := range idx {
				in[i] = fitIn[k]
				out[i] = fitOut[k]
			}
			loss, mae, err := model.TrainBatch(in, out)
			if err != nil {
				return nil, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			sumLoss += loss * float64(len(idx))
			sumMAE += mae * float64(len(idx))
		}

		valLoss, valMAE, err := model.Evaluate(valIn, valOut, t.opts.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}

		n := float64(len(order))
		stats := models.EpochStats{
			Epoch:   epoch,
			Loss:    sumLoss / n,
			MAE:     sumMAE / n,
			MSE:     sumLoss / n,
			ValLoss: valLoss,
			ValMAE:  valMAE,
			ValMSE:  valLoss,
		}
		if !finite(stats.Loss) || !finite(stats.ValLoss) {
			return nil, fmt.Errorf("epoch %d: %w: loss %v, val_loss %v", epoch, ErrNonFiniteLoss, stats.Loss, stats.ValLoss)
		}
		res.History = append(res.History, stats)
		metrics.EpochsCompleted.Inc()
		metrics.EpochLoss.WithLabelValues("train").Set(stats.Loss)
		metrics.EpochLoss.WithLabelValues("validation").Set(stats.ValLoss)
		t.logger.Info("epoch", "epoch", epoch, "loss", stats.Loss, "mae", stats.MAE, "val_loss", stats.ValLoss, "val_mae", stats.ValMAE)
		for _, o := range t.observers {
			o.OnEpochEnd(stats)
		}

		if valLoss < res.BestValLoss {
			res.BestValLoss = valLoss
			res.BestEpoch = epoch
			best = model.Weights()
			wait = 0
			continue
		}
		wait++
		if wait >= t.opts.Patience {
			res.StoppedEarly = true
			t.logger.Info("early stopping", "epoch", epoch, "best_epoch", res.BestEpoch, "best_val_loss", res.BestValLoss)
			break
		}
	}

	if best != nil {
		if err := model.SetWeights(best); err != nil {
			return nil, fmt.Errorf("restore best weights: %w", err)
		}
	}
	return res, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func split(examples []models.Example) (inputs, targets [][]float64) {
	inputs = make([][]float64, len(examples))
	targets = make([][]float64, len(examples))
	for i, e := range examples {
		inputs[i] = e.Input
		targets[i] = e.Target
	}
	return inputs, targets
}
