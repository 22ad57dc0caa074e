package train

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/lox/tempcast/internal/lstm"
	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/window"
)

// scriptedLearner replays validation losses and tags its single weight with
// the epoch that produced it.
type scriptedLearner struct {
	trainLoss  float64 // added to the base batch loss of 1
	valLosses  []float64
	evals      int
	weight     float64
	batchSizes []int
}

func (s *scriptedLearner) TrainBatch(inputs, targets [][]float64) (float64, float64, error) {
	s.batchSizes = append(s.batchSizes, len(inputs))
	return 1 + s.trainLoss, 0.5, nil
}

func (s *scriptedLearner) Evaluate(inputs, targets [][]float64, batchSize int) (float64, float64, error) {
	l := s.valLosses[s.evals]
	s.evals++
	s.weight = float64(s.evals)
	return l, l / 2, nil
}

func (s *scriptedLearner) Weights() []*mat.Dense {
	return []*mat.Dense{mat.NewDense(1, 1, []float64{s.weight})}
}

func (s *scriptedLearner) SetWeights(ws []*mat.Dense) error {
	s.weight = ws[0].At(0, 0)
	return nil
}

func fakeExamples(n int) []models.Example {
	out := make([]models.Example, n)
	for i := range out {
		out[i] = models.Example{Index: i, Input: []float64{float64(i)}, Target: []float64{float64(i)}}
	}
	return out
}

func TestFit_EarlyStoppingRestoresBest(t *testing.T) {
	learner := &scriptedLearner{valLosses: []float64{1.0, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0, 0.1, 0.1}}
	opts := DefaultOptions()

	res, err := New(opts, nil).Fit(context.Background(), learner, fakeExamples(20))
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !res.StoppedEarly {
		t.Error("StoppedEarly = false, want true")
	}
	if len(res.History) != 7 {
		t.Errorf("len(History) = %d, want 7", len(res.History))
	}
	if res.BestEpoch != 2 {
		t.Errorf("BestEpoch = %d, want 2", res.BestEpoch)
	}
	if res.BestValLoss != 0.5 {
		t.Errorf("BestValLoss = %v, want 0.5", res.BestValLoss)
	}
	if learner.weight != 2 {
		t.Errorf("restored weight from epoch %v, want 2", learner.weight)
	}
}

func TestFit_EpochCapRestoresBest(t *testing.T) {
	tests := []struct {
		name       string
		losses     []float64
		wantBest   int
		wantWeight float64
	}{
		{"improving every epoch", []float64{0.9, 0.8, 0.7}, 3, 3},
		{"best epoch first", []float64{0.5, 0.9, 0.9}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			learner := &scriptedLearner{valLosses: tt.losses}
			opts := DefaultOptions()
			opts.Epochs = len(tt.losses)

			res, err := New(opts, nil).Fit(context.Background(), learner, fakeExamples(20))
			if err != nil {
				t.Fatalf("Fit: %v", err)
			}
			if res.StoppedEarly {
				t.Error("StoppedEarly = true, want false")
			}
			if res.BestEpoch != tt.wantBest {
				t.Errorf("BestEpoch = %d, want %d", res.BestEpoch, tt.wantBest)
			}
			if learner.weight != tt.wantWeight {
				t.Errorf("weight = %v, want %v", learner.weight, tt.wantWeight)
			}
		})
	}
}

func TestFit_BatchingAndValidationSplit(t *testing.T) {
	learner := &scriptedLearner{valLosses: []float64{1}}
	opts := DefaultOptions()
	opts.Epochs = 1
	opts.BatchSize = 4

	var seen []models.EpochStats
	obs := ObserverFunc(func(s models.EpochStats) { seen = append(seen, s) })

	// 13 examples: int(13*0.8) = 10 fit, 3 validate.
	res, err := New(opts, nil, obs).Fit(context.Background(), learner, fakeExamples(13))
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	want := []int{4, 4, 2}
	if len(learner.batchSizes) != len(want) {
		t.Fatalf("batches = %v, want %v", learner.batchSizes, want)
	}
	for i := range want {
		if learner.batchSizes[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, learner.batchSizes[i], want[i])
		}
	}
	if len(seen) != 1 || seen[0].Epoch != 1 {
		t.Fatalf("observer saw %+v", seen)
	}
	if res.History[0].Loss != 1 || res.History[0].MAE != 0.5 || res.History[0].ValLoss != 1 {
		t.Errorf("History[0] = %+v", res.History[0])
	}
}

func TestFit_TooFewExamples(t *testing.T) {
	for _, n := range []int{0, 1} {
		_, err := New(DefaultOptions(), nil).Fit(context.Background(), &scriptedLearner{}, fakeExamples(n))
		if !errors.Is(err, ErrTooFewExamples) {
			t.Errorf("n=%d: err = %v, want ErrTooFewExamples", n, err)
		}
	}
}

func TestFit_NonFiniteLoss(t *testing.T) {
	tests := []struct {
		name      string
		trainLoss float64
		valLosses []float64
		epochs    int
	}{
		{"nan validation", 0, []float64{math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN()}, 1},
		{"inf validation after progress", 0, []float64{1, 0.5, math.Inf(1)}, 3},
		{"nan training", math.NaN(), []float64{1, 1}, 1},
		{"inf training", math.Inf(1), []float64{1, 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			learner := &scriptedLearner{trainLoss: tt.trainLoss, valLosses: tt.valLosses}
			var seen int
			tr := New(DefaultOptions(), nil, ObserverFunc(func(models.EpochStats) { seen++ }))

			res, err := tr.Fit(context.Background(), learner, fakeExamples(20))
			if !errors.Is(err, ErrNonFiniteLoss) {
				t.Fatalf("err = %v, want ErrNonFiniteLoss", err)
			}
			if res != nil {
				t.Errorf("res = %+v, want nil", res)
			}
			if learner.evals != tt.epochs {
				t.Errorf("evaluated %d epochs, want %d", learner.evals, tt.epochs)
			}
			if seen != tt.epochs-1 {
				t.Errorf("observer saw %d epochs, want %d", seen, tt.epochs-1)
			}
		})
	}
}

func TestFit_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(DefaultOptions(), nil).Fit(ctx, &scriptedLearner{valLosses: []float64{1}}, fakeExamples(20))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestFit_LSTMOnSeasonalSeries(t *testing.T) {
	values := make([]float64, 160)
	for i := range values {
		values[i] = 10 + 12*math.Sin(2*math.Pi*float64(i)/40)
	}
	examples, _, err := window.Build(values, 10, 20)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	model, err := lstm.New(lstm.Config{Lookback: 10, Horizon: 20, Units1: 8, Units2: 8, Dropout: 0.2, LearningRate: 0.005, Seed: 11})
	if err != nil {
		t.Fatalf("lstm.New: %v", err)
	}
	opts := Options{Epochs: 8, BatchSize: 16, ValidationSplit: 0.2, Patience: 5, Seed: 2}

	res, err := New(opts, nil).Fit(context.Background(), model, examples)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(res.History) == 0 || len(res.History) > opts.Epochs {
		t.Fatalf("len(History) = %d", len(res.History))
	}
	if res.BestEpoch < 1 || res.BestEpoch > len(res.History) {
		t.Errorf("BestEpoch = %d out of range", res.BestEpoch)
	}
	for _, h := range res.History {
		if math.IsNaN(h.Loss) || math.IsNaN(h.ValLoss) {
			t.Fatalf("NaN in history: %+v", h)
		}
	}

	valInputs, valTargets := split(examples[validationCut(len(examples), 0.2):])
	got, _, err := model.Evaluate(valInputs, valTargets, 16)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if math.Abs(got-res.BestValLoss) > 1e-12 {
		t.Errorf("validation loss after restore = %v, want best %v", got, res.BestValLoss)
	}
}
