// Package lstm implements the stacked recurrent network that maps a lookback
// window of scaled temperatures to a full horizon of scaled temperatures:
//
//	LSTM(units1, full sequence) -> Dropout -> LSTM(units2, last state) -> Dropout -> Dense(horizon)
//
// Training uses mean squared error and Adam.
package lstm

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

type Config struct {
	Lookback     int     `json:"lookback"`
	Horizon      int     `json:"horizon"`
	Units1       int     `json:"units1"`
	Units2       int     `json:"units2"`
	Dropout      float64 `json:"dropout"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"seed"`
}

// DefaultConfig is the 30 -> 365 day architecture.
func DefaultConfig() Config {
	return Config{
		Lookback:     30,
		Horizon:      365,
		Units1:       50,
		Units2:       50,
		Dropout:      0.2,
		LearningRate: DefaultLearningRate,
		Seed:         1,
	}
}

func (c Config) validate() error {
	if c.Lookback <= 0 || c.Horizon <= 0 || c.Units1 <= 0 || c.Units2 <= 0 {
		return fmt.Errorf("lstm: lookback, horizon and units must be positive: %+v", c)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lstm: dropout %v out of [0, 1)", c.Dropout)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("lstm: learning rate %v must be positive", c.LearningRate)
	}
	return nil
}

type Model struct {
	cfg   Config
	rng   *rand.Rand
	l1    *recurrent
	drop1 *dropout
	l2    *recurrent
	drop2 *dropout
	out   *dense
	opt   *adam
}

func New(cfg Config) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Model{
		cfg:   cfg,
		rng:   rng,
		l1:    newRecurrent(1, cfg.Units1, rng),
		drop1: &dropout{rate: cfg.Dropout},
		l2:    newRecurrent(cfg.Units1, cfg.Units2, rng),
		drop2: &dropout{rate: cfg.Dropout},
		out:   newDense(cfg.Units2, cfg.Horizon, rng),
	}
	m.opt = &adam{lr: cfg.LearningRate, params: m.params()}
	return m, nil
}

func (m *Model) Config() Config {
	return m.cfg
}

func (m *Model) params() []*param {
	var ps []*param
	for _, p := range m.l1.params() {
		p.name = "lstm_1/" + p.name
		ps = append(ps, p)
	}
	for _, p := range m.l2.params() {
		p.name = "lstm_2/" + p.name
		ps = append(ps, p)
	}
	for _, p := range m.out.params() {
		p.name = "dense/" + p.name
		ps = append(ps, p)
	}
	return ps
}

// sequenceInputs lays out a batch of windows as one B x 1 matrix per step.
func (m *Model) sequenceInputs(batch [][]float64) ([]*mat.Dense, error) {
	xs := make([]*mat.Dense, m.cfg.Lookback)
	for t := range xs {
		xs[t] = mat.NewDense(len(batch), 1, nil)
	}
	for i, w := range batch {
		if len(w) != m.cfg.Lookback {
			return nil, fmt.Errorf("lstm: input %d has length %d, want %d", i, len(w), m.cfg.Lookback)
		}
		for t, v := range w {
			xs[t].Set(i, 0, v)
		}
	}
	return xs, nil
}

func (m *Model) targetMatrix(targets [][]float64) (*mat.Dense, error) {
	y := mat.NewDense(len(targets), m.cfg.Horizon, nil)
	for i, t := range targets {
		if len(t) != m.cfg.Horizon {
			return nil, fmt.Errorf("lstm: target %d has length %d, want %d", i, len(t), m.cfg.Horizon)
		}
		y.SetRow(i, t)
	}
	return y, nil
}

func (m *Model) forward(batch [][]float64, training bool) (*mat.Dense, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("lstm: empty batch")
	}
	xs, err := m.sequenceInputs(batch)
	if err != nil {
		return nil, err
	}
	h1 := m.drop1.forward(m.l1.forward(xs), training, m.rng)
	h2 := m.l2.forward(h1)
	last := m.drop2.forward(h2[len(h2)-1:], training, m.rng)[0]
	return m.out.forward(last), nil
}

func (m *Model) backward(grad *mat.Dense) {
	dLast := m.drop2.backward([]*mat.Dense{m.out.backward(grad)})[0]
	dh2 := make([]*mat.Dense, m.cfg.Lookback)
	dh2[len(dh2)-1] = dLast
	dh1 := m.drop1.backward(m.l2.backward(dh2))
	m.l1.backward(dh1)
}

// TrainBatch runs one optimizer step and returns the batch loss (MSE) and MAE
// measured before the update, with dropout active.
func (m *Model) TrainBatch(inputs, targets [][]float64) (loss, mae float64, err error) {
	y, err := m.targetMatrix(targets)
	if err != nil {
		return 0, 0, err
	}
	pred, err := m.forward(inputs, true)
	if err != nil {
		return 0, 0, err
	}
	loss, mae, grad := mse(pred, y)

	m.opt.zeroGrad()
	m.backward(grad)
	m.opt.update()
	return loss, mae, nil
}

// Evaluate returns MSE and MAE over all examples in inference mode.
func (m *Model) Evaluate(inputs, targets [][]float64, batchSize int) (loss, mae float64, err error) {
	if len(inputs) != len(targets) {
		return 0, 0, fmt.Errorf("lstm: %d inputs but %d targets", len(inputs), len(targets))
	}
	if len(inputs) == 0 {
		return 0, 0, fmt.Errorf("lstm: nothing to evaluate")
	}
	if batchSize <= 0 {
		batchSize = len(inputs)
	}
	for start := 0; start < len(inputs); start += batchSize {
		end := min(start+batchSize, len(inputs))
		y, err := m.targetMatrix(targets[start:end])
		if err != nil {
			return 0, 0, err
		}
		pred, err := m.forward(inputs[start:end], false)
		if err != nil {
			return 0, 0, err
		}
		l, a, _ := mse(pred, y)
		w := float64(end - start)
		loss += l * w
		mae += a * w
	}
	n := float64(len(inputs))
	return loss / n, mae / n, nil
}

// Predict maps each window to a horizon-length scaled forecast.
func (m *Model) Predict(inputs [][]float64, batchSize int) ([][]float64, error) {
	if batchSize <= 0 {
		batchSize = len(inputs)
	}
	out := make([][]float64, 0, len(inputs))
	for start := 0; start < len(inputs); start += batchSize {
		end := min(start+batchSize, len(inputs))
		pred, err := m.forward(inputs[start:end], false)
		if err != nil {
			return nil, err
		}
		for i := 0; i < end-start; i++ {
			out = append(out, mat.Row(nil, i, pred))
		}
	}
	return out, nil
}

// Weights returns a deep copy of every parameter, in a stable order.
func (m *Model) Weights() []*mat.Dense {
	ps := m.opt.params
	out := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		out[i] = mat.DenseCopyOf(p.w)
	}
	return out
}

// SetWeights overwrites every parameter. Optimizer state is kept.
func (m *Model) SetWeights(ws []*mat.Dense) error {
	ps := m.opt.params
	if len(ws) != len(ps) {
		return fmt.Errorf("lstm: got %d weight matrices, want %d", len(ws), len(ps))
	}
	for i, p := range ps {
		pr, pc := p.w.Dims()
		wr, wc := ws[i].Dims()
		if pr != wr || pc != wc {
			return fmt.Errorf("lstm: %s is %dx%d, got %dx%d", p.name, pr, pc, wr, wc)
		}
	}
	for i, p := range ps {
		p.w.Copy(ws[i])
	}
	return nil
}

// ParamNames lists parameter names in Weights order.
func (m *Model) ParamNames() []string {
	names := make([]string, len(m.opt.params))
	for i, p := range m.opt.params {
		names[i] = p.name
	}
	return names
}
