// Package report renders training and prediction results.
package report

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/lox/tempcast/internal/models"
)

// Output file names written by PNGReporter.
const (
	HistoryFile     = "training_history.png"
	PredictionsFile = "test_predictions.png"
	ProjectionFile  = "projection.png"
	BacktestFile    = "backtest.png"
	SummaryFile     = "summary_card.png"
)

const (
	chartWidth  = 10 * vg.Inch
	chartHeight = 6 * vg.Inch
)

// Reporter receives each presentable result of a run.
type Reporter interface {
	TrainingHistory(history []models.EpochStats) error
	Predictions(points []models.PredictionPoint) error
	Projection(points []models.PredictionPoint) error
	Backtest(points []models.PredictionPoint) error
	Summary(data CardData) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) TrainingHistory([]models.EpochStats) error { return nil }
func (Nop) Predictions([]models.PredictionPoint) error { return nil }
func (Nop) Projection([]models.PredictionPoint) error  { return nil }
func (Nop) Backtest([]models.PredictionPoint) error    { return nil }
func (Nop) Summary(CardData) error                     { return nil }

// PNGReporter writes one chart per call into dir.
type PNGReporter struct {
	dir    string
	logger *slog.Logger

	// last test-prediction chart, used as the summary card background
	predictionsPNG []byte
}

func NewPNGReporter(dir string, logger *slog.Logger) (*PNGReporter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PNGReporter{dir: dir, logger: logger.With("component", "report")}, nil
}

func (r *PNGReporter) TrainingHistory(history []models.EpochStats) error {
	p := plot.New()
	p.Title.Text = "Training history"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss (MSE)"
	p.Add(plotter.NewGrid())

	loss := make(plotter.XYs, len(history))
	val := make(plotter.XYs, len(history))
	for i, h := range history {
		loss[i] = plotter.XY{X: float64(h.Epoch), Y: h.Loss}
		val[i] = plotter.XY{X: float64(h.Epoch), Y: h.ValLoss}
	}
	if err := plotutil.AddLinePoints(p, "Training loss", loss, "Validation loss", val); err != nil {
		return fmt.Errorf("history chart: %w", err)
	}
	_, err := r.write(p, HistoryFile)
	return err
}

func (r *PNGReporter) Predictions(points []models.PredictionPoint) error {
	data, err := r.writeSeries("Actual vs predicted temperature (test split)", points, PredictionsFile)
	if err != nil {
		return err
	}
	r.predictionsPNG = data
	return nil
}

func (r *PNGReporter) Projection(points []models.PredictionPoint) error {
	_, err := r.writeSeries("Projection from the last test window", points, ProjectionFile)
	return err
}

func (r *PNGReporter) Backtest(points []models.PredictionPoint) error {
	_, err := r.writeSeries("Backtest against known data", points, BacktestFile)
	return err
}

func (r *PNGReporter) Summary(data CardData) error {
	card, err := GenerateCard(r.predictionsPNG, data)
	if err != nil {
		return err
	}
	path := filepath.Join(r.dir, SummaryFile)
	if err := os.WriteFile(path, card, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	r.logger.Info("wrote chart", "path", path)
	return nil
}

func (r *PNGReporter) writeSeries(title string, points []models.PredictionPoint, name string) ([]byte, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Date"
	p.Y.Label.Text = "Temperature (°C)"
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02"}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	actual := make(plotter.XYs, len(points))
	predicted := make(plotter.XYs, len(points))
	for i, pt := range points {
		x := float64(pt.Date.Unix())
		actual[i] = plotter.XY{X: x, Y: pt.Actual}
		predicted[i] = plotter.XY{X: x, Y: pt.Predicted}
	}

	if err := plotutil.AddLines(p, "Actual", actual, "Predicted", predicted); err != nil {
		return nil, fmt.Errorf("%s chart: %w", name, err)
	}
	return r.write(p, name)
}

func (r *PNGReporter) write(p *plot.Plot, name string) ([]byte, error) {
	wt, err := p.WriterTo(chartWidth, chartHeight, "png")
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	r.logger.Info("wrote chart", "path", path)
	return buf.Bytes(), nil
}
