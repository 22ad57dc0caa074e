// Package forecast runs a trained model over windowed data, inverts the
// scaling and pins every predicted value to a calendar date.
package forecast

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/lox/tempcast/internal/metrics"
	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/window"
)

// DefaultHistoryDays is how much known data the backtest windows over.
const DefaultHistoryDays = 2 * 365

// Predictor is satisfied by *lstm.Model.
type Predictor interface {
	Predict(inputs [][]float64, batchSize int) ([][]float64, error)
}

// Evaluation holds dated first-step predictions and the error over every
// predicted value, in Celsius.
type Evaluation struct {
	Series []models.PredictionPoint
	MAE    float64
	RMSE   float64
}

// Predict returns scaled horizon forecasts for each example.
func Predict(model Predictor, examples []models.Example, batchSize int) ([][]float64, error) {
	if len(examples) == 0 {
		return nil, nil
	}
	return model.Predict(window.Inputs(examples), batchSize)
}

// EvaluateTest predicts the test split and dates horizon step 0 of test
// example k with records[lookback+nTrain+k].
func EvaluateTest(model Predictor, scaler *window.MinMaxScaler, records []models.Record, test []models.Example, lookback, nTrain, batchSize int) (*Evaluation, error) {
	if len(test) == 0 {
		return nil, fmt.Errorf("no test examples")
	}
	if last := lookback + nTrain + len(test) - 1; last >= len(records) {
		return nil, fmt.Errorf("test example %d maps to record %d of %d", len(test)-1, last, len(records))
	}

	pred, err := Predict(model, test, batchSize)
	if err != nil {
		return nil, fmt.Errorf("predict test split: %w", err)
	}

	ev := &Evaluation{Series: make([]models.PredictionPoint, len(test))}
	var allPred, allActual []float64
	for k, e := range test {
		p := scaler.InverseAll(pred[k])
		a := scaler.InverseAll(e.Target)
		ev.Series[k] = models.PredictionPoint{
			Date:      records[lookback+nTrain+k].Date,
			Actual:    a[0],
			Predicted: p[0],
		}
		allPred = append(allPred, p...)
		allActual = append(allActual, a...)
	}
	ev.MAE, ev.RMSE = errorStats(allPred, allActual)
	recordError(models.KindTest, ev)
	return ev, nil
}

// ProjectLastWindow forecasts a full horizon from the final test window.
// Point j is dated with the record right after the window, advanced j days;
// the actual value is that example's own target.
func ProjectLastWindow(model Predictor, scaler *window.MinMaxScaler, records []models.Record, test []models.Example, lookback int) ([]models.PredictionPoint, error) {
	if len(test) == 0 {
		return nil, fmt.Errorf("no test examples")
	}
	last := test[len(test)-1]
	start := last.Index + lookback
	if start >= len(records) {
		return nil, fmt.Errorf("window at %d maps past %d records", last.Index, len(records))
	}

	pred, err := model.Predict([][]float64{last.Input}, 1)
	if err != nil {
		return nil, fmt.Errorf("predict last window: %w", err)
	}
	p := scaler.InverseAll(pred[0])
	a := scaler.InverseAll(last.Target)

	first := records[start].Date
	points := make([]models.PredictionPoint, len(p))
	for j := range p {
		points[j] = models.PredictionPoint{
			Date:      first.AddDate(0, 0, j),
			Actual:    a[j],
			Predicted: p[j],
		}
	}
	return points, nil
}

// Backtest replays the model over the most recent historyDays+lookback known
// values. Each of the trailing horizon values is predicted from the lookback
// window just before it (step 0 of the forecast) and dated with its own
// record, so the comparison is against data the model could have seen.
func Backtest(model Predictor, scaler *window.MinMaxScaler, records []models.Record, lookback, horizon, historyDays, batchSize int) (*Evaluation, error) {
	if lookback <= 0 || horizon <= 0 {
		return nil, fmt.Errorf("lookback %d and horizon %d must be positive", lookback, horizon)
	}
	n := min(len(records), historyDays+lookback)
	if n < lookback+horizon {
		return nil, &window.InsufficientDataError{N: n, Lookback: lookback, Horizon: horizon}
	}
	known := records[len(records)-n:]
	scaled := scaler.TransformAll(window.Values(known))

	// Only the last horizon windows are compared.
	first := n - horizon
	inputs := make([][]float64, 0, horizon)
	for i := first; i < n; i++ {
		inputs = append(inputs, scaled[i-lookback:i])
	}
	pred, err := model.Predict(inputs, batchSize)
	if err != nil {
		return nil, fmt.Errorf("predict known windows: %w", err)
	}

	ev := &Evaluation{Series: make([]models.PredictionPoint, horizon)}
	ps := make([]float64, horizon)
	as := make([]float64, horizon)
	for k := range pred {
		r := known[first+k]
		ps[k] = scaler.Inverse(pred[k][0])
		as[k] = r.Celsius
		ev.Series[k] = models.PredictionPoint{Date: r.Date, Actual: as[k], Predicted: ps[k]}
	}
	ev.MAE, ev.RMSE = errorStats(ps, as)
	recordError(models.KindBacktest, ev)
	return ev, nil
}

func errorStats(pred, actual []float64) (mae, rmse float64) {
	n := float64(len(pred))
	if n == 0 {
		return 0, 0
	}
	return floats.Distance(pred, actual, 1) / n, floats.Distance(pred, actual, 2) / math.Sqrt(n)
}

func recordError(kind string, ev *Evaluation) {
	metrics.PredictionError.WithLabelValues(kind, "mae").Set(ev.MAE)
	metrics.PredictionError.WithLabelValues(kind, "rmse").Set(ev.RMSE)
}
