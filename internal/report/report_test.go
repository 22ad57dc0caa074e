package report

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lox/tempcast/internal/models"
)

var (
	_ Reporter = Nop{}
	_ Reporter = (*PNGReporter)(nil)
)

func samplePoints(n int) []models.PredictionPoint {
	start := time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.PredictionPoint, n)
	for i := range out {
		out[i] = models.PredictionPoint{
			Date:      start.AddDate(0, 0, i),
			Actual:    15 + float64(i%7),
			Predicted: 14 + float64(i%5),
		}
	}
	return out
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func TestPNGReporterWritesCharts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "charts")
	r, err := NewPNGReporter(dir, nil)
	if err != nil {
		t.Fatalf("NewPNGReporter: %v", err)
	}

	history := []models.EpochStats{
		{Epoch: 1, Loss: 0.09, ValLoss: 0.08},
		{Epoch: 2, Loss: 0.05, ValLoss: 0.06},
		{Epoch: 3, Loss: 0.04, ValLoss: 0.061},
	}
	if err := r.TrainingHistory(history); err != nil {
		t.Fatalf("TrainingHistory: %v", err)
	}
	if err := r.Predictions(samplePoints(40)); err != nil {
		t.Fatalf("Predictions: %v", err)
	}
	if err := r.Projection(samplePoints(365)); err != nil {
		t.Fatalf("Projection: %v", err)
	}
	if err := r.Backtest(samplePoints(30)); err != nil {
		t.Fatalf("Backtest: %v", err)
	}
	if err := r.Summary(CardData{City: "Albany", MAE: 3.2, RMSE: 4.1, BestEpoch: 2, Epochs: 3}); err != nil {
		t.Fatalf("Summary: %v", err)
	}

	for _, name := range []string{HistoryFile, PredictionsFile, ProjectionFile, BacktestFile, SummaryFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		w, h := decodeSize(t, data)
		if w == 0 || h == 0 {
			t.Errorf("%s is empty", name)
		}
		if name == SummaryFile && (w != CardWidth || h != CardHeight) {
			t.Errorf("%s is %dx%d, want %dx%d", name, w, h, CardWidth, CardHeight)
		}
	}
}

func TestGenerateCard(t *testing.T) {
	chart := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			chart.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, chart); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		chart []byte
	}{
		{"with chart", buf.Bytes()},
		{"fallback", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := GenerateCard(tt.chart, CardData{City: "Albany", MAE: 2.5, RMSE: 3, BestEpoch: 7, Epochs: 12, RunID: "abc"})
			if err != nil {
				t.Fatalf("GenerateCard: %v", err)
			}
			if w, h := decodeSize(t, data); w != CardWidth || h != CardHeight {
				t.Errorf("card is %dx%d, want %dx%d", w, h, CardWidth, CardHeight)
			}
		})
	}

	if _, err := GenerateCard([]byte("not a png"), CardData{}); err == nil {
		t.Error("GenerateCard accepted garbage chart bytes")
	}
}

func TestCoverCropKeepsCentre(t *testing.T) {
	// A wide source: red on the left half, blue on the right.
	src := image.NewRGBA(image.Rect(0, 0, 400, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 400; x++ {
			c := color.RGBA{255, 0, 0, 255}
			if x >= 200 {
				c = color.RGBA{0, 0, 255, 255}
			}
			src.SetRGBA(x, y, c)
		}
	}

	dst := coverCrop(src)
	if got := dst.Bounds().Size(); got != image.Pt(CardWidth, CardHeight) {
		t.Fatalf("size = %v, want %dx%d", got, CardWidth, CardHeight)
	}
	if left := dst.RGBAAt(100, CardHeight/2); left.R != 255 || left.B != 0 {
		t.Errorf("left pixel = %v, want red", left)
	}
	if right := dst.RGBAAt(CardWidth-100, CardHeight/2); right.B != 255 || right.R != 0 {
		t.Errorf("right pixel = %v, want blue", right)
	}
}

func TestGradientOverlayDarkensBottom(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, CardWidth, CardHeight))
	for y := 0; y < CardHeight; y++ {
		for x := 0; x < CardWidth; x++ {
			img.SetRGBA(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	drawGradientOverlay(img)

	if top := img.RGBAAt(10, 10); top.R != 200 {
		t.Errorf("top pixel = %v, want untouched", top)
	}
	if bottom := img.RGBAAt(10, CardHeight-1); bottom.R >= 60 {
		t.Errorf("bottom pixel = %v, want darkened", bottom)
	}
}
