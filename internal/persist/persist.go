// Package persist writes and reads the trained model and fitted scaler.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/lox/tempcast/internal/lstm"
	"github.com/lox/tempcast/internal/window"
)

const (
	DefaultModelFile  = "model_lstm_temperature_365_days.json"
	DefaultScalerFile = "scaler_temperature.json"

	modelFormat = "tempcast-lstm/1"
)

type modelDoc struct {
	Format string      `json:"format"`
	Config lstm.Config `json:"config"`
	Params []paramDoc  `json:"params"`
}

// paramDoc holds one weight matrix in gonum's binary encoding.
type paramDoc struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// SaveModel writes the architecture and weights of m to path.
func SaveModel(path string, m *lstm.Model) error {
	names := m.ParamNames()
	ws := m.Weights()
	doc := modelDoc{Format: modelFormat, Config: m.Config(), Params: make([]paramDoc, len(ws))}
	for i, w := range ws {
		data, err := w.MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshal %s: %w", names[i], err)
		}
		doc.Params[i] = paramDoc{Name: names[i], Data: data}
	}
	return writeJSON(path, doc)
}

// LoadModel rebuilds a model from a file written by SaveModel.
func LoadModel(path string) (*lstm.Model, error) {
	var doc modelDoc
	if err := readJSON(path, &doc); err != nil {
		return nil, err
	}
	if doc.Format != modelFormat {
		return nil, fmt.Errorf("%s: unknown model format %q", path, doc.Format)
	}

	m, err := lstm.New(doc.Config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	names := m.ParamNames()
	if len(doc.Params) != len(names) {
		return nil, fmt.Errorf("%s: %d parameters, want %d", path, len(doc.Params), len(names))
	}
	ws := make([]*mat.Dense, len(doc.Params))
	for i, p := range doc.Params {
		if p.Name != names[i] {
			return nil, fmt.Errorf("%s: parameter %d is %q, want %q", path, i, p.Name, names[i])
		}
		var w mat.Dense
		if err := w.UnmarshalBinary(p.Data); err != nil {
			return nil, fmt.Errorf("%s: unmarshal %s: %w", path, p.Name, err)
		}
		ws[i] = &w
	}
	if err := m.SetWeights(ws); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func SaveScaler(path string, s *window.MinMaxScaler) error {
	return writeJSON(path, s)
}

func LoadScaler(path string) (*window.MinMaxScaler, error) {
	var s window.MinMaxScaler
	if err := readJSON(path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// writeJSON replaces path via a temp file in the same directory.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
