package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lox/tempcast/internal/metrics"
	"github.com/lox/tempcast/internal/models"
)

const (
	ColumnCity        = "City"
	ColumnMonth       = "Month"
	ColumnDay         = "Day"
	ColumnYear        = "Year"
	ColumnTemperature = "AvgTemperature"
)

var requiredColumns = []string{ColumnCity, ColumnMonth, ColumnDay, ColumnYear, ColumnTemperature}

// ErrNoRecords means nothing usable was left after filtering and cleaning.
var ErrNoRecords = errors.New("no records")

type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("missing column %q", e.Column)
}

type MalformedRecordError struct {
	Line   int
	Column string
	Value  string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("line %d: malformed %s %q: %v", e.Line, e.Column, e.Value, e.Err)
	}
	return fmt.Sprintf("line %d: malformed %s %q", e.Line, e.Column, e.Value)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// Reasons a city row is dropped before it becomes a record.
const (
	DropSentinel  = "missing"
	DropBlank     = "blank"
	DropNonFinite = "non_finite"
)

// Stats summarises a Load. DroppedMissing is the total over Dropped.
type Stats struct {
	Rows           int
	CityRows       int
	DroppedMissing int
	Dropped        map[string]int
	Flags          map[string]int
}

type columnIndex struct {
	city, month, day, year, temp int
}

func readHeader(header []string) (columnIndex, error) {
	pos := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		pos[name] = i
	}
	for _, col := range requiredColumns {
		if _, ok := pos[col]; !ok {
			return columnIndex{}, &MissingColumnError{Column: col}
		}
	}
	return columnIndex{
		city:  pos[ColumnCity],
		month: pos[ColumnMonth],
		day:   pos[ColumnDay],
		year:  pos[ColumnYear],
		temp:  pos[ColumnTemperature],
	}, nil
}

// Load streams a daily temperature CSV and returns the cleaned series for
// city, in source order. Rows with the -99 sentinel are dropped; any other
// unparseable field is an error.
func Load(r io.Reader, city string) ([]models.Record, Stats, error) {
	stats := Stats{Dropped: make(map[string]int), Flags: make(map[string]int)}

	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, stats, fmt.Errorf("empty file: %w", ErrNoRecords)
	}
	if err != nil {
		return nil, stats, fmt.Errorf("read header: %w", err)
	}
	idx, err := readHeader(header)
	if err != nil {
		return nil, stats, err
	}

	var records []models.Record
	var prev time.Time
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read csv: %w", err)
		}
		stats.Rows++

		if row[idx.city] != city {
			continue
		}
		stats.CityRows++

		line, _ := cr.FieldPos(idx.city)
		obs, drop, err := parseObservation(row, idx, line)
		if err != nil {
			return nil, stats, err
		}
		if drop != "" {
			stats.DroppedMissing++
			stats.Dropped[drop]++
			continue
		}

		date, err := observationDate(obs)
		if err != nil {
			return nil, stats, err
		}

		flags := ValidateObservation(&obs)
		if !prev.IsZero() {
			switch {
			case date.Equal(prev):
				flags = append(flags, FlagDuplicateDate)
			case date.Before(prev):
				flags = append(flags, FlagOutOfOrder)
			}
		}
		for _, f := range flags {
			stats.Flags[f]++
			metrics.QualityFlags.WithLabelValues(f).Inc()
		}
		prev = date

		records = append(records, models.Record{
			Date:    date,
			Celsius: models.FahrenheitToCelsius(obs.AvgTemperatureF),
		})
	}

	metrics.RecordsRead.WithLabelValues(city).Add(float64(stats.CityRows))
	for reason, n := range stats.Dropped {
		metrics.RecordsDropped.WithLabelValues(city, reason).Add(float64(n))
	}

	if len(records) == 0 {
		return nil, stats, fmt.Errorf("city %q: %w", city, ErrNoRecords)
	}
	return records, stats, nil
}

// parseObservation returns a drop reason for rows without a usable reading
// (blank, NaN/Inf or the sentinel). Those are dropped before the calendar
// fields are looked at.
func parseObservation(row []string, idx columnIndex, line int) (models.Observation, string, error) {
	obs := models.Observation{Line: line, City: row[idx.city]}

	raw := strings.TrimSpace(row[idx.temp])
	if raw == "" {
		return obs, DropBlank, nil
	}
	temp, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return obs, "", &MalformedRecordError{Line: line, Column: ColumnTemperature, Value: raw, Err: err}
	}
	switch {
	case math.IsNaN(temp) || math.IsInf(temp, 0):
		return obs, DropNonFinite, nil
	case temp == models.MissingTemperature:
		return obs, DropSentinel, nil
	}
	obs.AvgTemperatureF = temp

	fields := []struct {
		column string
		pos    int
		dst    *int
	}{
		{ColumnYear, idx.year, &obs.Year},
		{ColumnMonth, idx.month, &obs.Month},
		{ColumnDay, idx.day, &obs.Day},
	}
	for _, f := range fields {
		v, err := parseInt(row[f.pos])
		if err != nil {
			return obs, "", &MalformedRecordError{Line: line, Column: f.column, Value: row[f.pos], Err: err}
		}
		*f.dst = v
	}
	return obs, "", nil
}

// parseInt accepts integral floats such as "12.0", which spreadsheet exports produce.
func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("not an integer")
	}
	return int(f), nil
}

func observationDate(obs models.Observation) (time.Time, error) {
	d := time.Date(obs.Year, time.Month(obs.Month), obs.Day, 0, 0, 0, 0, time.UTC)
	if d.Year() != obs.Year || int(d.Month()) != obs.Month || d.Day() != obs.Day {
		return time.Time{}, &MalformedRecordError{
			Line:   obs.Line,
			Column: "Date",
			Value:  fmt.Sprintf("%04d-%02d-%02d", obs.Year, obs.Month, obs.Day),
		}
	}
	return d, nil
}
