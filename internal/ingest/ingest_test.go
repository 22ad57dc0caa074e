package ingest

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/tempcast/internal/models"
)

const sampleCSV = `Region,Country,State,City,Month,Day,Year,AvgTemperature
North America,US,New York,Albany,1,1,1995,23.0
North America,US,New York,Albany,1,2,1995,-99
North America,US,New York,Albany,1,3,1995,32
North America,US,New York,Buffalo,1,3,1995,40.1
North America,US,New York,Albany,1,4,1995,212
`

func TestLoad(t *testing.T) {
	records, stats, err := Load(strings.NewReader(sampleCSV), "Albany")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	if stats.Rows != 5 {
		t.Errorf("Rows = %d, want 5", stats.Rows)
	}
	if stats.CityRows != 4 {
		t.Errorf("CityRows = %d, want 4", stats.CityRows)
	}
	if stats.DroppedMissing != 1 {
		t.Errorf("DroppedMissing = %d, want 1", stats.DroppedMissing)
	}
	if stats.Flags[FlagTempOutOfRange] != 1 {
		t.Errorf("Flags[%s] = %d, want 1", FlagTempOutOfRange, stats.Flags[FlagTempOutOfRange])
	}

	want := []struct {
		date    string
		celsius float64
	}{
		{"1995-01-01", (23.0 - 32) * 5 / 9},
		{"1995-01-03", 0},
		{"1995-01-04", 100},
	}
	for i, w := range want {
		if got := records[i].Date.Format("2006-01-02"); got != w.date {
			t.Errorf("records[%d].Date = %s, want %s", i, got, w.date)
		}
		if math.Abs(records[i].Celsius-w.celsius) > 1e-9 {
			t.Errorf("records[%d].Celsius = %v, want %v", i, records[i].Celsius, w.celsius)
		}
		if records[i].Date.Location() != time.UTC {
			t.Errorf("records[%d].Date not in UTC", i)
		}
	}
}

func TestLoad_DropsMissingReadings(t *testing.T) {
	tests := []struct {
		name   string
		temp   string
		reason string
	}{
		{"sentinel", "-99", DropSentinel},
		{"sentinel float", "-99.0", DropSentinel},
		{"blank", "", DropBlank},
		{"whitespace", "  ", DropBlank},
		{"nan", "NaN", DropNonFinite},
		{"inf", "Inf", DropNonFinite},
		{"negative inf", "-inf", DropNonFinite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := "City,Month,Day,Year,AvgTemperature\n" +
				"Albany,1,1,2000,41\n" +
				"Albany,1,2,2000," + tt.temp + "\n" +
				"Albany,1,3,2000,50\n"
			records, stats, err := Load(strings.NewReader(input), "Albany")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(records) != 2 {
				t.Fatalf("len(records) = %d, want 2", len(records))
			}
			for i, r := range records {
				if math.IsNaN(r.Celsius) || math.IsInf(r.Celsius, 0) {
					t.Errorf("records[%d].Celsius = %v", i, r.Celsius)
				}
			}
			if got := records[1].Date.Format("2006-01-02"); got != "2000-01-03" {
				t.Errorf("records[1].Date = %s, want 2000-01-03", got)
			}
			if stats.DroppedMissing != 1 {
				t.Errorf("DroppedMissing = %d, want 1", stats.DroppedMissing)
			}
			if stats.Dropped[tt.reason] != 1 || len(stats.Dropped) != 1 {
				t.Errorf("Dropped = %v, want %s: 1", stats.Dropped, tt.reason)
			}
		})
	}
}

func TestLoad_CelsiusConversion(t *testing.T) {
	var b strings.Builder
	b.WriteString("City,Month,Day,Year,AvgTemperature\n")
	temps := []float64{-40, 0, 14.5, 32, 50, 98.6, 104}
	for i, f := range temps {
		b.WriteString("X,3," + strconv.Itoa(i+1) + ",2001," + strconv.FormatFloat(f, 'f', -1, 64) + "\n")
	}

	records, _, err := Load(strings.NewReader(b.String()), "X")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != len(temps) {
		t.Fatalf("len(records) = %d, want %d", len(records), len(temps))
	}
	for i, f := range temps {
		want := (f - 32) * 5 / 9
		if math.Abs(records[i].Celsius-want) > 1e-9 {
			t.Errorf("F=%v: Celsius = %v, want %v", f, records[i].Celsius, want)
		}
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		city  string
		check func(t *testing.T, err error)
	}{
		{
			name:  "city absent",
			input: sampleCSV,
			city:  "Tokyo",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrNoRecords) {
					t.Errorf("err = %v, want ErrNoRecords", err)
				}
			},
		},
		{
			name:  "all readings missing",
			input: "City,Month,Day,Year,AvgTemperature\nA,1,1,2000,-99\nA,1,2,2000,-99.0\n",
			city:  "A",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrNoRecords) {
					t.Errorf("err = %v, want ErrNoRecords", err)
				}
			},
		},
		{
			name:  "empty file",
			input: "",
			city:  "A",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrNoRecords) {
					t.Errorf("err = %v, want ErrNoRecords", err)
				}
			},
		},
		{
			name:  "missing column",
			input: "City,Month,Day,AvgTemperature\nA,1,1,40\n",
			city:  "A",
			check: func(t *testing.T, err error) {
				var mc *MissingColumnError
				if !errors.As(err, &mc) {
					t.Fatalf("err = %v, want MissingColumnError", err)
				}
				if mc.Column != ColumnYear {
					t.Errorf("Column = %q, want %q", mc.Column, ColumnYear)
				}
			},
		},
		{
			name:  "non-integer month",
			input: "City,Month,Day,Year,AvgTemperature\nA,1,1,2000,40\nA,Jan,2,2000,41\n",
			city:  "A",
			check: func(t *testing.T, err error) {
				var mr *MalformedRecordError
				if !errors.As(err, &mr) {
					t.Fatalf("err = %v, want MalformedRecordError", err)
				}
				if mr.Line != 3 || mr.Column != ColumnMonth || mr.Value != "Jan" {
					t.Errorf("got line=%d column=%s value=%q", mr.Line, mr.Column, mr.Value)
				}
			},
		},
		{
			name:  "impossible date",
			input: "City,Month,Day,Year,AvgTemperature\nA,2,30,2001,40\n",
			city:  "A",
			check: func(t *testing.T, err error) {
				var mr *MalformedRecordError
				if !errors.As(err, &mr) {
					t.Fatalf("err = %v, want MalformedRecordError", err)
				}
				if mr.Column != "Date" {
					t.Errorf("Column = %q, want Date", mr.Column)
				}
			},
		},
		{
			name:  "bad temperature",
			input: "City,Month,Day,Year,AvgTemperature\nA,2,3,2001,warm\n",
			city:  "A",
			check: func(t *testing.T, err error) {
				var mr *MalformedRecordError
				if !errors.As(err, &mr) {
					t.Fatalf("err = %v, want MalformedRecordError", err)
				}
				if mr.Column != ColumnTemperature {
					t.Errorf("Column = %q, want %q", mr.Column, ColumnTemperature)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, _, err := Load(strings.NewReader(tt.input), tt.city)
			if err == nil {
				t.Fatalf("Load returned %d records, want error", len(records))
			}
			tt.check(t, err)
		})
	}
}

func TestLoad_MissingSentinelSkipsCalendarChecks(t *testing.T) {
	input := "City,Month,Day,Year,AvgTemperature\nA,1,0,2000,-99\nA,1,1,2000,50\n"
	records, stats, err := Load(strings.NewReader(input), "A")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 || stats.DroppedMissing != 1 {
		t.Errorf("len(records) = %d, dropped = %d, want 1, 1", len(records), stats.DroppedMissing)
	}
}

func TestLoad_OrderFlags(t *testing.T) {
	input := "City,Month,Day,Year,AvgTemperature\nA,1,2,2000,50\nA,1,2,2000,51\nA,1,1,2000,52\n"
	records, stats, err := Load(strings.NewReader(input), "A")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	if stats.Flags[FlagDuplicateDate] != 1 {
		t.Errorf("duplicate flags = %d, want 1", stats.Flags[FlagDuplicateDate])
	}
	if stats.Flags[FlagOutOfOrder] != 1 {
		t.Errorf("out of order flags = %d, want 1", stats.Flags[FlagOutOfOrder])
	}
}

func TestValidateObservation(t *testing.T) {
	tests := []struct {
		name      string
		tempF     float64
		wantFlags int
	}{
		{"typical", 55, 0},
		{"cold boundary", -80, 0},
		{"hot boundary", 140, 0},
		{"too cold", -81, 1},
		{"too hot", 141, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := ValidateObservation(&models.Observation{AvgTemperatureF: tt.tempF})
			if len(flags) != tt.wantFlags {
				t.Errorf("flags = %v, want %d flags", flags, tt.wantFlags)
			}
		})
	}
}

func testOpener() *Opener {
	o := NewOpener(nil)
	o.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}
	return o
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "temps.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0644); err != nil {
		t.Fatal(err)
	}

	for _, source := range []string{path, "file://" + path} {
		rc, err := testOpener().Open(context.Background(), source)
		if err != nil {
			t.Fatalf("Open(%q): %v", source, err)
		}
		records, _, err := Load(rc, "Albany")
		rc.Close()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(records) != 3 {
			t.Errorf("len(records) = %d, want 3", len(records))
		}
	}

	if _, err := testOpener().Open(context.Background(), filepath.Join(t.TempDir(), "nope.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v, want ErrNotExist", err)
	}
}

func TestOpen_HTTPRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	rc, err := testOpener().Open(context.Background(), srv.URL+"/city_temperature.csv")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	records, _, err := Load(rc, "Albany")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("len(records) = %d, want 3", len(records))
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestOpen_HTTPNotFoundIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := testOpener().Open(context.Background(), srv.URL); err == nil {
		t.Fatal("Open succeeded, want error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	if _, err := testOpener().Open(context.Background(), "s3://bucket/key.csv"); err == nil {
		t.Fatal("Open succeeded, want error")
	}
}
