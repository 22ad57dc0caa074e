package ingest

import (
	"github.com/lox/tempcast/internal/models"
)

const (
	FlagTempOutOfRange = "temp_out_of_range"
	FlagDuplicateDate  = "duplicate_date"
	FlagOutOfOrder     = "out_of_order"
)

// Plausible daily means in Fahrenheit. Readings outside are kept but flagged.
const (
	minPlausibleF = -80.0
	maxPlausibleF = 140.0
)

func ValidateObservation(obs *models.Observation) []string {
	var flags []string

	if obs.AvgTemperatureF < minPlausibleF || obs.AvgTemperatureF > maxPlausibleF {
		flags = append(flags, FlagTempOutOfRange)
	}

	return flags
}
