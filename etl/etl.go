package etl

import (
	"fmt"
	"log/slog"

	"bookcrawl/models"
	"bookcrawl/pipeline"
)

// Report summarizes one ETL invocation.
type Report struct {
	LinesSkipped int // artifact lines with the wrong field count
	RecordsRead  int // raw records that matched the schema
	Invalid      int // records dropped by the normalizer
	Written      int // records present in both outputs
}

// Run reads the raw artifact, normalizes every record, and writes the CSV
// and JSON outputs. Record-level problems are logged and counted; only a
// missing input or unwritable output is fatal.
func Run(inputPath, csvPath, jsonPath string) (*Report, error) {
	rawRecords, skipped, err := pipeline.ReadRaw(inputPath)
	if err != nil {
		return nil, err
	}

	report := &Report{
		LinesSkipped: skipped,
		RecordsRead:  len(rawRecords),
	}

	normalized := make([]*models.NormalizedRecord, 0, len(rawRecords))
	for i, raw := range rawRecords {
		rec, err := Normalize(raw)
		if err != nil {
			report.Invalid++
			slog.Warn("dropping invalid record",
				slog.Int("record", i+1),
				slog.String("title", raw.Title),
				slog.Any("error", err),
			)
			continue
		}
		normalized = append(normalized, rec)
	}

	writer, err := NewDualWriter(csvPath, jsonPath)
	if err != nil {
		return nil, err
	}
	if err := writer.Write(normalized); err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := writer.Validate(); err != nil {
		return nil, fmt.Errorf("output validation: %w", err)
	}

	report.Written = len(normalized)
	return report, nil
}
