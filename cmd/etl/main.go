// Command etl reads the raw artifact produced by cmd/crawl and writes the
// normalized CSV and JSON outputs.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"bookcrawl/config"
	"bookcrawl/etl"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	input := flag.String("input", cfg.ArtifactFile, "Raw artifact file path")
	csvPath := flag.String("csv", cfg.CSVFile, "CSV output path")
	jsonPath := flag.String("json", cfg.JSONFile, "JSON output path")
	verbose := flag.Bool("v", cfg.Verbose, "Enable verbose logging")
	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	slog.Info("starting etl",
		slog.String("input", *input),
		slog.String("csv", *csvPath),
		slog.String("json", *jsonPath),
	)

	report, err := etl.Run(*input, *csvPath, *jsonPath)
	if err != nil {
		slog.Error("etl failed", slog.Any("error", err))
		os.Exit(1)
	}

	printSummary(report, *csvPath, *jsonPath)
}

func printSummary(report *etl.Report, csvPath, jsonPath string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("ETL complete")
	fmt.Printf("  Records read:  %d\n", report.RecordsRead)
	fmt.Printf("  Lines skipped: %d\n", report.LinesSkipped)
	fmt.Printf("  Invalid:       %d\n", report.Invalid)
	fmt.Printf("  Written:       %d\n", report.Written)
	fmt.Printf("  CSV output:    %s\n", csvPath)
	fmt.Printf("  JSON output:   %s\n", jsonPath)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
