package pipeline

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"bookcrawl/models"
)

// Delimiter separates fields in the intermediate artifact. It must never
// appear inside a field value; sanitizeField enforces that at write time.
const Delimiter = ";"

// sanitizeField makes a value safe for one artifact field: the delimiter is
// replaced and line terminators collapse to spaces.
func sanitizeField(s string) string {
	s = strings.ReplaceAll(s, Delimiter, ",")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// RawWriter serializes raw records to the intermediate artifact: UTF-8 text,
// one record per line, fields joined by the delimiter, no header. An existing
// file at the path is truncated.
type RawWriter struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewRawWriter creates (or truncates) the artifact at path.
func NewRawWriter(path string) (*RawWriter, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create artifact file: %w", err)
	}

	return &RawWriter{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// Write appends records to the artifact in the order given.
func (rw *RawWriter) Write(records []*models.RawRecord) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	for _, rec := range records {
		fields := rec.Fields()
		for i, f := range fields {
			fields[i] = sanitizeField(f)
		}
		if _, err := rw.writer.WriteString(strings.Join(fields, Delimiter) + "\n"); err != nil {
			return fmt.Errorf("write artifact record: %w", err)
		}
	}
	if err := rw.writer.Flush(); err != nil {
		return fmt.Errorf("flush artifact writer: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (rw *RawWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if err := rw.writer.Flush(); err != nil {
		return fmt.Errorf("flush artifact writer: %w", err)
	}
	return rw.file.Close()
}

// Validate ensures the artifact has content.
func (rw *RawWriter) Validate() error {
	info, err := os.Stat(rw.path)
	if err != nil {
		return fmt.Errorf("stat artifact file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("artifact file is empty")
	}
	return nil
}

// ReadRaw reads the artifact back line by line. Lines whose field count does
// not match the schema are logged and skipped; the returned count says how
// many were dropped. Blank lines are ignored silently.
func ReadRaw(path string) ([]*models.RawRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open artifact file: %w", err)
	}
	defer f.Close()

	var records []*models.RawRecord
	skipped := 0
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, Delimiter)
		if len(fields) != models.RawFieldCount {
			skipped++
			slog.Warn("skipping malformed artifact line",
				slog.Int("line", lineNo),
				slog.Int("fields", len(fields)),
				slog.Int("want", models.RawFieldCount),
			)
			continue
		}

		records = append(records, &models.RawRecord{
			Title:        fields[0],
			Price:        fields[1],
			Rating:       fields[2],
			Availability: fields[3],
			Category:     fields[4],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read artifact file: %w", err)
	}

	return records, skipped, nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
