package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxLineSize is the maximum NDJSON line size (1 MiB). Worker output lines
// carrying large tool payloads must still fit on a single line.
const MaxLineSize = 1024 * 1024

// Encoder writes values to an output stream, one JSON object per line.
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder.
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a value as a single JSON line and flushes it.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if len(data) > MaxLineSize {
		e.logger.Error("line exceeds size limit",
			"size", len(data),
			"limit", MaxLineSize)
		return fmt.Errorf("line size %d exceeds limit %d", len(data), MaxLineSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads raw lines from an NDJSON stream. It splits on LF, tolerates
// a missing trailing newline on the final line, and skips empty lines.
// Interpretation of each line is left to the caller so that a single bad
// line never aborts the stream.
type Decoder struct {
	scanner *bufio.Scanner
	lineNum int
}

// NewDecoder creates a new NDJSON decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	return &Decoder{scanner: scanner}
}

// ReadLine returns the next non-empty line without its terminator.
// Returns io.EOF when the stream is exhausted.
func (d *Decoder) ReadLine() ([]byte, error) {
	for d.scanner.Scan() {
		d.lineNum++
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; hand back a copy.
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}

	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
	}
	return nil, io.EOF
}

// LineNum returns the number of lines consumed so far.
func (d *Decoder) LineNum() int {
	return d.lineNum
}
