package parser

import (
	"database/sql/driver"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pharmetrics/auditload/internal/schema"
	"github.com/pharmetrics/auditload/internal/util"
)

// LineFormatError reports a data line carrying fewer fields than the target
// layout requires. It is an expected, frequent condition: one bad line never
// affects its siblings.
type LineFormatError struct {
	Line     int
	Expected int
	Actual   int
}

func (e *LineFormatError) Error() string {
	return fmt.Sprintf("line %d: expected at least %d fields, got %d", e.Line, e.Expected, e.Actual)
}

// Row is one parsed data line. Values is index-aligned with the FileSpec's
// column registry; unset fields stay nil. Raw keeps the original line for
// traceability.
type Row struct {
	Values []driver.Value
	Raw    string
	Line   int
}

// Result is the per-line outcome: exactly one of Row or Err is set.
type Result struct {
	Row *Row
	Err *LineFormatError
}

// Reader produces a lazy, finite, non-restartable sequence of per-line
// results for one target file. Each file is read once per import, so there is
// no rewind.
type Reader struct {
	spec    *schema.FileSpec
	scanner *util.LineScanner
	logger  *slog.Logger

	// fieldToCol maps a data field position to a column index for
	// header-driven files; -1 marks fields under unknown headers.
	fieldToCol []int
	started    bool
}

// New creates a Reader over r for the given file spec.
func New(spec *schema.FileSpec, r io.Reader, logger *slog.Logger) *Reader {
	return &Reader{
		spec:    spec,
		scanner: util.NewLineScanner(r),
		logger:  logger.With(slog.String("source_file", spec.SourceName)),
	}
}

// Next advances to the next data line. The second return is false once the
// stream is exhausted; check Err afterwards for scanner failures.
func (p *Reader) Next() (Result, bool) {
	if !p.started {
		p.started = true
		if !p.readHeader() {
			return Result{}, false
		}
	}

	for p.scanner.Scan() {
		line := p.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, p.spec.Delimiter)

		if p.spec.Strategy == schema.StrategyPositional {
			return p.positionalRow(line, fields), true
		}
		return p.headerRow(line, fields), true
	}
	return Result{}, false
}

// Err returns any underlying scanner error once Next has reported exhaustion.
func (p *Reader) Err() error {
	return p.scanner.Err()
}

// readHeader consumes the first line. Positional files skip it; header-driven
// files use its trimmed, case-normalized fields to build the field-to-column
// mapping. Returns false when the file has no lines at all.
func (p *Reader) readHeader() bool {
	if !p.scanner.Scan() {
		return false
	}
	if p.spec.Strategy != schema.StrategyHeaderDriven {
		return true
	}

	headers := strings.Split(p.scanner.Text(), p.spec.Delimiter)
	p.fieldToCol = make([]int, len(headers))
	known := 0
	for i, h := range headers {
		if idx, ok := p.spec.ColumnFor(h); ok {
			p.fieldToCol[i] = idx
			known++
		} else {
			// Unknown header: the field produces nothing, not an error.
			p.fieldToCol[i] = -1
		}
	}
	p.logger.Debug("Header mapping built.",
		slog.Int("header_fields", len(headers)),
		slog.Int("mapped_columns", known))
	return true
}

func (p *Reader) positionalRow(line string, fields []string) Result {
	if len(fields) < p.spec.MinFields {
		return Result{Err: &LineFormatError{
			Line:     p.scanner.Line(),
			Expected: p.spec.MinFields,
			Actual:   len(fields),
		}}
	}

	values := make([]driver.Value, len(p.spec.Columns))
	for i, col := range p.spec.Columns {
		if i >= len(fields) {
			break
		}
		values[i] = p.coerce(col, fields[i])
	}
	return Result{Row: &Row{Values: values, Raw: line, Line: p.scanner.Line()}}
}

func (p *Reader) headerRow(line string, fields []string) Result {
	values := make([]driver.Value, len(p.spec.Columns))
	for i, field := range fields {
		if i >= len(p.fieldToCol) {
			break
		}
		colIdx := p.fieldToCol[i]
		if colIdx < 0 {
			continue
		}
		// Blank values are left unset rather than written as empty strings.
		if strings.TrimSpace(field) == "" {
			continue
		}
		values[colIdx] = p.coerce(p.spec.Columns[colIdx], field)
	}
	return Result{Row: &Row{Values: values, Raw: line, Line: p.scanner.Line()}}
}

// coerce applies the column's kind. A value the kind cannot represent is
// stored as NULL rather than failing the line, matching how upstream loads
// have always treated stray text in numeric columns.
func (p *Reader) coerce(col schema.Column, raw string) driver.Value {
	v, err := schema.Coerce(col.Kind, raw)
	if err != nil {
		p.logger.Warn("Failed to coerce field value, writing NULL.",
			slog.Int("line", p.scanner.Line()),
			slog.String("column", col.Name),
			"error", err)
		return nil
	}
	return v
}

// CountDataLines counts the non-blank data lines in r, excluding the header.
// The loader needs the total up front to report percentage progress while the
// record stream itself stays single-pass.
func CountDataLines(r io.Reader) (int64, error) {
	scanner := util.NewLineScanner(r)
	var count int64
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("count data lines: %w", err)
	}
	return count, nil
}
