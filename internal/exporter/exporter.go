package exporter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/pharmetrics/auditload/internal/schema"
)

// ExportTable snapshots one destination table to a Parquet file. The schema
// comes from the file registry, never from the data.
func ExportTable(ctx context.Context, db *sql.DB, logger *slog.Logger, spec *schema.FileSpec, outPath string) (int64, error) {
	l := logger.With(slog.String("table", spec.Table), slog.String("output", outPath))
	startTime := time.Now()

	meta := make([]string, len(spec.Columns))
	for i, col := range spec.Columns {
		cleanName := strings.ReplaceAll(col.Name, " ", "_")
		switch col.Kind {
		case schema.KindInt:
			meta[i] = fmt.Sprintf("name=%s, type=INT64, repetitiontype=OPTIONAL", cleanName)
		case schema.KindDouble:
			meta[i] = fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", cleanName)
		case schema.KindDate:
			// Dates travel as epoch milliseconds.
			meta[i] = fmt.Sprintf("name=%s, type=INT64, repetitiontype=OPTIONAL", cleanName)
		default:
			meta[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", cleanName)
		}
	}

	fw, err := local.NewLocalFileWriter(outPath)
	if err != nil {
		return 0, fmt.Errorf("create parquet file %s: %w", outPath, err)
	}
	pw, err := writer.NewCSVWriter(meta, fw, 4)
	if err != nil {
		fw.Close()
		return 0, fmt.Errorf("init parquet writer for %s: %w", outPath, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	safeTable := strings.ReplaceAll(spec.Table, `"`, `""`)
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM "%s";`, safeTable))
	if err != nil {
		fw.Close()
		return 0, fmt.Errorf("query %s: %w", spec.Table, err)
	}
	defer rows.Close()

	var written int64
	scanDest := make([]any, len(spec.Columns))
	for i := range scanDest {
		scanDest[i] = new(any)
	}

	for rows.Next() {
		if err := rows.Scan(scanDest...); err != nil {
			fw.Close()
			return written, fmt.Errorf("scan row from %s: %w", spec.Table, err)
		}

		recPtrs := make([]*string, len(spec.Columns))
		for i := range spec.Columns {
			v := *(scanDest[i].(*any))
			if v == nil {
				recPtrs[i] = nil
				continue
			}
			s := formatValue(v)
			recPtrs[i] = &s
		}
		if err := pw.WriteString(recPtrs); err != nil {
			l.Warn("Parquet write error, row skipped.", slog.Int64("row", written), "error", err)
			continue
		}
		written++
	}
	if err := rows.Err(); err != nil {
		fw.Close()
		return written, fmt.Errorf("iterate %s: %w", spec.Table, err)
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return written, fmt.Errorf("stop parquet writer: %w", err)
	}
	if err := fw.Close(); err != nil {
		return written, fmt.Errorf("close parquet file: %w", err)
	}

	l.Info("Table exported.",
		slog.Int64("rows", written),
		slog.Duration("duration", time.Since(startTime).Round(time.Millisecond)))
	return written, nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return strconv.FormatInt(t.UnixMilli(), 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
