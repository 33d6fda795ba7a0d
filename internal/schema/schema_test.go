package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryConsistency(t *testing.T) {
	require.NotEmpty(t, Files)

	seenSources := map[string]bool{}
	seenTables := map[string]bool{}
	for _, fs := range Files {
		assert.False(t, seenSources[fs.SourceName], "duplicate source %s", fs.SourceName)
		assert.False(t, seenTables[fs.Table], "duplicate table %s", fs.Table)
		seenSources[fs.SourceName] = true
		seenTables[fs.Table] = true

		assert.NotEmpty(t, fs.Delimiter, "%s has no delimiter", fs.SourceName)
		assert.NotEmpty(t, fs.Columns, "%s has no columns", fs.SourceName)

		switch fs.Strategy {
		case StrategyPositional:
			assert.Greater(t, fs.MinFields, 0, "%s needs a field floor", fs.SourceName)
			assert.LessOrEqual(t, fs.MinFields, len(fs.Columns), "%s floor exceeds columns", fs.SourceName)
		case StrategyHeaderDriven:
			// Every declared column must be resolvable from its own name.
			for i, c := range fs.Columns {
				idx, ok := fs.ColumnFor(c.Name)
				require.True(t, ok, "%s column %s not in header index", fs.SourceName, c.Name)
				assert.Equal(t, i, idx)
			}
		default:
			t.Fatalf("%s has unknown strategy %q", fs.SourceName, fs.Strategy)
		}
	}

	// The row-heavy sales extract must be processed last.
	assert.Equal(t, "SALES.TXT", Files[len(Files)-1].SourceName)
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	for _, name := range []string{"SALES.TXT", "sales.txt", "Sales.Txt"} {
		spec, ok := Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, "audit_sales", spec.Table)
	}

	_, ok := Lookup("UNKNOWN.TXT")
	assert.False(t, ok)
}

func TestColumnForNormalizesHeaders(t *testing.T) {
	spec, ok := Lookup("PRICES.TXT")
	require.True(t, ok)

	for _, header := range []string{"list_price", "LIST_PRICE", "  List_Price  "} {
		idx, ok := spec.ColumnFor(header)
		require.True(t, ok, header)
		assert.Equal(t, "list_price", spec.Columns[idx].Name)
	}

	_, ok = spec.ColumnFor("no_such_column")
	assert.False(t, ok)
}

func TestCreateTableSQL(t *testing.T) {
	spec, ok := Lookup("REGIONS.TXT")
	require.True(t, ok)

	sql := spec.CreateTableSQL()
	assert.True(t, strings.HasPrefix(sql, `CREATE TABLE IF NOT EXISTS "audit_regions"`), sql)
	assert.Contains(t, sql, `"region_code" VARCHAR`)
	assert.Contains(t, sql, `"population" BIGINT`)
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		name    string
		kind    string
		raw     string
		want    any
		wantErr bool
	}{
		{"blank is nil", KindText, "", nil, false},
		{"whitespace is nil", KindInt, "   ", nil, false},
		{"quoted blank is nil", KindDouble, `""`, nil, false},
		{"text passthrough", KindText, " hello ", "hello", false},
		{"quoted text unwrapped", KindText, `"hello"`, "hello", false},
		{"int", KindInt, "42", int64(42), false},
		{"negative int", KindInt, "-7", int64(-7), false},
		{"bad int", KindInt, "4x2", nil, true},
		{"double with point", KindDouble, "3.14", 3.14, false},
		{"double with comma", KindDouble, "3,14", 3.14, false},
		{"bad double", KindDouble, "abc", nil, true},
		{"date", KindDate, "15.03.2024", time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), false},
		{"datetime", KindDate, "15.03.2024 08:30:00", time.Date(2024, time.March, 15, 8, 30, 0, 0, time.UTC), false},
		{"quoted date", KindDate, `"01.01.2020"`, time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC), false},
		{"bad date", KindDate, "2024-03-15", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Coerce(tc.kind, tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.want == nil {
				assert.Nil(t, got)
			} else {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestIsAuditDate(t *testing.T) {
	assert.True(t, IsAuditDate("01.02.2023"))
	assert.True(t, IsAuditDate("01.02.2023 10:11:12"))
	assert.True(t, IsAuditDate(`"01.02.2023"`))
	assert.False(t, IsAuditDate("2023-02-01"))
	assert.False(t, IsAuditDate("1.2.2023"))
}
