package schema

import (
	"fmt"
	"strings"
)

// Mapping strategies for target files.
const (
	StrategyPositional   = "positional"
	StrategyHeaderDriven = "header"
)

// Value kinds understood by the coercion layer. Everything arrives as text;
// the kind decides what the destination column receives.
const (
	KindText   = "text"
	KindInt    = "int"
	KindDouble = "double"
	KindDate   = "date"
)

// Column is one destination-table column with its declared DuckDB type and
// the coercion applied to raw field values.
type Column struct {
	Name       string
	DuckdbType string
	Kind       string
}

// FileSpec describes one ingestible file inside a market-audit archive:
// where its rows go, how lines are split, and how fields map onto columns.
// Adding a new ingestible file type means adding a FileSpec to Files, not
// changing control flow anywhere else.
type FileSpec struct {
	// SourceName is the file name expected inside the extracted archive.
	SourceName string
	// Table is the destination table, truncated and reloaded on every import.
	Table     string
	Delimiter string
	Strategy  string
	Columns   []Column

	// MinFields applies to positional files: a data line with fewer fields
	// is rejected as a line-format error.
	MinFields int

	// headerIndex maps a normalized header name to a column index. Built once
	// per spec; header-driven files only.
	headerIndex map[string]int
}

// NormalizeHeader trims and case-folds a header field so that files produced
// with inconsistent casing still map onto the registry.
func NormalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// ColumnFor resolves a raw header field to a column index. The second return
// is false for headers the registry does not know; callers skip those fields
// silently rather than erroring.
func (fs *FileSpec) ColumnFor(header string) (int, bool) {
	idx, ok := fs.headerIndex[NormalizeHeader(header)]
	return idx, ok
}

// ColumnNames returns the declared column names in order.
func (fs *FileSpec) ColumnNames() []string {
	names := make([]string, len(fs.Columns))
	for i, c := range fs.Columns {
		names[i] = c.Name
	}
	return names
}

// CreateTableSQL renders the DDL for the destination table.
func (fs *FileSpec) CreateTableSQL() string {
	colDefs := make([]string, len(fs.Columns))
	for i, c := range fs.Columns {
		safeName := strings.ReplaceAll(c.Name, `"`, `""`)
		colDefs[i] = fmt.Sprintf(`"%s" %s`, safeName, c.DuckdbType)
	}
	safeTable := strings.ReplaceAll(fs.Table, `"`, `""`)
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s);`, safeTable, strings.Join(colDefs, ", "))
}

// Files is the fixed processing order for a market-audit archive. The
// row-heavy sales extract goes last so progress from the quick reference
// files reaches observers before the long-running load begins.
var Files = []*FileSpec{
	{
		SourceName: "REGIONS.TXT",
		Table:      "audit_regions",
		Delimiter:  "\t",
		Strategy:   StrategyPositional,
		MinFields:  4,
		Columns: []Column{
			{Name: "region_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "region_name", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "federal_district", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "population", DuckdbType: "BIGINT", Kind: KindInt},
		},
	},
	{
		SourceName: "MANUFACTURERS.TXT",
		Table:      "audit_manufacturers",
		Delimiter:  "\t",
		Strategy:   StrategyPositional,
		MinFields:  5,
		Columns: []Column{
			{Name: "manufacturer_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "manufacturer_name", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "country", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "holding", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "site_count", DuckdbType: "BIGINT", Kind: KindInt},
		},
	},
	{
		SourceName: "DISTRIBUTORS.TXT",
		Table:      "audit_distributors",
		Delimiter:  "\t",
		Strategy:   StrategyPositional,
		MinFields:  6,
		Columns: []Column{
			{Name: "distributor_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "distributor_name", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "region_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "city", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "tax_id", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "branch_count", DuckdbType: "BIGINT", Kind: KindInt},
		},
	},
	{
		SourceName: "PRODUCTS.TXT",
		Table:      "audit_products",
		Delimiter:  "\t",
		Strategy:   StrategyPositional,
		MinFields:  15,
		Columns: []Column{
			{Name: "product_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "brand_name", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "generic_name", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "form", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "dosage", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "pack_size", DuckdbType: "BIGINT", Kind: KindInt},
			{Name: "manufacturer_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "atc_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "barcode", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "registration_no", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "registration_date", DuckdbType: "TIMESTAMP", Kind: KindDate},
			{Name: "rx_flag", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "vital_flag", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "unit", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "status", DuckdbType: "VARCHAR", Kind: KindText},
		},
	},
	{
		SourceName: "PRICES.TXT",
		Table:      "audit_prices",
		Delimiter:  "\t",
		Strategy:   StrategyHeaderDriven,
		Columns: []Column{
			{Name: "product_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "distributor_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "region_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "period", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "list_price", DuckdbType: "DOUBLE", Kind: KindDouble},
			{Name: "retail_price", DuckdbType: "DOUBLE", Kind: KindDouble},
			{Name: "vat_rate", DuckdbType: "DOUBLE", Kind: KindDouble},
			{Name: "currency", DuckdbType: "VARCHAR", Kind: KindText},
		},
	},
	{
		SourceName: "SALES.TXT",
		Table:      "audit_sales",
		Delimiter:  "\t",
		Strategy:   StrategyHeaderDriven,
		Columns: []Column{
			{Name: "product_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "distributor_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "region_code", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "period", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "channel", DuckdbType: "VARCHAR", Kind: KindText},
			{Name: "units_sold", DuckdbType: "BIGINT", Kind: KindInt},
			{Name: "amount", DuckdbType: "DOUBLE", Kind: KindDouble},
			{Name: "amount_usd", DuckdbType: "DOUBLE", Kind: KindDouble},
		},
	},
}

func init() {
	for _, fs := range Files {
		if fs.Strategy != StrategyHeaderDriven {
			continue
		}
		fs.headerIndex = make(map[string]int, len(fs.Columns))
		for i, c := range fs.Columns {
			fs.headerIndex[NormalizeHeader(c.Name)] = i
		}
	}
}

// Lookup finds the FileSpec for a source file name. Matching is
// case-insensitive since extracts arrive from systems with unreliable casing.
func Lookup(sourceName string) (*FileSpec, bool) {
	for _, fs := range Files {
		if strings.EqualFold(fs.SourceName, sourceName) {
			return fs, true
		}
	}
	return nil, false
}
