// Package diff compares the derived tables of two meshtopo databases, typically
// a live database and the output of a replay after a decoder change.
package diff

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Options configures diff behaviour.
type Options struct {
	SampleLimit int
	// Tables restricts the comparison; empty means every known table.
	Tables []string
}

// Table names a table and the columns that identify a row's content.
type Table struct {
	Name    string
	Columns []string
}

// Tables are the derived tables a replay rebuilds. Surrogate keys and receive
// times are left out so rows from different runs can match.
var Tables = []Table{
	{Name: "traceroute_hops", Columns: []string{"mesh_packet_id", "gateway_id", "origin_node_id", "destination_node_id", "direction", "hop_index", "from_node_id", "to_node_id", "snr", "complete"}},
	{Name: "link_aggregates", Columns: []string{"node_a", "node_b", "observation_count", "avg_snr", "min_snr", "max_snr"}},
	{Name: "node_info", Columns: []string{"node_id", "hex_id", "long_name", "short_name"}},
}

// Summary holds one TableDiff per compared table, in Tables order.
type Summary struct {
	Tables []TableDiff
}

// Identical reports whether no table differs.
func (s Summary) Identical() bool {
	for _, td := range s.Tables {
		if td.OnlyA > 0 || td.OnlyB > 0 {
			return false
		}
	}
	return true
}

// TableDiff counts rows present on one side only (multiset semantics).
type TableDiff struct {
	Table       string
	RowsA       int
	RowsB       int
	OnlyA       int
	OnlyB       int
	SampleOnlyA []string
	SampleOnlyB []string
}

// CompareSQLite fingerprints the selected tables in both databases and
// reports the differences.
func CompareSQLite(ctx context.Context, pathA, pathB string, opts Options) (Summary, error) {
	if pathA == "" || pathB == "" {
		return Summary{}, errors.New("diff: both database paths must be provided")
	}

	tables, err := selectTables(opts.Tables)
	if err != nil {
		return Summary{}, err
	}

	dbA, err := openDB(pathA)
	if err != nil {
		return Summary{}, err
	}
	defer dbA.Close()

	dbB, err := openDB(pathB)
	if err != nil {
		return Summary{}, err
	}
	defer dbB.Close()

	var summary Summary
	for _, table := range tables {
		query, err := fingerprintQuery(ctx, dbA, dbB, table)
		if err != nil {
			return Summary{}, fmt.Errorf("diff %s: %w", table.Name, err)
		}
		a, err := collectFingerprints(ctx, dbA, query)
		if err != nil {
			return Summary{}, fmt.Errorf("diff %s (A): %w", table.Name, err)
		}
		b, err := collectFingerprints(ctx, dbB, query)
		if err != nil {
			return Summary{}, fmt.Errorf("diff %s (B): %w", table.Name, err)
		}
		td := diffMaps(a, b, opts.SampleLimit)
		td.Table = table.Name
		summary.Tables = append(summary.Tables, td)
	}
	return summary, nil
}

func selectTables(names []string) ([]Table, error) {
	if len(names) == 0 {
		return Tables, nil
	}
	out := make([]Table, 0, len(names))
	for _, name := range names {
		found := false
		for _, t := range Tables {
			if t.Name == name {
				out = append(out, t)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("diff: unknown table %q", name)
		}
	}
	return out, nil
}

func openDB(path string) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("diff: resolve path %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", "file:"+abs+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("diff: open sqlite %s: %w", abs, err)
	}
	return db, nil
}

func collectFingerprints(ctx context.Context, db *sql.DB, query string) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		result[fp]++
	}
	return result, rows.Err()
}

// diffMaps compares two fingerprint multisets. Samples are sorted so output
// is stable between runs.
func diffMaps(a, b map[string]int, sampleLimit int) TableDiff {
	var td TableDiff
	sampleLimit = max(sampleLimit, 0)

	keys := make(map[string]struct{}, len(a)+len(b))
	for k, n := range a {
		keys[k] = struct{}{}
		td.RowsA += n
	}
	for k, n := range b {
		keys[k] = struct{}{}
		td.RowsB += n
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		switch d := a[key] - b[key]; {
		case d > 0:
			td.OnlyA += d
			for i := 0; i < d && len(td.SampleOnlyA) < sampleLimit; i++ {
				td.SampleOnlyA = append(td.SampleOnlyA, key)
			}
		case d < 0:
			td.OnlyB -= d
			for i := 0; i < -d && len(td.SampleOnlyB) < sampleLimit; i++ {
				td.SampleOnlyB = append(td.SampleOnlyB, key)
			}
		}
	}
	return td
}

func fingerprintQuery(ctx context.Context, dbA, dbB *sql.DB, table Table) (string, error) {
	schemaA, err := tableColumnTypes(ctx, dbA, table.Name)
	if err != nil {
		return "", err
	}
	schemaB, err := tableColumnTypes(ctx, dbB, table.Name)
	if err != nil {
		return "", err
	}

	cols := make([]columnInfo, 0, len(table.Columns))
	for _, name := range table.Columns {
		typ, okA := schemaA[name]
		_, okB := schemaB[name]
		if !okA || !okB {
			return "", fmt.Errorf("required column %s missing in one of the databases", name)
		}
		cols = append(cols, columnInfo{Name: name, Type: typ})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		parts = append(parts, fmt.Sprintf("'%s', %s", col.Name, columnExpression(col)))
	}
	return fmt.Sprintf("SELECT json_object(%s) FROM %s", strings.Join(parts, ", "), table.Name), nil
}

type columnInfo struct {
	Name string
	Type string
}

func tableColumnTypes(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var (
			cid        int
			name       string
			typeName   string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		result[name] = strings.ToUpper(typeName)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return result, nil
}

// columnExpression renders a column for fingerprinting. REAL values are
// rounded so aggregates recomputed in a different order still match.
func columnExpression(col columnInfo) string {
	switch {
	case strings.Contains(col.Type, "BLOB"):
		return fmt.Sprintf("COALESCE(hex(%s), '')", col.Name)
	case strings.Contains(col.Type, "REAL"):
		return fmt.Sprintf("COALESCE(round(%s, 4), 'null')", col.Name)
	case strings.Contains(col.Type, "INT"):
		return fmt.Sprintf("COALESCE(%s, 'null')", col.Name)
	default:
		return fmt.Sprintf("COALESCE(%s, '')", col.Name)
	}
}
