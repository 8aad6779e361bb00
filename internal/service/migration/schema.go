package migration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/splax/releasectl/internal/domain"
)

const selectColumns = `SELECT table_name, column_name, data_type
	FROM information_schema.columns
	WHERE table_schema = 'public'
	ORDER BY table_name, ordinal_position`

// ValidateSchema diffs the live public schema against expected, a map of
// table name to column name to data type. An empty expected type only
// asserts the column exists. The schema is valid iff no expected table is
// missing; additions and modifications are reported as warnings.
func (e *Engine) ValidateSchema(ctx context.Context, expected map[string]map[string]string) (*domain.SchemaDiff, error) {
	res, err := e.conn.Execute(ctx, selectColumns)
	if err != nil {
		return nil, fmt.Errorf("read information_schema: %w", err)
	}
	live := make(map[string]map[string]string)
	for _, row := range res.Rows {
		table := stringValue(row["table_name"])
		if live[table] == nil {
			live[table] = make(map[string]string)
		}
		live[table][stringValue(row["column_name"])] = strings.ToLower(stringValue(row["data_type"]))
	}

	diff := &domain.SchemaDiff{Added: []string{}, Removed: []string{}, Modified: []string{}}
	for table, columns := range expected {
		have, ok := live[table]
		if !ok {
			diff.Removed = append(diff.Removed, table)
			continue
		}
		if !sameColumns(columns, have) {
			diff.Modified = append(diff.Modified, table)
		}
	}
	for table := range live {
		if _, ok := expected[table]; ok {
			continue
		}
		if _, audit := auditTables[table]; audit {
			continue
		}
		diff.Added = append(diff.Added, table)
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Modified)
	diff.Valid = len(diff.Removed) == 0

	if !diff.Valid {
		e.logger.Warn("schema validation failed", "removed", diff.Removed)
	}
	return diff, nil
}

func sameColumns(want, have map[string]string) bool {
	if len(want) != len(have) {
		return false
	}
	for column, typ := range want {
		got, ok := have[column]
		if !ok {
			return false
		}
		if typ != "" && !strings.EqualFold(typ, got) {
			return false
		}
	}
	return true
}
