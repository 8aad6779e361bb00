package migration

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/splax/releasectl/internal/domain"
)

// ProductionContext is the RunContext.Environment value that arms the guard.
const ProductionContext = "production"

var (
	dropDatabasePattern = regexp.MustCompile(`(?i)\bDROP\s+DATABASE\b`)
	dropTablePattern    = regexp.MustCompile(`(?i)\bDROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?(.+)`)
	deleteFromPattern   = regexp.MustCompile(`(?i)\bDELETE\s+FROM\b`)
	wherePattern        = regexp.MustCompile(`(?i)\bWHERE\b`)
	truncatePattern     = regexp.MustCompile(`(?i)\bTRUNCATE\b`)
)

// auditTables back the orchestration state and may never be dropped by a script.
var auditTables = map[string]struct{}{
	"schema_migrations":       {},
	"rollback_points":         {},
	"version_history":         {},
	"agent_deployments":       {},
	"hot_updates":             {},
	"deployment_environments": {},
	"versioning_metrics":      {},
	"health_check_history":    {},
}

// CheckScript rejects destructive statements in a production context
// unless force is set.
func CheckScript(script, environment string, force bool) error {
	if force || environment != ProductionContext {
		return nil
	}
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if reason := dangerous(stmt); reason != "" {
			return fmt.Errorf("%w: %s rejected in production: %q", domain.ErrValidation, reason, truncate(stmt, 80))
		}
	}
	return nil
}

func dangerous(stmt string) string {
	switch {
	case dropDatabasePattern.MatchString(stmt):
		return "DROP DATABASE"
	case truncatePattern.MatchString(stmt):
		return "TRUNCATE"
	case deleteFromPattern.MatchString(stmt) && !wherePattern.MatchString(stmt):
		return "DELETE without WHERE"
	}
	if m := dropTablePattern.FindStringSubmatch(stmt); m != nil {
		for _, name := range strings.Split(m[1], ",") {
			if !scratchTable(name) {
				return "DROP TABLE"
			}
		}
	}
	return ""
}

// scratchTable reports whether name is a tmp_/temp_ table outside the audit set.
func scratchTable(raw string) bool {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return false
	}
	name := strings.ToLower(strings.Trim(fields[0], `"`))
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = strings.Trim(name[idx+1:], `"`)
	}
	if _, reserved := auditTables[name]; reserved {
		return false
	}
	return strings.HasPrefix(name, "tmp_") || strings.HasPrefix(name, "temp_")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
