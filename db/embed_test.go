package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsEmbedAuditTables(t *testing.T) {
	files, err := fs.Glob(Migrations, "migrations/*.sql")
	if err != nil || len(files) == 0 {
		t.Fatalf("no embedded migrations (%v)", err)
	}
	raw, err := fs.ReadFile(Migrations, files[0])
	if err != nil {
		t.Fatalf("read %s: %v", files[0], err)
	}
	body := string(raw)
	if !strings.HasPrefix(body, "-- +goose Up") || !strings.Contains(body, "-- +goose Down") {
		t.Fatalf("%s is missing goose annotations", files[0])
	}
	for _, table := range []string{
		"schema_migrations", "rollback_points", "version_history", "agent_deployments",
		"hot_updates", "deployment_environments", "versioning_metrics", "health_check_history",
	} {
		if !strings.Contains(body, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("table %s not created", table)
		}
	}
}
