package database

import (
	"context"
	"testing"
)

func TestLoadAppliedVersions_NilPool(t *testing.T) {
	_, err := loadAppliedVersions(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestApplyOneMigration_NilPool(t *testing.T) {
	err := applyOneMigration(context.Background(), nil, t.TempDir(), "001_feed_entries.sql")
	if err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestCountPendingMigrations(t *testing.T) {
	files := []string{"001_feed_entries.sql", "002_system_logs.sql", "003_indexes.sql"}

	tests := []struct {
		name    string
		applied map[string]bool
		want    int
	}{
		{"none_applied", map[string]bool{}, 3},
		{"some_applied", map[string]bool{"001_feed_entries.sql": true}, 2},
		{"all_applied", map[string]bool{
			"001_feed_entries.sql": true,
			"002_system_logs.sql":  true,
			"003_indexes.sql":      true,
		}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countPendingMigrations(files, tt.applied); got != tt.want {
				t.Errorf("countPendingMigrations = %d, want %d", got, tt.want)
			}
		})
	}
}
