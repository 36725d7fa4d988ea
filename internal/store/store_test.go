package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUpMigrationsFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_graph.up.sql", "001_archive.up.sql", "001_archive.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.up.sql"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := upMigrations(dir)
	if err != nil {
		t.Fatalf("upMigrations: %v", err)
	}
	if got := strings.Join(files, ","); got != "001_archive.up.sql,002_graph.up.sql" {
		t.Fatalf("files = %s", got)
	}
}

func TestUpMigrationsMissingDir(t *testing.T) {
	if _, err := upMigrations(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
