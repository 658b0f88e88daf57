package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"grimm.is/blackhole/internal/datastore"
	"grimm.is/blackhole/internal/state"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blackhole.hcl")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestRunCheck_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
privacy_level = 1

retention {
  max_age      = "12h"
  archive_path = "/var/lib/blackhole/archive.db"
}
`)
	if err := RunCheck(path, true); err != nil {
		t.Errorf("RunCheck() error = %v", err)
	}
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	path := writeConfig(t, `
store {
    # Missing closing brace
`)
	if err := RunCheck(path, false); err == nil {
		t.Error("RunCheck() error = nil, want parse error")
	}
}

func TestRunCheck_SemanticError(t *testing.T) {
	path := writeConfig(t, `privacy_level = 9`)
	if err := RunCheck(path, false); err == nil {
		t.Error("RunCheck() error = nil, want validation error")
	}
}

func TestRunCheck_MissingFile(t *testing.T) {
	if err := RunCheck(filepath.Join(t.TempDir(), "absent.hcl"), false); err == nil {
		t.Error("RunCheck() error = nil for missing file")
	}
	if err := RunCheck("", false); err == nil {
		t.Error("RunCheck() error = nil for empty path")
	}
}

func TestPrintArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	db, err := state.NewSQLiteStore(state.DefaultOptions(path))
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	archive, err := state.NewQueryArchive(db, 0)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	now := time.Now()
	err = archive.Archive([]datastore.QueryRecord{
		{QueryInfo: datastore.QueryInfo{ID: 1, Timestamp: now}, DomainName: "a.example"},
		{QueryInfo: datastore.QueryInfo{ID: 2, Timestamp: now}, DomainName: "b.example"},
	})
	if err != nil {
		t.Fatalf("failed to archive: %v", err)
	}
	if _, err := state.NewRunJournal(db); err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	id := db.InstanceID()
	db.Close()

	var out bytes.Buffer
	if err := printArchive(&out, path); err != nil {
		t.Fatalf("printArchive() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", lines)
	}
	checks := []struct{ prefix, suffix string }{
		{"Instance:", id},
		{"queries:", "2 entries"},
		{"runs:", "0 entries"},
	}
	for i, c := range checks {
		if !strings.HasPrefix(lines[i], c.prefix) || !strings.HasSuffix(lines[i], c.suffix) {
			t.Errorf("line %d = %q, want %s ... %s", i, lines[i], c.prefix, c.suffix)
		}
	}
}
