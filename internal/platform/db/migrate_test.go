package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_scheduling.sql": {Data: []byte("CREATE TABLE weekly_rules (id UUID PRIMARY KEY);")},
		"002_bookings.sql":   {Data: []byte("CREATE TABLE bookings (id UUID PRIMARY KEY);")},
		"010_indexes.sql":    {Data: []byte("CREATE INDEX idx ON bookings (id);")},
	}

	migrations, err := NewMigrator(nil, files, zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	if migrations[0].Version != 1 || migrations[0].Name != "001_scheduling.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE weekly_rules (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 10 {
		t.Errorf("expected version 10 last, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SkipsNonMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_scheduling.sql": {Data: []byte("SELECT 1;")},
		"README.md":          {Data: []byte("docs")},
		"seed.sql":           {Data: []byte("SELECT 2;")},
		"abc_notes.sql":      {Data: []byte("SELECT 3;")},
		"002_dir/x.sql":      {Data: []byte("SELECT 4;")},
	}

	migrations, err := NewMigrator(nil, files, zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d: %+v", len(migrations), migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 2;")},
	}

	_, err := NewMigrator(nil, files, zerolog.Nop()).LoadMigrations()
	if err == nil || !strings.Contains(err.Error(), "duplicate migration version 1") {
		t.Fatalf("expected duplicate version error, got %v", err)
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}, zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	applied := map[int]time.Time{1: time.Now(), 3: time.Now()}

	pending := Pending(migrations, applied)
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Fatalf("expected only version 2 pending, got %+v", pending)
	}
	if got := Pending(migrations, nil); len(got) != 3 {
		t.Errorf("expected all pending with nothing applied, got %d", len(got))
	}
}

func TestBuildStatus(t *testing.T) {
	at := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	migrations := []Migration{
		{Version: 1, Name: "001_scheduling.sql"},
		{Version: 2, Name: "002_bookings.sql"},
	}

	statuses := BuildStatus(migrations, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected version 1 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected version 2 pending, got %+v", statuses[1])
	}
}

func TestQuoteSchema(t *testing.T) {
	if got := quoteSchema("tenant_north"); got != `"tenant_north"` {
		t.Errorf("unexpected quoting: %s", got)
	}
	if got := quoteSchema(`bad"name`); got != `"bad""name"` {
		t.Errorf("expected embedded quote doubled, got %s", got)
	}
}
