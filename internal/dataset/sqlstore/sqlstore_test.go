package sqlstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/sensortree/sensortree/internal/dataset"
	"github.com/sensortree/sensortree/pkg/models"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	if got := pg.rebind("UPDATE nodes SET name = ? WHERE id = ?"); got != "UPDATE nodes SET name = $1 WHERE id = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &Store{driver: DriverSQLite}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestSeedAndLoadPreservesOrder(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	empty, err := s.Empty(ctx)
	if err != nil || !empty {
		t.Fatalf("Empty = %v, %v", empty, err)
	}
	if err := s.Seed(ctx, dataset.SampleEntities()); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	roots, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d, err := dataset.New(roots)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}

	want := dataset.Sample()
	var gotOrder, wantOrder []string
	d.Walk(func(_ []*dataset.Entity, e *dataset.Entity) bool {
		gotOrder = append(gotOrder, e.ID+"="+e.Name)
		return true
	})
	want.Walk(func(_ []*dataset.Entity, e *dataset.Entity) bool {
		wantOrder = append(wantOrder, e.ID+"="+e.Name)
		return true
	})
	if strings.Join(gotOrder, ",") != strings.Join(wantOrder, ",") {
		t.Errorf("order mismatch:\n got %v\nwant %v", gotOrder, wantOrder)
	}

	n, ok := d.Lookup("sensor-1")
	if !ok || n.Metadata["voltage"] != "240V" {
		t.Errorf("sensor-1 metadata = %+v", n.Metadata)
	}
}

func TestRenameWritesThrough(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	d, err := LoadDataset(ctx, s, dataset.SampleEntities())
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}
	if err := d.Rename(ctx, "sensor-2-1-1", "Side Gate Access"); err != nil {
		t.Fatalf("Rename sensor: %v", err)
	}
	if err := d.Rename(ctx, "node-3", "Finance US"); err != nil {
		t.Fatalf("Rename node: %v", err)
	}

	roots, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e := dataset.FindByID(roots, "sensor-2-1-1"); e == nil || e.Name != "Side Gate Access" {
		t.Errorf("sensor rename not stored: %+v", e)
	}
	if e := dataset.FindByID(roots, "node-3"); e == nil || e.Name != "Finance US" {
		t.Errorf("node rename not stored: %+v", e)
	}

	if err := s.Rename(ctx, "node-999", "X"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadDatasetSeedsOnlyWhenEmpty(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	if _, err := LoadDataset(ctx, s, dataset.SampleEntities()); err != nil {
		t.Fatalf("first load: %v", err)
	}
	other := []*dataset.Entity{{ID: "other", Name: "Other", Type: models.KindFolder}}
	d, err := LoadDataset(ctx, s, other)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if len(d.Roots()) != 4 {
		t.Errorf("store was reseeded: %d roots", len(d.Roots()))
	}
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := Open(DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := s.Seed(ctx, dataset.SampleEntities()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Rename(ctx, "node-1-1-1", "Line Alpha"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	roots, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if dataset.CountEntities(roots) != 15 {
		t.Errorf("expected 15 entities, got %d", dataset.CountEntities(roots))
	}
	if e := dataset.FindByID(roots, "node-1-1-1"); e == nil || e.Name != "Line Alpha" {
		t.Errorf("rename not stored: %+v", e)
	}
}
