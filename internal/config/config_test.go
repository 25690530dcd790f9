package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.BroadcastInterval != 5*time.Second {
		t.Errorf("BroadcastInterval = %s", cfg.BroadcastInterval)
	}
	if cfg.Dataset.Kind != SourceSample {
		t.Errorf("Dataset.Kind = %q", cfg.Dataset.Kind)
	}
	if cfg.SimulateMaxEvents != 5 || !cfg.SimulateUpdates {
		t.Errorf("unexpected simulator defaults: %d %v", cfg.SimulateMaxEvents, cfg.SimulateUpdates)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATASET_SOURCE", "file:/tmp/tree.yaml")
	t.Setenv("DATASET_WATCH", "true")
	t.Setenv("BROADCAST_INTERVAL", "250ms")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("MAX_QUEUED_UPDATES", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dataset.Kind != SourceFile || cfg.Dataset.Location != "/tmp/tree.yaml" {
		t.Errorf("Dataset = %+v", cfg.Dataset)
	}
	if cfg.BroadcastInterval != 250*time.Millisecond {
		t.Errorf("BroadcastInterval = %s", cfg.BroadcastInterval)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.MaxQueuedUpdates != 0 {
		t.Errorf("MaxQueuedUpdates = %d", cfg.MaxQueuedUpdates)
	}
}

func TestLoadRejectsWatchWithoutFile(t *testing.T) {
	t.Setenv("DATASET_WATCH", "true")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for watch on sample source")
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in       string
		kind     SourceKind
		bucket   string
		location string
		wantErr  bool
	}{
		{in: "sample", kind: SourceSample},
		{in: "", kind: SourceSample},
		{in: "file:data/tree.yaml", kind: SourceFile, location: "data/tree.yaml"},
		{in: "s3://trees/prod/tree.yaml", kind: SourceS3, bucket: "trees", location: "prod/tree.yaml"},
		{in: "postgres://u:p@localhost/tree", kind: SourcePostgres, location: "postgres://u:p@localhost/tree"},
		{in: "sqlite:tree.db", kind: SourceSQLite, location: "tree.db"},
		{in: "s3://bucket-only", wantErr: true},
		{in: "file:", wantErr: true},
		{in: "mysql://x", wantErr: true},
	}
	for _, tt := range tests {
		src, err := ParseSource(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSource(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSource(%q): %v", tt.in, err)
			continue
		}
		if src.Kind != tt.kind || src.Bucket != tt.bucket || src.Location != tt.location {
			t.Errorf("ParseSource(%q) = %+v", tt.in, src)
		}
	}
}
