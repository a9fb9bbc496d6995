package db

import (
	"context"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge_config.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return database
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer database.Close()

	if database.Path() != path {
		t.Errorf("Path() = %v, want %v", database.Path(), path)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := openTest(t)

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	version, err := database.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("SchemaVersion() = %v, want %v", version, currentSchemaVersion)
	}
}

func TestBootstrapCreatesDefaultRow(t *testing.T) {
	database := openTest(t)
	ctx := context.Background()

	needs, err := database.NeedsBootstrap(ctx)
	if err != nil {
		t.Fatalf("NeedsBootstrap() error = %v", err)
	}
	if !needs {
		t.Fatal("NeedsBootstrap() = false on a fresh database, want true")
	}

	if err := database.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	needs, err = database.NeedsBootstrap(ctx)
	if err != nil {
		t.Fatalf("NeedsBootstrap() error = %v", err)
	}
	if needs {
		t.Fatal("NeedsBootstrap() = true after Bootstrap, want false")
	}

	cfg, err := database.ActiveConfig(ctx)
	if err != nil {
		t.Fatalf("ActiveConfig() error = %v", err)
	}
	if cfg.SerialPort != "sim" {
		t.Errorf("SerialPort = %q, want %q", cfg.SerialPort, "sim")
	}
	if cfg.BridgeID != "zigbridge" {
		t.Errorf("BridgeID = %q, want %q", cfg.BridgeID, "zigbridge")
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	database := openTest(t)
	ctx := context.Background()

	if err := database.Bootstrap(ctx); err != nil {
		t.Fatalf("first Bootstrap() error = %v", err)
	}
	if err := database.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}

	var count int
	if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM bridge_config`).Scan(&count); err != nil {
		t.Fatalf("count query error = %v", err)
	}
	if count != 1 {
		t.Errorf("bridge_config row count = %d, want 1", count)
	}
}

func TestSaveConfigRoundTrips(t *testing.T) {
	database := openTest(t)
	ctx := context.Background()

	if err := database.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	cfg := &BridgeConfig{
		BrokerURI:         "tcp://broker.local:1883",
		MQTTClientID:      "test-client",
		BridgeID:          "test-bridge",
		SerialPort:        "/dev/ttyUSB0",
		PANID:             0x1a62,
		Channel:           20,
		PermitJoinSeconds: 120,
	}
	if err := database.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	got, err := database.ActiveConfig(ctx)
	if err != nil {
		t.Fatalf("ActiveConfig() error = %v", err)
	}
	if *got != *cfg {
		t.Errorf("ActiveConfig() = %+v, want %+v", got, cfg)
	}
}
