package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"permstate/internal/config"
	"permstate/internal/models"
)

func builderConfig(t *testing.T, cache config.CacheConfig) *config.Config {
	t.Helper()
	return &config.Config{
		Service:     config.ServiceConfig{NodeID: "n1", NodeType: "center"},
		Cache:       cache,
		NATS:        config.NATSConfig{Embedded: true, KVBucket: fmt.Sprintf("builder-%d", time.Now().UnixNano()), DataDir: t.TempDir()},
		Permissions: config.PermissionsConfig{QueryTimeout: "2s", SnapshotTTL: "10s"},
	}
}

func TestServiceBuilder_RistrettoPath(t *testing.T) {
	cfg := builderConfig(t, config.CacheConfig{MaxCost: 10_000, NumCounters: 1_000, BufferItems: 64, Metrics: true})
	svc, err := NewServiceBuilder(cfg).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer svc.Close()

	ctx := context.Background()
	if err := svc.Ready(ctx); err != nil {
		t.Fatalf("Expected ready service: %v", err)
	}
	if err := svc.SetState(ctx, "camera", models.StateGranted); err != nil {
		t.Fatalf("Failed to set state: %v", err)
	}
	snap, err := svc.GetState(ctx, "camera")
	if err != nil || snap.State != models.StateGranted {
		t.Fatalf("Expected granted, got %+v %v", snap, err)
	}
	if snap.TTL != 10*time.Second {
		t.Errorf("Expected configured snapshot TTL, got %v", snap.TTL)
	}
}

func TestServiceBuilder_MaxSizePath(t *testing.T) {
	cfg := builderConfig(t, config.CacheConfig{MaxSize: 10})
	svc, err := NewServiceBuilder(cfg).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer svc.Close()

	snap, err := svc.GetState(context.Background(), "geolocation")
	if err != nil || snap.State != models.StatePrompt {
		t.Fatalf("Expected prompt, got %+v %v", snap, err)
	}
}

func TestServiceBuilder_InvalidDurations(t *testing.T) {
	cfg := builderConfig(t, config.CacheConfig{MaxSize: 10})
	cfg.Permissions.SnapshotTTL = "later"
	if _, err := NewServiceBuilder(cfg).Build(); err == nil {
		t.Fatal("Expected error for invalid snapshot TTL")
	}

	cfg = builderConfig(t, config.CacheConfig{MaxSize: 10})
	if _, err := NewServiceBuilder(cfg).BuildCache(newMemoryPlatform()); err != nil {
		t.Fatalf("Expected cache to build: %v", err)
	}
	cfg.Permissions.QueryTimeout = "never"
	if _, err := NewServiceBuilder(cfg).BuildCache(newMemoryPlatform()); err == nil {
		t.Fatal("Expected error for invalid query timeout")
	}
}

func TestServiceBuilder_LeafWithoutCenter(t *testing.T) {
	cfg := builderConfig(t, config.CacheConfig{MaxSize: 10})
	cfg.Service.NodeType = "leaf"
	cfg.NATS.Embedded = false
	if _, err := NewServiceBuilder(cfg).Build(); err == nil {
		t.Fatal("Expected error for leaf without center URL")
	}
}
