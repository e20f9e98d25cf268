package test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"permstate/internal/models"
	"permstate/internal/nats"
	"permstate/internal/permissions"
)

func TestCenterLeaf_ChangesPropagate(t *testing.T) {
	bucket := fmt.Sprintf("center-test-%d", time.Now().UnixNano())
	center, err := nats.NewPlatform(nats.KVConfig{
		Embedded:   true,
		BucketName: bucket,
		NodeType:   "center",
		DataDir:    t.TempDir(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create center platform: %v", err)
	}
	defer center.Close()

	// the leaf reads through the center's bucket
	leaf, err := nats.NewPlatform(nats.KVConfig{
		BucketName: bucket,
		NodeType:   "leaf",
		CenterURL:  center.URL(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create leaf platform: %v", err)
	}
	defer leaf.Close()

	states := permissions.NewCache(leaf)
	defer states.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := states.State(models.Named("camera")).Updates(ctx)

	expect := func(want models.PermissionState) {
		t.Helper()
		select {
		case u := <-updates:
			if u.Err != nil {
				t.Fatalf("Unexpected stream error: %v", u.Err)
			}
			if u.State != want {
				t.Fatalf("Expected %s, got %s", want, u.State)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timeout waiting for %s", want)
		}
	}

	expect(models.StatePrompt)

	if err := center.SetState(ctx, "camera", models.StateGranted); err != nil {
		t.Fatalf("Failed to set state on center: %v", err)
	}
	expect(models.StateGranted)

	if err := center.Delete(ctx, "camera"); err != nil {
		t.Fatalf("Failed to delete state on center: %v", err)
	}
	expect(models.StatePrompt)
}

func TestCenterNode_StatePersistsAcrossRestart(t *testing.T) {
	dataDir := t.TempDir()
	bucket := fmt.Sprintf("center-restart-%d", time.Now().UnixNano())
	ctx := context.Background()

	first, err := nats.NewPlatform(nats.KVConfig{Embedded: true, BucketName: bucket, DataDir: dataDir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create center platform: %v", err)
	}
	if err := first.SetState(ctx, "midi", models.StateDenied); err != nil {
		t.Fatalf("Failed to set state: %v", err)
	}
	first.Close()

	second, err := nats.NewPlatform(nats.KVConfig{Embedded: true, BucketName: bucket, DataDir: dataDir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to restart center platform: %v", err)
	}
	defer second.Close()

	state, err := second.GetState(ctx, "midi")
	if err != nil {
		t.Fatalf("Failed to get state: %v", err)
	}
	if state != models.StateDenied {
		t.Errorf("Expected denied to survive restart, got %s", state)
	}
}

func TestLeafNode_UnreachableCenter(t *testing.T) {
	_, err := nats.NewPlatform(nats.KVConfig{
		Embedded:     true,
		BucketName:   "leaf-config-test",
		NodeType:     "leaf",
		CenterURL:    "nats://127.0.0.1:1",
		StartTimeout: "5s",
	}, zerolog.Nop())
	if err == nil {
		t.Error("Expected error when the center is unreachable")
	}
}

func TestNodeTypeValidation(t *testing.T) {
	_, err := nats.NewPlatform(nats.KVConfig{
		Embedded:   true,
		BucketName: "validation-test",
		NodeType:   "leaf",
	}, zerolog.Nop())
	if err == nil {
		t.Fatal("Expected error for leaf node without center URL")
	}
	if !strings.Contains(err.Error(), "center URL") {
		t.Errorf("Expected center URL error, got: %v", err)
	}
}
