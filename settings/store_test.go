package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"duet/models"
	"duet/storage"
)

func newTestSettings(t *testing.T) (*Store, *storage.Store) {
	t.Helper()
	backend, _, err := storage.Open(t.TempDir(), storage.Options{})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	store, err := New(Options{Backend: backend})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return store, backend
}

func TestGetCreatesDefaultPolicy(t *testing.T) {
	store, backend := newTestSettings(t)
	ctx := context.Background()

	policy, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if policy.HorizonDays != models.DefaultHorizonDays {
		t.Fatalf("expected default horizon, got %d", policy.HorizonDays)
	}

	stored, ok, err := backend.GetSettings(ctx)
	if err != nil || !ok || stored.HorizonDays != models.DefaultHorizonDays {
		t.Fatalf("expected default persisted, got %#v ok=%v err=%v", stored, ok, err)
	}
}

func TestSetHorizonRequiresAdmin(t *testing.T) {
	store, _ := newTestSettings(t)
	ctx := context.Background()

	if _, err := store.SetHorizon(ctx, models.IdentityUser, 30); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for user, got %v", err)
	}
	if _, err := store.SetHorizon(ctx, models.IdentityAdmin, 0); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for zero days, got %v", err)
	}

	policy, err := store.SetHorizon(ctx, models.IdentityAdmin, 30)
	if err != nil {
		t.Fatalf("SetHorizon failed: %v", err)
	}
	if policy.HorizonDays != 30 {
		t.Fatalf("expected 30 days, got %d", policy.HorizonDays)
	}
	got, err := store.Get(ctx)
	if err != nil || got.HorizonDays != 30 {
		t.Fatalf("expected stored horizon 30, got %#v err=%v", got, err)
	}
}

func TestWatchDeliversDefaultThenChanges(t *testing.T) {
	store, _ := newTestSettings(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policies, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	expectPolicy(t, policies, models.DefaultHorizonDays)

	if _, err := store.SetHorizon(ctx, models.IdentityAdmin, 1); err != nil {
		t.Fatalf("SetHorizon failed: %v", err)
	}
	expectPolicy(t, policies, 1)
}

func expectPolicy(t *testing.T, policies <-chan models.RetentionPolicy, days int) {
	t.Helper()
	select {
	case policy := <-policies:
		if policy.HorizonDays != days {
			t.Fatalf("expected horizon %d, got %d", days, policy.HorizonDays)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for horizon %d", days)
	}
}
