package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"duet/models"
)

func TestSettingsMissingUntilWritten(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	_, ok, err := store.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if ok {
		t.Fatalf("expected no settings document in a fresh store")
	}

	if err := store.PutSettings(ctx, models.RetentionPolicy{HorizonDays: 30}); err != nil {
		t.Fatalf("PutSettings failed: %v", err)
	}
	policy, ok, err := store.GetSettings(ctx)
	if err != nil || !ok {
		t.Fatalf("GetSettings after write: ok=%v err=%v", ok, err)
	}
	if policy.HorizonDays != 30 {
		t.Fatalf("expected horizon 30, got %d", policy.HorizonDays)
	}

	if err := store.PutSettings(ctx, models.RetentionPolicy{HorizonDays: 1}); err != nil {
		t.Fatalf("PutSettings overwrite failed: %v", err)
	}
	policy, _, _ = store.GetSettings(ctx)
	if policy.HorizonDays != 1 {
		t.Fatalf("expected horizon 1 after overwrite, got %d", policy.HorizonDays)
	}
}

func TestPutSettingsValidatesHorizon(t *testing.T) {
	store := newTestStore(t, Options{})

	for _, days := range []int{0, -3, models.MaxHorizonDays + 1} {
		err := store.PutSettings(context.Background(), models.RetentionPolicy{HorizonDays: days})
		if !errors.Is(err, models.ErrValidation) {
			t.Fatalf("expected validation error for %d days, got %v", days, err)
		}
	}
}

func TestWatchSettingsDeliversChanges(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policies, err := store.WatchSettings(ctx)
	if err != nil {
		t.Fatalf("WatchSettings failed: %v", err)
	}

	if err := store.PutSettings(ctx, models.RetentionPolicy{HorizonDays: 3}); err != nil {
		t.Fatalf("PutSettings failed: %v", err)
	}
	waitForPolicy(t, policies, 3)

	if err := store.PutSettings(ctx, models.RetentionPolicy{HorizonDays: 30}); err != nil {
		t.Fatalf("PutSettings failed: %v", err)
	}
	waitForPolicy(t, policies, 30)
}

func waitForPolicy(t *testing.T, policies <-chan models.RetentionPolicy, days int) {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case policy, ok := <-policies:
			if !ok {
				t.Fatalf("settings watch closed early")
			}
			if policy.HorizonDays == days {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for horizon %d", days)
		}
	}
}
