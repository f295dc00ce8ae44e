package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"duet/models"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, opts)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

// testClock is a settable commit clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func mustInsertText(t *testing.T, store *Store, sender models.Identity, body string) models.Message {
	t.Helper()

	message, err := store.Insert(context.Background(), models.Message{
		Sender: sender,
		Kind:   models.Text{Body: body},
	})
	if err != nil {
		t.Fatalf("insert %q: %v", body, err)
	}
	return message
}
