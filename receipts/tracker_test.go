package receipts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"duet/feed"
	"duet/models"
)

type statusCall struct {
	messageID string
	status    models.Status
	by        models.Identity
}

type fakeStatusWriter struct {
	mu      sync.Mutex
	calls   []statusCall
	err     error
	release chan struct{}
}

func (w *fakeStatusWriter) UpdateStatus(_ context.Context, messageID string, status models.Status, by models.Identity) error {
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, statusCall{messageID: messageID, status: status, by: by})
	return w.err
}

func (w *fakeStatusWriter) snapshot() []statusCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]statusCall(nil), w.calls...)
}

func newTestTracker(t *testing.T, identity models.Identity, writer StatusWriter) *Tracker {
	t.Helper()
	tracker, err := New(Options{Identity: identity, Log: writer})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tracker
}

func msg(id string, sender models.Identity, status models.Status) models.Message {
	return models.Message{ID: id, Sender: sender, Kind: models.Text{Body: id}, Status: status, CreatedAt: time.Now()}
}

func TestObserveMarksOnlyPeerSentMessages(t *testing.T) {
	writer := &fakeStatusWriter{}
	tracker := newTestTracker(t, models.IdentityAdmin, writer)

	provisional := msg("local-1", models.IdentityUser, models.StatusSent)
	provisional.Provisional = true

	started := tracker.Observe(context.Background(), []models.Message{
		msg("own", models.IdentityAdmin, models.StatusSent),
		msg("peer-sent", models.IdentityUser, models.StatusSent),
		msg("peer-read", models.IdentityUser, models.StatusRead),
		provisional,
	})
	tracker.Wait()

	if started != 1 {
		t.Fatalf("expected one update, got %d", started)
	}
	calls := writer.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected one status call, got %#v", calls)
	}
	if calls[0] != (statusCall{messageID: "peer-sent", status: models.StatusRead, by: models.IdentityAdmin}) {
		t.Fatalf("unexpected call: %#v", calls[0])
	}
}

func TestObserveSkipsUpdatesInFlight(t *testing.T) {
	writer := &fakeStatusWriter{release: make(chan struct{})}
	tracker := newTestTracker(t, models.IdentityUser, writer)
	messages := []models.Message{msg("m1", models.IdentityAdmin, models.StatusSent)}

	if n := tracker.Observe(context.Background(), messages); n != 1 {
		t.Fatalf("expected first observe to start an update, got %d", n)
	}
	if n := tracker.Observe(context.Background(), messages); n != 0 {
		t.Fatalf("expected duplicate observe to be skipped, got %d", n)
	}
	close(writer.release)
	tracker.Wait()

	if len(writer.snapshot()) != 1 {
		t.Fatalf("expected a single status call")
	}
}

func TestObserveSwallowsFailures(t *testing.T) {
	writer := &fakeStatusWriter{err: fmt.Errorf("%w: offline", models.ErrNetwork)}
	tracker := newTestTracker(t, models.IdentityUser, writer)

	tracker.Observe(context.Background(), []models.Message{msg("m1", models.IdentityAdmin, models.StatusSent)})
	tracker.Wait()

	if n := tracker.Observe(context.Background(), []models.Message{msg("m1", models.IdentityAdmin, models.StatusSent)}); n != 1 {
		t.Fatalf("expected failed update to be retried on next observe, got %d", n)
	}
	tracker.Wait()
}

func TestRunSkipsStaleFeeds(t *testing.T) {
	writer := &fakeStatusWriter{}
	tracker := newTestTracker(t, models.IdentityAdmin, writer)

	feeds := make(chan feed.Feed, 2)
	feeds <- feed.Feed{Stale: true, Messages: []models.Message{msg("stale", models.IdentityUser, models.StatusSent)}}
	feeds <- feed.Feed{Messages: []models.Message{msg("fresh", models.IdentityUser, models.StatusSent)}}
	close(feeds)

	tracker.Run(context.Background(), feeds)
	tracker.Wait()

	calls := writer.snapshot()
	if len(calls) != 1 || calls[0].messageID != "fresh" {
		t.Fatalf("expected only the fresh feed to be observed, got %#v", calls)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Identity: "nobody", Log: &fakeStatusWriter{}}); err == nil {
		t.Fatalf("expected invalid identity to fail")
	}
	if _, err := New(Options{Identity: models.IdentityUser}); err == nil {
		t.Fatalf("expected missing writer to fail")
	}
}
