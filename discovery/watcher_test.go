package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"duet/models"
)

func TestWatcherIgnoresSelfAndMalformedEntries(t *testing.T) {
	cfg := Config{
		ClientID:        "self-client",
		Identity:        models.IdentityUser,
		RefreshInterval: time.Hour,
		ScanTimeout:     30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("self-client", "user", "10.0.0.1")
			entries <- testServiceEntry("other-user-device", "user", "10.0.0.2")
			entries <- testServiceEntry("broken", "guest", "10.0.0.3")
			entries <- &zeroconf.ServiceEntry{Text: []string{"identity=admin"}}
			<-ctx.Done()
			return nil
		},
	}

	watcher, err := NewWatcher(cfg)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	waitForCondition(t, time.Second, func() bool {
		clients := watcher.Clients()
		return len(clients) == 1 && clients[0].ClientID == "other-user-device"
	})
	if watcher.PeerOnline() {
		t.Fatalf("expected admin to be offline")
	}
	if !watcher.Online(models.IdentityUser) {
		t.Fatalf("expected a second user client to count as online")
	}
}

func TestWatcherReportsPeerOnlineAfterRefresh(t *testing.T) {
	var calls int32
	cfg := Config{
		ClientID:        "self-client",
		Identity:        models.IdentityUser,
		RefreshInterval: time.Hour,
		ScanTimeout:     30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&calls, 1) >= 2 {
				entries <- testServiceEntry("admin-laptop", "admin", "10.0.0.9")
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}

	watcher, err := NewWatcher(cfg)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	waitForCondition(t, time.Second, func() bool { return atomic.LoadInt32(&calls) >= 1 })
	if err := watcher.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !watcher.PeerOnline() {
		t.Fatalf("expected admin online after refresh")
	}
	if !waitForEvent(watcher.Events(), EventOnline, models.IdentityAdmin, time.Second) {
		t.Fatalf("expected online event for admin")
	}
}

func TestWatcherMarksOfflineAfterMissedScans(t *testing.T) {
	var calls int32
	cfg := Config{
		ClientID:        "self-client",
		Identity:        models.IdentityAdmin,
		RefreshInterval: 30 * time.Millisecond,
		ScanTimeout:     20 * time.Millisecond,
		MissedScans:     2,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				entries <- testServiceEntry("phone", "user", "10.0.0.5")
			}
			<-ctx.Done()
			return nil
		},
	}

	watcher, err := NewWatcher(cfg)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	if !waitForEvent(watcher.Events(), EventOnline, models.IdentityUser, 2*time.Second) {
		t.Fatalf("expected user online event")
	}
	if !waitForEvent(watcher.Events(), EventOffline, models.IdentityUser, 2*time.Second) {
		t.Fatalf("expected user offline event")
	}
	if watcher.PeerOnline() {
		t.Fatalf("expected user offline")
	}
	if scans := atomic.LoadInt32(&calls); scans < 3 {
		t.Fatalf("expected offline only after two missed scans, got %d scans", scans)
	}
}

func TestRefreshBeforeStartFails(t *testing.T) {
	watcher, err := NewWatcher(Config{
		ClientID: "self",
		Identity: models.IdentityUser,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := watcher.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh before start to fail")
	}
}

func testServiceEntry(clientID, identity, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: "duet-" + identity,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: clientID + ".local",
		Port:     7420,
		Text: []string{
			"client_id=" + clientID,
			"identity=" + identity,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, identity models.Identity, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Identity == identity {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
