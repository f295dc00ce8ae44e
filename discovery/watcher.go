package discovery

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"duet/models"
)

const (
	// EventOnline is emitted when an identity gains its first live client.
	EventOnline EventType = "online"
	// EventOffline is emitted when an identity loses its last live client.
	EventOffline EventType = "offline"
)

// EventType identifies presence transitions.
type EventType string

// Event reports that an identity went online or offline.
type Event struct {
	Type     EventType
	Identity models.Identity
	At       time.Time
}

// Presence is one remote client seen on the network.
type Presence struct {
	ClientID     string          `json:"client_id"`
	Identity     models.Identity `json:"identity"`
	InstanceName string          `json:"instance_name"`
	Version      int             `json:"version"`
	HostName     string          `json:"host_name"`
	Port         int             `json:"port"`
	Addresses    []string        `json:"addresses"`
	LastSeen     time.Time       `json:"last_seen"`

	misses int
}

// ErrWatcherStopped is returned by Refresh after Stop.
var ErrWatcherStopped = errors.New("presence watcher is stopped")

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Watcher tracks which identities have a live client on the LAN.
type Watcher struct {
	cfg    Config
	log    zerolog.Logger
	browse browseFunc

	mu      sync.RWMutex
	clients map[string]Presence

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewWatcher creates a watcher with config defaults applied.
func NewWatcher(config Config) (*Watcher, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Watcher{
		cfg:             cfg,
		log:             cfg.logger("presence"),
		browse:          browse,
		clients:         make(map[string]Presence),
		events:          make(chan Event, 32),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (w *Watcher) Start() error {
	w.startOnce.Do(func() {
		w.ctx, w.cancel = context.WithCancel(context.Background())
		w.wg.Add(1)
		go w.loop()
	})
	return nil
}

// Stop stops scanning and closes Events.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		close(w.events)
	})
}

// Events delivers online/offline transitions. Slow readers miss events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Refresh runs a scan immediately.
func (w *Watcher) Refresh(ctx context.Context) error {
	if w.ctx == nil {
		return errors.New("presence watcher is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case w.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrWatcherStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrWatcherStopped
	}
}

// Online reports whether identity has at least one live client.
func (w *Watcher) Online(identity models.Identity) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return onlineIn(w.clients, identity)
}

// PeerOnline reports whether the other participant is reachable.
func (w *Watcher) PeerOnline() bool {
	return w.Online(w.cfg.Identity.Peer())
}

// Clients returns the remote clients currently considered live.
func (w *Watcher) Clients() []Presence {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Presence, 0, len(w.clients))
	for _, client := range w.clients {
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity == out[j].Identity {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	w.runScan(context.Background())

	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runScan(context.Background())
		case req := <-w.refreshRequests:
			req.done <- w.runScan(req.ctx)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(w.ctx, w.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Presence)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				client, ok := parseEntry(entry, w.cfg.ClientID)
				if !ok {
					continue
				}
				client.LastSeen = w.cfg.Now()
				collected[client.ClientID] = client
			}
		}
	}()

	if err := w.browse(scanCtx, w.cfg.Service, w.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		w.log.Warn().Err(err).Msg("Presence scan failed")
		return errors.Join(models.ErrNetwork, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	if requestCtx.Err() != nil {
		return requestCtx.Err()
	}
	w.applySnapshot(collected)
	return nil
}

// applySnapshot merges one scan. A client missing from MissedScans
// consecutive scans is dropped.
func (w *Watcher) applySnapshot(seen map[string]Presence) {
	w.mu.Lock()
	defer w.mu.Unlock()

	before := onlineSet(w.clients)

	next := make(map[string]Presence, len(w.clients)+len(seen))
	for id, client := range seen {
		next[id] = client
	}
	for id, client := range w.clients {
		if _, ok := seen[id]; ok {
			continue
		}
		client.misses++
		if client.misses < w.cfg.MissedScans {
			next[id] = client
		}
	}
	w.clients = next

	after := onlineSet(next)
	now := w.cfg.Now()
	for _, identity := range []models.Identity{models.IdentityAdmin, models.IdentityUser} {
		switch {
		case after[identity] && !before[identity]:
			w.log.Info().Str("identity", identity.String()).Msg("Identity online")
			w.emit(Event{Type: EventOnline, Identity: identity, At: now})
		case before[identity] && !after[identity]:
			w.log.Info().Str("identity", identity.String()).Msg("Identity offline")
			w.emit(Event{Type: EventOffline, Identity: identity, At: now})
		}
	}
}

func (w *Watcher) emit(event Event) {
	select {
	case w.events <- event:
	default:
	}
}

func onlineIn(clients map[string]Presence, identity models.Identity) bool {
	for _, client := range clients {
		if client.Identity == identity {
			return true
		}
	}
	return false
}

func onlineSet(clients map[string]Presence) map[models.Identity]bool {
	out := make(map[models.Identity]bool, 2)
	for _, client := range clients {
		out[client.Identity] = true
	}
	return out
}

func parseEntry(entry *zeroconf.ServiceEntry, selfClientID string) (Presence, bool) {
	txt := txtToMap(entry.Text)

	clientID := txt[txtClientID]
	if clientID == "" || clientID == selfClientID {
		return Presence{}, false
	}
	identity, err := models.ParseIdentity(txt[txtIdentity])
	if err != nil {
		return Presence{}, false
	}

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(slices.Clone(entry.AddrIPv4), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		if raw := ip.String(); raw != "" {
			addresses = append(addresses, raw)
		}
	}
	slices.Sort(addresses)
	addresses = slices.Compact(addresses)

	return Presence{
		ClientID:     clientID,
		Identity:     identity,
		InstanceName: strings.TrimSpace(entry.Instance),
		Version:      version,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
