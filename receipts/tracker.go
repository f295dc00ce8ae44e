package receipts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"duet/feed"
	"duet/models"
)

// DefaultUpdateTimeout bounds one background status update.
const DefaultUpdateTimeout = 15 * time.Second

// StatusWriter is the status capability of the shared log.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, messageID string, status models.Status, by models.Identity) error
}

// Options configures a Tracker.
type Options struct {
	Identity      models.Identity
	Log           StatusWriter
	UpdateTimeout time.Duration
	Logger        *zerolog.Logger
}

// Tracker marks the peer's messages read once they are displayed. Updates
// are fire-and-forget: failures are logged and never surface to the caller.
type Tracker struct {
	identity models.Identity
	log      StatusWriter
	timeout  time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// New validates options and builds a Tracker.
func New(options Options) (*Tracker, error) {
	if !options.Identity.Valid() {
		return nil, fmt.Errorf("invalid reader identity %q", options.Identity)
	}
	if options.Log == nil {
		return nil, errors.New("status writer is required")
	}
	if options.UpdateTimeout <= 0 {
		options.UpdateTimeout = DefaultUpdateTimeout
	}
	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}

	return &Tracker{
		identity: options.Identity,
		log:      options.Log,
		timeout:  options.UpdateTimeout,
		logger:   logger.With().Str("component", "receipts").Str("identity", options.Identity.String()).Logger(),
		inflight: make(map[string]struct{}),
	}, nil
}

// Observe issues a read update for every displayed message the peer sent
// that is still marked sent. It returns how many updates were started.
func (t *Tracker) Observe(ctx context.Context, messages []models.Message) int {
	peer := t.identity.Peer()
	started := 0
	for _, message := range messages {
		if message.Provisional || !message.IsFrom(peer) || message.Status != models.StatusSent {
			continue
		}
		if !t.claim(message.ID) {
			continue
		}
		started++

		t.wg.Add(1)
		go func(messageID string) {
			defer t.wg.Done()
			defer t.unclaim(messageID)

			updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
			defer cancel()
			err := t.log.UpdateStatus(updateCtx, messageID, models.StatusRead, t.identity)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				t.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to mark message read")
			}
		}(message.ID)
	}
	return started
}

// Run observes every fresh feed until ctx is done or feeds closes. Stale
// feeds are skipped.
func (t *Tracker) Run(ctx context.Context, feeds <-chan feed.Feed) {
	for {
		select {
		case <-ctx.Done():
			return
		case current, ok := <-feeds:
			if !ok {
				return
			}
			if current.Stale {
				continue
			}
			t.Observe(ctx, current.Messages)
		}
	}
}

// Wait blocks until every started update has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) claim(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inflight[messageID]; busy {
		return false
	}
	t.inflight[messageID] = struct{}{}
	return true
}

func (t *Tracker) unclaim(messageID string) {
	t.mu.Lock()
	delete(t.inflight, messageID)
	t.mu.Unlock()
}
