package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"duet/models"
)

// DefaultWindowSize is how many of the newest messages the feed shows.
const DefaultWindowSize = 25

var defaultResubscribeBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

var (
	// ErrStopped is returned by Start once the store has been stopped.
	ErrStopped = errors.New("feed: store stopped")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("feed: store already started")
	// ErrSubscriptionEnded marks a feed whose source subscription closed
	// without being asked to.
	ErrSubscriptionEnded = fmt.Errorf("feed: subscription ended: %w", models.ErrNetwork)
)

// Source is the live query capability of the shared log.
type Source interface {
	Subscribe(ctx context.Context, query models.Query) (<-chan models.Snapshot, error)
}

// Options configures a Store.
type Options struct {
	Source     Source
	WindowSize int

	// ResubscribeBackoff is the delay before each resubscribe attempt. The
	// last entry repeats.
	ResubscribeBackoff []time.Duration

	Logger *zerolog.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.WindowSize <= 0 {
		out.WindowSize = DefaultWindowSize
	}
	if len(out.ResubscribeBackoff) == 0 {
		out.ResubscribeBackoff = append([]time.Duration(nil), defaultResubscribeBackoff...)
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Feed is one published view of the conversation: the newest window of the
// log in ascending order with provisional messages overlaid.
type Feed struct {
	Messages []models.Message
	// Stale is set while the live subscription is failing. Messages then
	// holds the last good window.
	Stale     bool
	Err       error
	UpdatedAt time.Time
}

// Store keeps a locally displayed feed consistent with the shared log. It
// never writes to the log.
type Store struct {
	options Options
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	confirmed []models.Message
	pending   map[string]pendingEntry
	stale     bool
	lastErr   error
	updatedAt time.Time
	current   Feed

	subscribers map[int]chan Feed
	nextSubID   int
}

type pendingEntry struct {
	message     models.Message
	canonicalID string
}

// New validates options and builds a stopped Store.
func New(options Options) (*Store, error) {
	if options.Source == nil {
		return nil, errors.New("feed source is required")
	}
	options = options.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		options:     options,
		log:         options.Logger.With().Str("component", "feed").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]pendingEntry),
		subscribers: make(map[int]chan Feed),
	}, nil
}

// Query is the live query the store runs against the log.
func (s *Store) Query() models.Query {
	return models.Query{
		OrderField: models.OrderByCreatedAt,
		Direction:  models.Descending,
		Limit:      s.options.WindowSize,
	}
}

// Start opens the live subscription. It keeps resubscribing until Stop is
// called or ctx is done.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		s.run(runCtx)
	}()
	return nil
}

// Stop ends the live subscription and closes every feed subscriber.
func (s *Store) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()
}

// Subscribe returns a latest-wins stream of feeds. The current feed is
// delivered immediately. The channel is closed by cancel or Stop.
func (s *Store) Subscribe() (<-chan Feed, func()) {
	ch := make(chan Feed, 1)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	ch <- cloneFeed(s.current)
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if existing, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(existing)
			}
		})
	}
}

// Current returns the latest published feed.
func (s *Store) Current() Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneFeed(s.current)
}

// AddPending overlays a provisional message on the feed until it is
// resolved. A missing ID is replaced with a fresh local one.
func (s *Store) AddPending(message models.Message) models.Message {
	if message.ID == "" {
		message.ID = models.ProvisionalIDPrefix + uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.options.Now()
	}
	if message.Status == "" {
		message.Status = models.StatusSent
	}
	message.Provisional = true

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[message.ID] = pendingEntry{message: message}
	s.publishLocked()
	return message
}

// ResolvePending settles a provisional message. With a canonical ID the
// entry stays until the next good snapshot, which either carries the
// committed message or shows it is gone; an empty canonical ID drops it at
// once.
func (s *Store) ResolvePending(localID, canonicalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[localID]
	if !ok {
		return
	}
	if canonicalID == "" || containsID(s.confirmed, canonicalID) {
		delete(s.pending, localID)
		s.publishLocked()
		return
	}
	entry.canonicalID = canonicalID
	s.pending[localID] = entry
}

func (s *Store) run(ctx context.Context) {
	attempt := 0
	for {
		delay := backoffForAttempt(s.options.ResubscribeBackoff, attempt)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		snapshots, err := s.options.Source.Subscribe(ctx, s.Query())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("Feed subscribe failed")
			s.markStale(fmt.Errorf("subscribe feed: %w", err))
			attempt++
			continue
		}

		healthy := s.consume(ctx, snapshots)
		if ctx.Err() != nil {
			return
		}
		if healthy {
			attempt = 0
		}
		s.log.Warn().Int("attempt", attempt).Msg("Feed subscription ended, resubscribing")
		s.markStale(ErrSubscriptionEnded)
		attempt++
	}
}

// consume applies snapshots until the channel closes. It reports whether
// at least one good snapshot arrived.
func (s *Store) consume(ctx context.Context, snapshots <-chan models.Snapshot) bool {
	healthy := false
	for {
		select {
		case <-ctx.Done():
			return healthy
		case snapshot, ok := <-snapshots:
			if !ok {
				return healthy
			}
			if snapshot.Err != nil {
				s.log.Warn().Err(snapshot.Err).Msg("Feed snapshot failed, keeping last good window")
				s.markStale(snapshot.Err)
				continue
			}
			healthy = true
			s.apply(snapshot.Messages)
		}
	}
}

func (s *Store) apply(newestFirst []models.Message) {
	window := normalizeWindow(newestFirst)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.confirmed = window
	s.stale = false
	s.lastErr = nil
	s.updatedAt = s.options.Now()
	for localID, entry := range s.pending {
		if entry.canonicalID != "" {
			delete(s.pending, localID)
		}
	}
	s.publishLocked()
}

func (s *Store) markStale(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stale = true
	s.lastErr = err
	s.publishLocked()
}

func (s *Store) publishLocked() {
	messages := make([]models.Message, 0, len(s.confirmed)+len(s.pending))
	messages = append(messages, s.confirmed...)
	for _, entry := range s.pending {
		if entry.canonicalID != "" && containsID(s.confirmed, entry.canonicalID) {
			continue
		}
		messages = append(messages, entry.message)
	}
	models.SortMessages(messages)

	s.current = Feed{
		Messages:  messages,
		Stale:     s.stale,
		Err:       s.lastErr,
		UpdatedAt: s.updatedAt,
	}

	for _, ch := range s.subscribers {
		deliverLatest(ch, cloneFeed(s.current))
	}
}

// normalizeWindow turns a newest-first snapshot into the ascending,
// duplicate-free window the feed shows.
func normalizeWindow(newestFirst []models.Message) []models.Message {
	window := make([]models.Message, 0, len(newestFirst))
	seen := make(map[string]struct{}, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		message := newestFirst[i]
		if _, dup := seen[message.ID]; dup {
			continue
		}
		seen[message.ID] = struct{}{}
		message.Provisional = false
		window = append(window, message)
	}
	models.SortMessages(window)
	return window
}

func deliverLatest(ch chan Feed, feed Feed) {
	select {
	case ch <- feed:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- feed:
	default:
	}
}

func cloneFeed(feed Feed) Feed {
	feed.Messages = slices.Clone(feed.Messages)
	if feed.Messages == nil {
		feed.Messages = []models.Message{}
	}
	return feed
}

func containsID(messages []models.Message, id string) bool {
	for _, message := range messages {
		if message.ID == id {
			return true
		}
	}
	return false
}

func backoffForAttempt(backoff []time.Duration, attempt int) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}
