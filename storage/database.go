package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	// DefaultDBFileName is the shared log filename under the data dir.
	DefaultDBFileName = "log.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultPollInterval re-runs subscription queries when no change
	// notification arrived, covering writers the file watcher misses.
	DefaultPollInterval = 2 * time.Second
	// DefaultBusyTimeout is how long SQLite waits on a locked database.
	DefaultBusyTimeout = 5 * time.Second
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id        TEXT PRIMARY KEY,
  sender            TEXT NOT NULL CHECK(sender IN ('admin','user')),
  kind              TEXT NOT NULL CHECK(kind IN ('text','file','voice')),
  body              TEXT,
  url               TEXT,
  mime              TEXT,
  size_bytes        INTEGER,
  file_name         TEXT,
  duration_seconds  INTEGER,
  status            TEXT NOT NULL CHECK(status IN ('sent','read')) DEFAULT 'sent',
  created_at        INTEGER NOT NULL,
  client_created_at INTEGER,
  read_at           INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_created
ON messages (created_at, message_id);
`,
	`
CREATE TABLE IF NOT EXISTS settings (
  settings_id      TEXT PRIMARY KEY,
  auto_delete_days INTEGER NOT NULL CHECK(auto_delete_days > 0),
  updated_at       INTEGER NOT NULL
);
`,
}

// Options tunes a Store. The zero value is valid.
type Options struct {
	PollInterval          time.Duration
	BusyTimeout           time.Duration
	WALCheckpointInterval time.Duration
	Logger                *zerolog.Logger

	// Now overrides the commit clock. When nil, commit timestamps are
	// computed by SQLite itself.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.BusyTimeout <= 0 {
		out.BusyTimeout = DefaultBusyTimeout
	}
	if out.WALCheckpointInterval <= 0 {
		out.WALCheckpointInterval = DefaultWALCheckpointInterval
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	return out
}

// Store is the shared message log backed by one SQLite file. Several
// clients, in one process or many, may open the same file.
type Store struct {
	db     *sql.DB
	path   string
	opts   Options
	log    zerolog.Logger
	notify *notifier

	walCheckpointStop chan struct{}
	closed            chan struct{}
	wg                sync.WaitGroup
	closeOnce         sync.Once
}

// Open opens (or creates) log.db under the given data directory and runs migrations.
func Open(dataDir string, opts Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", filepath.ToSlash(dbPath), opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                db,
		path:              dbPath,
		opts:              opts,
		log:               opts.Logger.With().Str("component", "storage").Logger(),
		notify:            newNotifier(),
		walCheckpointStop: make(chan struct{}),
		closed:            make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()
	store.startFileWatcher()

	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close stops background loops and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.walCheckpointStop)
		s.wg.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.opts.WALCheckpointInterval

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					s.log.Warn().Err(err).Msg("Periodic WAL checkpoint failed")
				}
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

// startFileWatcher wakes subscriptions when another process writes the
// database or its WAL. Polling still covers platforms where the watcher
// cannot be created.
func (s *Store) startFileWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn().Err(err).Msg("File watcher unavailable, relying on polling")
		return
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		s.log.Warn().Err(err).Str("dir", filepath.Dir(s.path)).Msg("Failed to watch database directory, relying on polling")
		return
	}

	base := filepath.Base(s.path)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(event.Name), base) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					s.notify.broadcast()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Debug().Err(err).Msg("File watcher error")
			case <-s.closed:
				return
			}
		}
	}()
}

// notifier fans out "something changed" wake-ups to subscriptions.
type notifier struct {
	mu      sync.Mutex
	waiters map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[chan struct{}]struct{})}
}

func (n *notifier) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.waiters[ch] = struct{}{}
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.waiters, ch)
		n.mu.Unlock()
	}
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
