package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"duet/models"
)

const (
	// MaxBatchSize caps how many expired messages one sweep deletes.
	MaxBatchSize = 100
	// DefaultInitialDelay is the pause between startup and the first sweep.
	DefaultInitialDelay = 2 * time.Second
)

// Log is the read and delete capability of the shared log.
type Log interface {
	Query(ctx context.Context, query models.Query) ([]models.Message, error)
	Delete(ctx context.Context, messageID string) error
}

// Policies supplies the shared retention policy.
type Policies interface {
	Get(ctx context.Context) (models.RetentionPolicy, error)
	Watch(ctx context.Context) (<-chan models.RetentionPolicy, error)
}

// Options configures a Sweeper.
type Options struct {
	Log          Log
	Policies     Policies
	BatchSize    int
	InitialDelay time.Duration
	// Interval repeats the sweep periodically. Zero sweeps only at startup
	// and on policy changes.
	Interval time.Duration
	Now      func() time.Time
	Logger   *zerolog.Logger
}

// Sweeper deletes messages older than the retention horizon.
type Sweeper struct {
	log          Log
	policies     Policies
	batchSize    int
	initialDelay time.Duration
	interval     time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// New validates options and builds a Sweeper.
func New(options Options) (*Sweeper, error) {
	if options.Log == nil {
		return nil, errors.New("message log is required")
	}
	if options.BatchSize <= 0 || options.BatchSize > MaxBatchSize {
		options.BatchSize = MaxBatchSize
	}
	if options.InitialDelay < 0 {
		options.InitialDelay = 0
	} else if options.InitialDelay == 0 {
		options.InitialDelay = DefaultInitialDelay
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}

	return &Sweeper{
		log:          options.Log,
		policies:     options.Policies,
		batchSize:    options.BatchSize,
		initialDelay: options.InitialDelay,
		interval:     options.Interval,
		now:          options.Now,
		logger:       logger.With().Str("component", "retention").Logger(),
	}, nil
}

// Sweep deletes one batch of messages created before now minus the
// horizon, oldest first. A message already gone counts as deleted.
func (s *Sweeper) Sweep(ctx context.Context, policy models.RetentionPolicy) (int, error) {
	if err := policy.Validate(); err != nil {
		return 0, err
	}
	cutoff := policy.Cutoff(s.now())

	expired, err := s.log.Query(ctx, models.Query{
		OrderField: models.OrderByCreatedAt,
		Direction:  models.Ascending,
		Limit:      s.batchSize,
		Before:     cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("query expired messages: %w", err)
	}

	deleted := 0
	var errs []error
	for _, message := range expired {
		if err := s.log.Delete(ctx, message.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete message %q: %w", message.ID, err))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info().
			Int("deleted", deleted).
			Int("horizon_days", policy.HorizonDays).
			Time("cutoff", cutoff).
			Msg("Expired messages deleted")
	}
	return deleted, errors.Join(errs...)
}

// Run sweeps after the initial delay, again whenever the policy changes and
// every Interval when one is set. A full batch is followed by another
// sweep right away. Failures are logged only. Run returns when ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.policies == nil {
		s.logger.Warn().Msg("No retention policy source, sweeper disabled")
		return
	}

	var changes <-chan models.RetentionPolicy
	if watched, err := s.policies.Watch(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to watch retention policy")
	} else {
		changes = watched
	}

	var current models.RetentionPolicy
	ready := false

	initial := time.NewTimer(s.initialDelay)
	defer initial.Stop()

	var periodic <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		periodic = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-initial.C:
			ready = true
			if current.HorizonDays == 0 {
				policy, err := s.policies.Get(ctx)
				if err != nil {
					s.logger.Warn().Err(err).Msg("Failed to read retention policy")
					continue
				}
				current = policy
			}
			s.drain(ctx, current)
		case policy, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			changed := policy != current
			current = policy
			if ready && changed {
				s.drain(ctx, current)
			}
		case <-periodic:
			if ready && current.HorizonDays > 0 {
				s.drain(ctx, current)
			}
		}
	}
}

// Drain repeats Sweep while batches come back full and returns the total
// deleted.
func (s *Sweeper) Drain(ctx context.Context, policy models.RetentionPolicy) (int, error) {
	total := 0
	for {
		deleted, err := s.Sweep(ctx, policy)
		total += deleted
		if err != nil {
			return total, err
		}
		if deleted < s.batchSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (s *Sweeper) drain(ctx context.Context, policy models.RetentionPolicy) {
	total, err := s.Drain(ctx, policy)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Int("deleted", total).Msg("Retention sweep failed")
	}
}
