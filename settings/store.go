package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"duet/models"
)

// Backend persists the single shared settings document.
type Backend interface {
	GetSettings(ctx context.Context) (models.RetentionPolicy, bool, error)
	PutSettings(ctx context.Context, policy models.RetentionPolicy) error
	WatchSettings(ctx context.Context) (<-chan models.RetentionPolicy, error)
}

// Options configures a Store.
type Options struct {
	Backend Backend
	Logger  *zerolog.Logger
}

// Store reads and writes the shared retention policy.
type Store struct {
	backend Backend
	log     zerolog.Logger
}

// New validates options and builds a Store.
func New(options Options) (*Store, error) {
	if options.Backend == nil {
		return nil, errors.New("settings backend is required")
	}
	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}
	return &Store{
		backend: options.Backend,
		log:     logger.With().Str("component", "settings").Logger(),
	}, nil
}

// Get returns the shared policy, writing the default first when none
// exists yet.
func (s *Store) Get(ctx context.Context) (models.RetentionPolicy, error) {
	policy, ok, err := s.backend.GetSettings(ctx)
	if err != nil {
		return models.RetentionPolicy{}, fmt.Errorf("read retention policy: %w", err)
	}
	if ok {
		return policy, nil
	}

	policy = models.DefaultRetentionPolicy()
	if err := s.backend.PutSettings(ctx, policy); err != nil {
		return models.RetentionPolicy{}, fmt.Errorf("create default retention policy: %w", err)
	}
	s.log.Info().Int("horizon_days", policy.HorizonDays).Msg("Created default retention policy")
	return policy, nil
}

// SetHorizon changes the retention horizon. Only the privileged identity
// may do so.
func (s *Store) SetHorizon(ctx context.Context, by models.Identity, days int) (models.RetentionPolicy, error) {
	if !by.Privileged() {
		return models.RetentionPolicy{}, fmt.Errorf("%w: %s may not change the retention horizon", models.ErrPermissionDenied, by)
	}
	policy := models.RetentionPolicy{HorizonDays: days}
	if err := policy.Validate(); err != nil {
		return models.RetentionPolicy{}, err
	}
	if err := s.backend.PutSettings(ctx, policy); err != nil {
		return models.RetentionPolicy{}, fmt.Errorf("write retention policy: %w", err)
	}
	s.log.Info().Str("by", by.String()).Int("horizon_days", days).Msg("Retention horizon changed")
	return policy, nil
}

// Watch streams the policy now and on every change. The channel closes
// when ctx is done.
func (s *Store) Watch(ctx context.Context) (<-chan models.RetentionPolicy, error) {
	if _, err := s.Get(ctx); err != nil {
		return nil, err
	}
	return s.backend.WatchSettings(ctx)
}
