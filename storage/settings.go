package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"duet/models"
)

// GetSettings reads the shared retention policy. The boolean is false when
// no settings document exists yet.
func (s *Store) GetSettings(ctx context.Context) (models.RetentionPolicy, bool, error) {
	if s.isClosed() {
		return models.RetentionPolicy{}, false, ErrClosed
	}

	var days int
	err := s.db.QueryRowContext(ctx,
		`SELECT auto_delete_days FROM settings WHERE settings_id = ?`,
		settingsDocumentID,
	).Scan(&days)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RetentionPolicy{}, false, nil
		}
		return models.RetentionPolicy{}, false, fmt.Errorf("read settings: %w: %w", models.ErrNetwork, err)
	}

	return models.RetentionPolicy{HorizonDays: days}, true, nil
}

// PutSettings writes the shared retention policy, replacing any previous value.
func (s *Store) PutSettings(ctx context.Context, policy models.RetentionPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (settings_id, auto_delete_days, updated_at)
		VALUES (?, ?, COALESCE(?, `+serverNowSQL+`))
		ON CONFLICT(settings_id) DO UPDATE SET
			auto_delete_days = excluded.auto_delete_days,
			updated_at = excluded.updated_at`,
		settingsDocumentID,
		policy.HorizonDays,
		s.commitClock(),
	)
	if err != nil {
		return fmt.Errorf("write settings: %w: %w", models.ErrNetwork, err)
	}

	s.notify.broadcast()
	return nil
}
