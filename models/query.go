package models

import (
	"fmt"
	"time"
)

const (
	// DefaultHorizonDays is written when no retention policy exists yet.
	DefaultHorizonDays = 7
	// MaxHorizonDays bounds the retention horizon to roughly ten years.
	MaxHorizonDays = 3650
)

// RetentionPolicy is the shared auto-delete setting.
type RetentionPolicy struct {
	HorizonDays int
}

// DefaultRetentionPolicy returns the policy used before anyone changed it.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{HorizonDays: DefaultHorizonDays}
}

// Validate checks the horizon range.
func (p RetentionPolicy) Validate() error {
	if p.HorizonDays < 1 || p.HorizonDays > MaxHorizonDays {
		return fmt.Errorf("%w: retention horizon must be between 1 and %d days, got %d", ErrValidation, MaxHorizonDays, p.HorizonDays)
	}
	return nil
}

// Horizon returns the horizon as a duration.
func (p RetentionPolicy) Horizon() time.Duration {
	return time.Duration(p.HorizonDays) * 24 * time.Hour
}

// Cutoff returns the instant before which messages expire.
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.Horizon())
}

// OrderField names the field a log query is ordered by.
type OrderField string

// OrderByCreatedAt orders by the canonical timestamp, ties broken by ID.
const OrderByCreatedAt OrderField = "created_at"

// Direction is a query sort direction.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Query parameterizes reads and subscriptions against the message log.
type Query struct {
	OrderField OrderField
	Direction  Direction
	Limit      int
	// Before keeps only messages created strictly before this instant.
	// The zero value disables the filter.
	Before time.Time
}

// Validate checks the query parameters.
func (q Query) Validate() error {
	if q.OrderField != OrderByCreatedAt {
		return fmt.Errorf("%w: unsupported order field %q", ErrValidation, q.OrderField)
	}
	if q.Direction != Ascending && q.Direction != Descending {
		return fmt.Errorf("%w: unsupported direction %q", ErrValidation, q.Direction)
	}
	if q.Limit <= 0 {
		return fmt.Errorf("%w: query limit must be > 0", ErrValidation)
	}
	return nil
}

// Snapshot is one result delivered by a log subscription. Err is set when
// the query failed; Messages is then nil.
type Snapshot struct {
	Messages []Message
	Err      error
}
