package storage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"duet/models"
)

// Subscribe runs query now and again whenever the log changes, delivering
// a Snapshot each time the result differs from the previous one. A failed
// query is delivered as a Snapshot with Err set and the subscription keeps
// running. The channel is closed when ctx is done or the store closes.
func (s *Store) Subscribe(ctx context.Context, query models.Query) (<-chan models.Snapshot, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}

	wake, unsubscribe := s.notify.subscribe()
	out := make(chan models.Snapshot, 1)

	go func() {
		defer close(out)
		defer unsubscribe()

		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()

		var lastFingerprint, lastErr string
		emit := func() bool {
			messages, err := s.Query(ctx, query)
			var snapshot models.Snapshot
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				if err.Error() == lastErr {
					return true
				}
				lastErr = err.Error()
				lastFingerprint = ""
				snapshot = models.Snapshot{Err: err}
			} else {
				fingerprint := fingerprintMessages(messages)
				if fingerprint == lastFingerprint {
					return true
				}
				lastErr = ""
				lastFingerprint = fingerprint
				snapshot = models.Snapshot{Messages: messages}
			}

			select {
			case out <- snapshot:
				return true
			case <-ctx.Done():
				return false
			case <-s.closed:
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			case <-wake:
				if !emit() {
					return
				}
			case <-ticker.C:
				if !emit() {
					return
				}
			}
		}
	}()

	return out, nil
}

// WatchSettings delivers the stored retention policy now (when one exists)
// and again each time it changes. The channel is closed when ctx is done or
// the store closes.
func (s *Store) WatchSettings(ctx context.Context) (<-chan models.RetentionPolicy, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	wake, unsubscribe := s.notify.subscribe()
	out := make(chan models.RetentionPolicy, 1)

	go func() {
		defer close(out)
		defer unsubscribe()

		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()

		var last models.RetentionPolicy
		emit := func() bool {
			policy, ok, err := s.GetSettings(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Debug().Err(err).Msg("Settings watch read failed")
				}
				return ctx.Err() == nil
			}
			if !ok || policy == last {
				return true
			}
			last = policy

			select {
			case out <- policy:
				return true
			case <-ctx.Done():
				return false
			case <-s.closed:
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			case <-wake:
				if !emit() {
					return
				}
			case <-ticker.C:
				if !emit() {
					return
				}
			}
		}
	}()

	return out, nil
}

// fingerprintMessages summarizes the mutable view of a result set so
// unchanged re-reads are not redelivered. An empty result still produces a
// non-empty fingerprint.
func fingerprintMessages(messages []models.Message) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(messages)))
	for _, message := range messages {
		b.WriteByte('|')
		b.WriteString(message.ID)
		b.WriteByte(':')
		b.WriteString(string(message.Status))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(message.CreatedAt.UnixMilli(), 10))
	}
	return b.String()
}
