package storage

import (
	"database/sql"
	"fmt"
	"time"

	"duet/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = fmt.Errorf("storage: record %w", models.ErrNotFound)
	// ErrClosed indicates the store was closed.
	ErrClosed = fmt.Errorf("storage: store is closed: %w", models.ErrNetwork)
)

// settingsDocumentID is the key of the single shared settings row.
const settingsDocumentID = "config"

// serverNowSQL evaluates to the current time in Unix milliseconds inside
// SQLite, so commit timestamps never come from a client clock.
const serverNowSQL = `CAST(ROUND((julianday('now') - 2440587.5) * 86400000.0) AS INTEGER)`

// messageRow is the SQLite representation of a message document.
type messageRow struct {
	MessageID       string
	Sender          string
	Kind            string
	Body            sql.NullString
	URL             sql.NullString
	MIME            sql.NullString
	SizeBytes       sql.NullInt64
	FileName        sql.NullString
	DurationSeconds sql.NullInt64
	Status          string
	CreatedAt       int64
	ReadAt          sql.NullInt64
}

func rowFromMessage(message models.Message) (messageRow, error) {
	row := messageRow{
		MessageID: message.ID,
		Sender:    string(message.Sender),
		Status:    string(message.Status),
	}

	switch kind := message.Kind.(type) {
	case models.Text:
		row.Kind = string(models.KindText)
		row.Body = sql.NullString{String: kind.Body, Valid: true}
	case models.Media:
		row.Kind = string(models.KindMedia)
		row.URL = sql.NullString{String: kind.URL, Valid: true}
		row.MIME = nullString(kind.MIME)
		row.SizeBytes = sql.NullInt64{Int64: kind.SizeBytes, Valid: true}
		row.FileName = nullString(kind.FileName)
	case models.Voice:
		row.Kind = string(models.KindVoice)
		row.URL = sql.NullString{String: kind.URL, Valid: true}
		row.DurationSeconds = sql.NullInt64{Int64: int64(kind.DurationSeconds), Valid: true}
	default:
		return messageRow{}, fmt.Errorf("%w: %T", models.ErrInvalidKind, message.Kind)
	}

	return row, nil
}

func (r messageRow) toMessage() (models.Message, error) {
	message := models.Message{
		ID:        r.MessageID,
		Sender:    models.Identity(r.Sender),
		Status:    models.Status(r.Status),
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
	}

	switch models.KindTag(r.Kind) {
	case models.KindText:
		message.Kind = models.Text{Body: r.Body.String}
	case models.KindMedia:
		message.Kind = models.Media{
			URL:       r.URL.String,
			MIME:      r.MIME.String,
			SizeBytes: r.SizeBytes.Int64,
			FileName:  r.FileName.String,
		}
	case models.KindVoice:
		message.Kind = models.Voice{
			URL:             r.URL.String,
			DurationSeconds: int(r.DurationSeconds.Int64),
		}
	default:
		return models.Message{}, fmt.Errorf("%w: stored kind %q", models.ErrInvalidKind, r.Kind)
	}

	return message, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTimestamp(ts time.Time) sql.NullInt64 {
	if ts.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.UnixMilli(), Valid: true}
}
