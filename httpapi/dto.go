package httpapi

import (
	"time"

	"duet/feed"
	"duet/models"
)

type messageDTO struct {
	ID              string    `json:"id"`
	Sender          string    `json:"sender"`
	Kind            string    `json:"kind"`
	Body            string    `json:"body,omitempty"`
	URL             string    `json:"url,omitempty"`
	MIME            string    `json:"mime,omitempty"`
	SizeBytes       int64     `json:"size_bytes,omitempty"`
	FileName        string    `json:"file_name,omitempty"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	Provisional     bool      `json:"provisional,omitempty"`
}

type feedDTO struct {
	Messages  []messageDTO `json:"messages"`
	Stale     bool         `json:"stale"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type retentionDTO struct {
	HorizonDays int `json:"horizon_days"`
}

type recordingDTO struct {
	State          string `json:"state"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	Started        *bool  `json:"started,omitempty"`
}

func toMessageDTO(message models.Message) messageDTO {
	out := messageDTO{
		ID:          message.ID,
		Sender:      message.Sender.String(),
		Status:      string(message.Status),
		CreatedAt:   message.CreatedAt,
		Provisional: message.Provisional,
	}
	if message.Kind != nil {
		out.Kind = string(message.Kind.Tag())
	}
	switch kind := message.Kind.(type) {
	case models.Text:
		out.Body = kind.Body
	case models.Media:
		out.URL = kind.URL
		out.MIME = kind.MIME
		out.SizeBytes = kind.SizeBytes
		out.FileName = kind.FileName
	case models.Voice:
		out.URL = kind.URL
		duration := kind.DurationSeconds
		out.DurationSeconds = &duration
	}
	return out
}

func toFeedDTO(current feed.Feed) feedDTO {
	out := feedDTO{
		Messages:  make([]messageDTO, 0, len(current.Messages)),
		Stale:     current.Stale,
		UpdatedAt: current.UpdatedAt,
	}
	for _, message := range current.Messages {
		out.Messages = append(out.Messages, toMessageDTO(message))
	}
	if current.Err != nil {
		out.Error = current.Err.Error()
	}
	return out
}
