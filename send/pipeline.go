package send

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"duet/capture"
	"duet/models"
	"duet/upload"
)

// defaultVoiceFileName names voice notes whose asset has no path.
const defaultVoiceFileName = "voice-note.webm"

// Log is the write capability of the shared log.
type Log interface {
	Insert(ctx context.Context, message models.Message) (models.Message, error)
}

// Overlay shows provisional messages until the log confirms them.
type Overlay interface {
	AddPending(message models.Message) models.Message
	ResolvePending(localID, canonicalID string)
}

// Uploader transmits attachments.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (upload.Result, error)
	Busy() bool
}

// Options configures a Pipeline. Feed, Uploader and Composer are optional.
type Options struct {
	Identity models.Identity
	Log      Log
	Feed     Overlay
	Uploader Uploader
	Composer *Composer
	Logger   *zerolog.Logger
	Now      func() time.Time
}

// Pipeline turns user input into committed messages.
type Pipeline struct {
	identity models.Identity
	log      Log
	feed     Overlay
	uploader Uploader
	composer *Composer
	logger   zerolog.Logger
	now      func() time.Time
}

// New validates options and builds a Pipeline.
func New(options Options) (*Pipeline, error) {
	if !options.Identity.Valid() {
		return nil, fmt.Errorf("invalid sender identity %q", options.Identity)
	}
	if options.Log == nil {
		return nil, errors.New("message log is required")
	}
	if options.Composer == nil {
		options.Composer = &Composer{}
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}

	return &Pipeline{
		identity: options.Identity,
		log:      options.Log,
		feed:     options.Feed,
		uploader: options.Uploader,
		composer: options.Composer,
		logger:   logger.With().Str("component", "send").Str("identity", options.Identity.String()).Logger(),
		now:      options.Now,
	}, nil
}

// Composer returns the compose field the pipeline clears and restores.
func (p *Pipeline) Composer() *Composer {
	return p.composer
}

// Identity returns the sender of every message this pipeline commits.
func (p *Pipeline) Identity() models.Identity {
	return p.identity
}

// SubmitCompose sends whatever the compose field holds.
func (p *Pipeline) SubmitCompose(ctx context.Context) (models.Message, error) {
	return p.ComposeText(ctx, p.composer.Text())
}

// ComposeText validates and commits a text message. The compose field is
// cleared as soon as the message is submitted; if the commit fails the
// submitted text is put back and a *Error is returned.
func (p *Pipeline) ComposeText(ctx context.Context, body string) (models.Message, error) {
	if err := models.ValidateTextBody(body); err != nil {
		return models.Message{}, err
	}
	trimmed := strings.TrimSpace(body)

	p.composer.take()
	message, err := p.commit(ctx, models.Text{Body: trimmed})
	if err != nil {
		p.composer.restore(trimmed)
		return models.Message{}, &Error{Op: "send text", Text: trimmed, Err: err}
	}
	return message, nil
}

// ComposeMedia uploads an attachment and commits a Media message for it.
// Nothing is committed unless the upload succeeds.
func (p *Pipeline) ComposeMedia(ctx context.Context, source upload.Source, declaredMIME, fileName string, kind upload.Kind) (models.Message, error) {
	if p.uploader == nil {
		return models.Message{}, errors.New("attachments are not configured")
	}
	if p.uploader.Busy() {
		return models.Message{}, upload.ErrBusy
	}

	result, err := p.uploader.Upload(ctx, upload.Request{
		Source:   source,
		MIME:     declaredMIME,
		FileName: fileName,
		Kind:     kind,
	})
	if err != nil {
		if errors.Is(err, upload.ErrBusy) || errors.Is(err, models.ErrValidation) {
			return models.Message{}, err
		}
		return models.Message{}, &Error{Op: "upload attachment", Err: err}
	}

	message, err := p.commit(ctx, models.Media{
		URL:       result.URL,
		MIME:      result.MIME,
		SizeBytes: result.SizeBytes,
		FileName:  result.FileName,
	})
	if err != nil {
		return models.Message{}, &Error{Op: "send attachment", Err: err}
	}
	return message, nil
}

// UploadVoice uploads a flushed recording as a voice note.
func (p *Pipeline) UploadVoice(ctx context.Context, asset capture.Asset) (upload.Result, error) {
	if p.uploader == nil {
		return upload.Result{}, errors.New("attachments are not configured")
	}
	name := defaultVoiceFileName
	if asset.Path != "" {
		name = filepath.Base(asset.Path)
	}
	return p.uploader.Upload(ctx, upload.Request{
		Source:   upload.Bytes{Data: asset.Data, Name: name},
		MIME:     asset.MIME,
		FileName: name,
		Kind:     upload.KindVoice,
	})
}

// CommitVoice commits a Voice message for an uploaded recording.
func (p *Pipeline) CommitVoice(ctx context.Context, result upload.Result, durationSeconds int) (models.Message, error) {
	message, err := p.commit(ctx, models.Voice{URL: result.URL, DurationSeconds: durationSeconds})
	if err != nil {
		return models.Message{}, &Error{Op: "send voice note", Err: err}
	}
	return message, nil
}

// ComposeVoice uploads a recording and commits a Voice message for it.
func (p *Pipeline) ComposeVoice(ctx context.Context, asset capture.Asset, durationSeconds int) (models.Message, error) {
	result, err := p.UploadVoice(ctx, asset)
	if err != nil {
		if errors.Is(err, upload.ErrBusy) || errors.Is(err, models.ErrValidation) {
			return models.Message{}, err
		}
		return models.Message{}, &Error{Op: "upload voice note", Err: err}
	}
	return p.CommitVoice(ctx, result, durationSeconds)
}

// commit inserts one message, overlaying it on the feed while the insert
// is in flight.
func (p *Pipeline) commit(ctx context.Context, kind models.Kind) (models.Message, error) {
	message := models.Message{
		Sender:    p.identity,
		Kind:      kind,
		CreatedAt: p.now(),
		Status:    models.StatusSent,
	}

	var localID string
	if p.feed != nil {
		localID = p.feed.AddPending(message).ID
	}

	committed, err := p.log.Insert(ctx, message)
	if err != nil {
		if p.feed != nil {
			p.feed.ResolvePending(localID, "")
		}
		p.logger.Warn().Err(err).Str("kind", string(kind.Tag())).Msg("Message commit failed")
		return models.Message{}, err
	}
	if p.feed != nil {
		p.feed.ResolvePending(localID, committed.ID)
	}

	p.logger.Debug().Str("message_id", committed.ID).Str("kind", string(kind.Tag())).Msg("Message committed")
	return committed, nil
}
