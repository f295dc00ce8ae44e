package upload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"duet/models"
)

const (
	// DefaultMaxBytes is the largest accepted attachment, checked before
	// any network call.
	DefaultMaxBytes int64 = 10 << 20
	// DefaultTimeout bounds one upload round trip.
	DefaultTimeout = 60 * time.Second
)

var (
	// ErrBusy rejects an upload while another one is running.
	ErrBusy = errors.New("upload: another upload is in progress")
	// ErrUploadFailure wraps every transport or media-host failure.
	ErrUploadFailure = errors.New("upload failed")
	// ErrTooLarge rejects payloads above the size limit.
	ErrTooLarge = fmt.Errorf("upload: payload too large: %w", models.ErrValidation)
)

// Kind selects how the media host stores an asset.
type Kind string

const (
	KindImage Kind = "image"
	KindFile  Kind = "file"
	KindVoice Kind = "voice"
)

// Request describes one attachment to upload. MIME and FileName are
// optional; Kind defaults from the resolved MIME.
type Request struct {
	Source   Source
	MIME     string
	FileName string
	Kind     Kind
}

// Result is an uploaded attachment.
type Result struct {
	URL       string
	MIME      string
	FileName  string
	SizeBytes int64
}

// Asset is what a Host receives.
type Asset struct {
	DataURI   string
	MIME      string
	FileName  string
	Kind      Kind
	SizeBytes int64
}

// Host stores an encoded asset and returns its public URL.
type Host interface {
	Upload(ctx context.Context, asset Asset) (string, error)
}

// Options configures an Uploader.
type Options struct {
	Host     Host
	MaxBytes int64
	Timeout  time.Duration
	// SniffContent enables detection from payload bytes when neither the
	// caller, the source nor the file name identify the type.
	SniffContent bool
	Logger       *zerolog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxBytes <= 0 {
		out.MaxBytes = DefaultMaxBytes
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	return out
}

// Uploader sends attachments to the media host one at a time.
type Uploader struct {
	options Options
	log     zerolog.Logger
	busy    atomic.Bool
}

// New validates options and builds an Uploader.
func New(options Options) (*Uploader, error) {
	if options.Host == nil {
		return nil, errors.New("upload host is required")
	}
	options = options.withDefaults()
	return &Uploader{
		options: options,
		log:     options.Logger.With().Str("component", "upload").Logger(),
	}, nil
}

// Busy reports whether an upload is running.
func (u *Uploader) Busy() bool {
	return u.busy.Load()
}

// MaxBytes returns the size limit.
func (u *Uploader) MaxBytes() int64 {
	return u.options.MaxBytes
}

// Upload loads, encodes and transmits one attachment. A second call while
// one is running fails with ErrBusy. Once the host call starts it is not
// cancelled by ctx; it is bounded by the configured timeout instead.
func (u *Uploader) Upload(ctx context.Context, req Request) (Result, error) {
	if req.Source == nil {
		return Result{}, fmt.Errorf("%w: attachment source is required", models.ErrValidation)
	}
	if !u.busy.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer u.busy.Store(false)

	payload, err := req.Source.Load(u.options.MaxBytes)
	if err != nil {
		return Result{}, err
	}
	if len(payload.Data) == 0 {
		return Result{}, fmt.Errorf("%w: attachment is empty", models.ErrValidation)
	}

	mediaType := ResolveMIME(req.MIME, payload, req.FileName, u.options.SniffContent)
	fileName := req.FileName
	if fileName == "" {
		fileName = payload.Name
	}
	kind := req.Kind
	if kind == "" {
		kind = KindFile
		if strings.HasPrefix(mediaType, "image/") {
			kind = KindImage
		}
	}

	asset := Asset{
		DataURI:   encodeDataURI(mediaType, payload.Data),
		MIME:      mediaType,
		FileName:  fileName,
		Kind:      kind,
		SizeBytes: int64(len(payload.Data)),
	}

	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.options.Timeout)
	defer cancel()

	started := time.Now()
	remoteURL, err := u.options.Host.Upload(uploadCtx, asset)
	if err != nil {
		u.log.Warn().Err(err).Str("kind", string(kind)).Int64("size_bytes", asset.SizeBytes).Msg("Attachment upload failed")
		if !errors.Is(err, models.ErrNetwork) && !errors.Is(err, models.ErrRemoteRejection) {
			err = fmt.Errorf("%w: %w", models.ErrNetwork, err)
		}
		return Result{}, fmt.Errorf("%w: %w", ErrUploadFailure, err)
	}
	if err := checkRemoteURL(remoteURL); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUploadFailure, err)
	}

	u.log.Debug().
		Str("kind", string(kind)).
		Str("mime", mediaType).
		Int64("size_bytes", asset.SizeBytes).
		Dur("elapsed", time.Since(started)).
		Msg("Attachment uploaded")

	return Result{
		URL:       remoteURL,
		MIME:      mediaType,
		FileName:  fileName,
		SizeBytes: asset.SizeBytes,
	}, nil
}

func checkRemoteURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: media host returned no url", models.ErrRemoteRejection)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || parsed.Scheme != "https" {
		return fmt.Errorf("%w: media host returned non-https url %q", models.ErrRemoteRejection, raw)
	}
	return nil
}
