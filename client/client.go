package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"duet/capture"
	"duet/discovery"
	"duet/feed"
	"duet/models"
	"duet/receipts"
	"duet/recording"
	"duet/retention"
	"duet/send"
	"duet/settings"
	"duet/storage"
	"duet/upload"
)

var (
	// ErrUnavailable is returned when a feature was not configured.
	ErrUnavailable = errors.New("client: feature not configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
)

// RetentionOptions tunes the background sweeper.
type RetentionOptions struct {
	InitialDelay time.Duration
	Interval     time.Duration
	BatchSize    int
}

// Options wires a Client. Log and Identity are required; Host, Device and
// Presence are optional and disable their feature when unset.
type Options struct {
	Identity models.Identity
	Log      *storage.Store
	// CloseLog makes Close also close Log.
	CloseLog bool

	Host           upload.Host
	MaxUploadBytes int64
	UploadTimeout  time.Duration
	SniffContent   bool

	Device       capture.Device
	TickInterval time.Duration

	WindowSize int
	Retention  RetentionOptions
	Presence   *discovery.Config

	Logger *zerolog.Logger
	Now    func() time.Time
}

// PresenceStatus describes what is known about the other participant.
type PresenceStatus struct {
	Enabled bool                 `json:"enabled"`
	Peer    models.Identity      `json:"peer"`
	Online  bool                 `json:"online"`
	Clients []discovery.Presence `json:"clients,omitempty"`
}

// Client owns every subsystem of one participant's session.
type Client struct {
	identity models.Identity
	log      *storage.Store
	closeLog bool
	logger   zerolog.Logger

	feed     *feed.Store
	pipeline *send.Pipeline
	uploader *upload.Uploader
	session  *recording.Session
	tracker  *receipts.Tracker
	settings *settings.Store
	sweeper  *retention.Sweeper

	presenceCfg *discovery.Config
	presence    *discovery.Service

	mu          sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New builds a stopped Client.
func New(options Options) (*Client, error) {
	if !options.Identity.Valid() {
		return nil, fmt.Errorf("%w: unknown identity %q", models.ErrValidation, options.Identity)
	}
	if options.Log == nil {
		return nil, errors.New("message log is required")
	}
	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}
	logger = logger.With().Str("identity", options.Identity.String()).Logger()

	c := &Client{
		identity:    options.Identity,
		log:         options.Log,
		closeLog:    options.CloseLog,
		logger:      logger.With().Str("component", "client").Logger(),
		presenceCfg: options.Presence,
	}

	var err error
	c.feed, err = feed.New(feed.Options{
		Source:     options.Log,
		WindowSize: options.WindowSize,
		Logger:     &logger,
		Now:        options.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("build feed: %w", err)
	}

	pipelineOptions := send.Options{
		Identity: options.Identity,
		Log:      options.Log,
		Feed:     c.feed,
		Logger:   &logger,
		Now:      options.Now,
	}
	if options.Host != nil {
		c.uploader, err = upload.New(upload.Options{
			Host:         options.Host,
			MaxBytes:     options.MaxUploadBytes,
			Timeout:      options.UploadTimeout,
			SniffContent: options.SniffContent,
			Logger:       &logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build uploader: %w", err)
		}
		pipelineOptions.Uploader = c.uploader
	}
	c.pipeline, err = send.New(pipelineOptions)
	if err != nil {
		return nil, fmt.Errorf("build send pipeline: %w", err)
	}

	if options.Device != nil {
		c.session, err = recording.New(recording.Options{
			Device:       options.Device,
			Sender:       c.pipeline,
			TickInterval: options.TickInterval,
			Logger:       &logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build recording session: %w", err)
		}
	}

	c.tracker, err = receipts.New(receipts.Options{
		Identity: options.Identity,
		Log:      options.Log,
		Logger:   &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build read tracker: %w", err)
	}

	c.settings, err = settings.New(settings.Options{Backend: options.Log, Logger: &logger})
	if err != nil {
		return nil, fmt.Errorf("build settings: %w", err)
	}

	c.sweeper, err = retention.New(retention.Options{
		Log:          options.Log,
		Policies:     c.settings,
		BatchSize:    options.Retention.BatchSize,
		InitialDelay: options.Retention.InitialDelay,
		Interval:     options.Retention.Interval,
		Now:          options.Now,
		Logger:       &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build sweeper: %w", err)
	}

	return c, nil
}

// Start opens the feed and launches read receipts, retention sweeps and
// presence. A presence failure is logged and leaves presence disabled.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := c.feed.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start feed: %w", err)
	}
	feeds, unsubscribe := c.feed.Subscribe()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.tracker.Run(runCtx, feeds)
	}()
	go func() {
		defer c.wg.Done()
		c.sweeper.Run(runCtx)
	}()

	if c.presenceCfg != nil {
		presence, err := discovery.Start(*c.presenceCfg)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Presence disabled")
		} else {
			c.presence = presence
		}
	}

	c.started = true
	c.cancel = cancel
	c.unsubscribe = unsubscribe
	c.logger.Info().Msg("Client started")
	return nil
}

// Close ends the session: an active recording is cancelled, the feed is
// unsubscribed and every background task is stopped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, unsubscribe, presence := c.cancel, c.unsubscribe, c.presence
	c.mu.Unlock()

	if c.session != nil {
		c.session.Cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.feed.Stop()
	c.tracker.Wait()
	presence.Stop()

	var err error
	if c.closeLog {
		err = c.log.Close()
	}
	c.logger.Info().Msg("Client closed")
	return err
}

// Identity is the participant this client acts as.
func (c *Client) Identity() models.Identity {
	return c.identity
}

// Feed returns the live message feed.
func (c *Client) Feed() *feed.Store {
	return c.feed
}

// Pipeline returns the send pipeline.
func (c *Client) Pipeline() *send.Pipeline {
	return c.pipeline
}

// Recording returns the voice note session, or nil without a capture device.
func (c *Client) Recording() *recording.Session {
	return c.session
}

// Uploading reports whether an attachment upload is running.
func (c *Client) Uploading() bool {
	return c.uploader != nil && c.uploader.Busy()
}

// SendText commits a text message.
func (c *Client) SendText(ctx context.Context, body string) (models.Message, error) {
	return c.pipeline.ComposeText(ctx, body)
}

// Attach uploads source and commits a Media message.
func (c *Client) Attach(ctx context.Context, source upload.Source, declaredMIME, fileName string, kind upload.Kind) (models.Message, error) {
	if c.uploader == nil {
		return models.Message{}, fmt.Errorf("%w: attachments", ErrUnavailable)
	}
	return c.pipeline.ComposeMedia(ctx, source, declaredMIME, fileName, kind)
}

// StartRecording begins a voice note.
func (c *Client) StartRecording(ctx context.Context) (bool, error) {
	if c.session == nil {
		return false, fmt.Errorf("%w: recording", ErrUnavailable)
	}
	return c.session.Start(ctx)
}

// StopRecording finishes the voice note and sends it.
func (c *Client) StopRecording(ctx context.Context) (models.Message, error) {
	if c.session == nil {
		return models.Message{}, fmt.Errorf("%w: recording", ErrUnavailable)
	}
	return c.session.Stop(ctx)
}

// CancelRecording discards the current voice note.
func (c *Client) CancelRecording() {
	if c.session != nil {
		c.session.Cancel()
	}
}

// DeleteMessage removes a message from the shared log. Only the
// privileged identity may do this.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if !c.identity.Privileged() {
		return fmt.Errorf("%w: %s may not delete messages", models.ErrPermissionDenied, c.identity)
	}
	if strings.HasPrefix(messageID, models.ProvisionalIDPrefix) || strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: %q is not a committed message", models.ErrValidation, messageID)
	}
	if err := c.log.Delete(ctx, messageID); err != nil {
		return err
	}
	c.logger.Info().Str("message_id", messageID).Msg("Message deleted")
	return nil
}

// Retention returns the shared retention policy.
func (c *Client) Retention(ctx context.Context) (models.RetentionPolicy, error) {
	return c.settings.Get(ctx)
}

// SetHorizon changes the retention horizon. A running sweeper picks the
// change up and sweeps right away.
func (c *Client) SetHorizon(ctx context.Context, days int) (models.RetentionPolicy, error) {
	return c.settings.SetHorizon(ctx, c.identity, days)
}

// Sweep deletes every message older than the current horizon now.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	policy, err := c.settings.Get(ctx)
	if err != nil {
		return 0, err
	}
	return c.sweeper.Drain(ctx, policy)
}

// Presence reports whether the other participant is on the network.
func (c *Client) Presence() PresenceStatus {
	c.mu.Lock()
	presence := c.presence
	c.mu.Unlock()

	status := PresenceStatus{Peer: c.identity.Peer()}
	if presence == nil || presence.Watcher == nil {
		return status
	}
	status.Enabled = true
	status.Online = presence.Watcher.PeerOnline()
	status.Clients = presence.Watcher.Clients()
	return status
}
