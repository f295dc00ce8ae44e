package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"duet/capture"
	"duet/models"
	"duet/upload"
)

// DefaultTickInterval is how often the elapsed counter advances.
const DefaultTickInterval = time.Second

var (
	// ErrNoAudio is returned by Stop when the flushed recording is empty.
	ErrNoAudio = errors.New("recording: no audio captured")
	// ErrNotRecording is returned by Stop outside the Recording state.
	ErrNotRecording = errors.New("recording: not recording")
	// ErrCancelled is returned by Stop when Cancel won the race.
	ErrCancelled = errors.New("recording: cancelled")
)

// State is a recording session state.
type State string

const (
	StateIdle                 State = "idle"
	StateRequestingPermission State = "requesting_permission"
	StateRecording            State = "recording"
	StateStopping             State = "stopping"
	StateUploading            State = "uploading"
)

// EventType names a session event.
type EventType string

const (
	EventState   EventType = "state"
	EventElapsed EventType = "elapsed"
	EventFailure EventType = "failure"
)

// Event is one observable change of a session.
type Event struct {
	Type           EventType
	State          State
	ElapsedSeconds int
	Err            error
}

// VoiceSender uploads and commits voice notes.
type VoiceSender interface {
	UploadVoice(ctx context.Context, asset capture.Asset) (upload.Result, error)
	CommitVoice(ctx context.Context, result upload.Result, durationSeconds int) (models.Message, error)
}

// Options configures a Session.
type Options struct {
	Device       capture.Device
	Sender       VoiceSender
	TickInterval time.Duration
	Logger       *zerolog.Logger
}

// Session drives one capture device through a voice note:
// Idle, RequestingPermission, Recording, Stopping, Uploading, Idle.
type Session struct {
	device   capture.Device
	sender   VoiceSender
	interval time.Duration
	log      zerolog.Logger
	tickerFn func(time.Duration) (<-chan time.Time, func())

	mu         sync.Mutex
	state      State
	elapsed    int
	generation uint64
	stopTicker context.CancelFunc
	// holding is set while the session owes the device a Release. Whoever
	// clears it under mu makes that call.
	holding bool

	events chan Event
}

// New validates options and builds an idle Session.
func New(options Options) (*Session, error) {
	if options.Device == nil {
		return nil, errors.New("capture device is required")
	}
	if options.Sender == nil {
		return nil, errors.New("voice sender is required")
	}
	if options.TickInterval <= 0 {
		options.TickInterval = DefaultTickInterval
	}
	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}

	return &Session{
		device:   options.Device,
		sender:   options.Sender,
		interval: options.TickInterval,
		log:      logger.With().Str("component", "recording").Logger(),
		tickerFn: newTicker,
		state:    StateIdle,
		events:   make(chan Event, 32),
	}, nil
}

// Events returns the session's event stream. Events are dropped when the
// reader falls behind.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed returns the elapsed seconds of the current recording.
func (s *Session) Elapsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Start begins a recording. It reports false without error when the
// session is not idle. A permission refusal leaves the session idle.
func (s *Session) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return false, nil
	}
	s.generation++
	gen := s.generation
	s.elapsed = 0
	s.holding = true
	s.setStateLocked(StateRequestingPermission)
	s.mu.Unlock()

	if err := s.device.RequestPermission(ctx); err != nil {
		if !errors.Is(err, models.ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", models.ErrPermissionDenied, err)
		}
		s.mu.Lock()
		if gen == s.generation {
			s.holding = false
		}
		s.mu.Unlock()
		s.fail(gen, err)
		return false, err
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false, ErrCancelled
	}
	s.mu.Unlock()

	if err := s.device.Start(ctx); err != nil {
		s.releaseIfHeld(gen)
		s.fail(gen, err)
		return false, fmt.Errorf("start capture: %w", err)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		_ = s.device.Release()
		return false, ErrCancelled
	}
	tickCtx, stop := context.WithCancel(context.Background())
	s.stopTicker = stop
	s.setStateLocked(StateRecording)
	s.mu.Unlock()

	go s.tick(tickCtx, gen)
	s.log.Debug().Msg("Recording started")
	return true, nil
}

// Stop flushes the recording, uploads it and commits a voice note. The
// device is released whatever happens. When Cancel runs during the upload
// the upload still completes but nothing is committed.
func (s *Session) Stop(ctx context.Context) (models.Message, error) {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return models.Message{}, ErrNotRecording
	}
	gen := s.generation
	s.stopTickerLocked()
	s.setStateLocked(StateStopping)
	s.mu.Unlock()

	asset, stopErr := s.device.Stop(ctx)
	if !s.releaseIfHeld(gen) {
		return models.Message{}, ErrCancelled
	}
	if stopErr != nil {
		err := fmt.Errorf("flush recording: %w", stopErr)
		s.fail(gen, err)
		return models.Message{}, err
	}
	if asset.Empty() {
		s.fail(gen, ErrNoAudio)
		return models.Message{}, ErrNoAudio
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return models.Message{}, ErrCancelled
	}
	duration := s.elapsed
	s.setStateLocked(StateUploading)
	s.mu.Unlock()

	result, err := s.sender.UploadVoice(ctx, asset)
	if err != nil {
		if !errors.Is(err, upload.ErrUploadFailure) {
			err = fmt.Errorf("%w: %w", upload.ErrUploadFailure, err)
		}
		s.fail(gen, err)
		return models.Message{}, err
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.log.Debug().Str("url", result.URL).Msg("Dropping voice upload finished after cancel")
		return models.Message{}, ErrCancelled
	}
	s.mu.Unlock()

	message, err := s.sender.CommitVoice(ctx, result, duration)
	if err != nil {
		s.fail(gen, err)
		return models.Message{}, err
	}

	s.mu.Lock()
	if gen == s.generation {
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()
	s.log.Debug().Str("message_id", message.ID).Int("duration_seconds", duration).Msg("Voice note sent")
	return message, nil
}

// Cancel abandons the session from any state. The device is released and
// captured audio is discarded; an upload in flight is left to finish but
// its result is dropped.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	previous := s.state
	s.generation++
	s.stopTickerLocked()
	s.elapsed = 0
	held := s.holding
	s.holding = false
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	if held {
		s.release()
	}
	s.log.Debug().Str("from", string(previous)).Msg("Recording cancelled")
}

func (s *Session) tick(ctx context.Context, gen uint64) {
	ticks, stop := s.tickerFn(s.interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			s.mu.Lock()
			if gen != s.generation || s.state != StateRecording {
				s.mu.Unlock()
				return
			}
			s.elapsed++
			elapsed := s.elapsed
			s.mu.Unlock()
			s.emit(Event{Type: EventElapsed, State: StateRecording, ElapsedSeconds: elapsed})
		}
	}
}

func newTicker(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// releaseIfHeld releases the device when the session on generation gen
// still owes the release. It reports false once Cancel has taken over gen.
func (s *Session) releaseIfHeld(gen uint64) bool {
	s.mu.Lock()
	current := gen == s.generation
	held := current && s.holding
	if held {
		s.holding = false
	}
	s.mu.Unlock()

	if held {
		s.release()
	}
	return current
}

func (s *Session) release() {
	if err := s.device.Release(); err != nil {
		s.log.Warn().Err(err).Msg("Capture release failed")
	}
}

// fail returns a session still on generation gen to Idle and reports err.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.stopTickerLocked()
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	s.log.Warn().Err(err).Msg("Recording failed")
	s.emit(Event{Type: EventFailure, State: StateIdle, Err: err})
}

func (s *Session) stopTickerLocked() {
	if s.stopTicker != nil {
		s.stopTicker()
		s.stopTicker = nil
	}
}

func (s *Session) setStateLocked(state State) {
	s.state = state
	s.emit(Event{Type: EventState, State: state, ElapsedSeconds: s.elapsed})
}

func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}
