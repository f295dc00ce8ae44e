package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// BackendCommand records through an external recorder process.
	BackendCommand = "command"
	// BackendFile replays a prerecorded file.
	BackendFile = "file"

	// DefaultCommand is the recorder binary used by the command backend.
	DefaultCommand = "ffmpeg"
	// DefaultStopTimeout is how long the recorder may take to flush.
	DefaultStopTimeout = 5 * time.Second
)

var (
	// ErrNotStarted is returned by Stop without a matching Start.
	ErrNotStarted = errors.New("capture: device not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("capture: device already started")
	// ErrReleased is returned by a Stop that lost its recording to a
	// concurrent Release.
	ErrReleased = errors.New("capture: device released")
)

// Asset is a flushed recording.
type Asset struct {
	Data []byte
	Path string
	MIME string
}

// Empty reports whether the recording holds no audio.
func (a Asset) Empty() bool {
	return len(a.Data) == 0
}

// Device is the microphone capability a recording session drives.
type Device interface {
	// RequestPermission asks for microphone access. A refusal wraps
	// models.ErrPermissionDenied.
	RequestPermission(ctx context.Context) error
	Start(ctx context.Context) error
	// Stop ends capture and flushes the recording.
	Stop(ctx context.Context) (Asset, error)
	// Release frees the device. It is safe to call at any time.
	Release() error
}

// Config selects and tunes a capture backend.
type Config struct {
	Backend string

	// Command backend.
	Command     string
	InputFormat string
	InputDevice string
	OutputDir   string
	StopTimeout time.Duration

	// File backend.
	FilePath string

	Logger *zerolog.Logger
}

// New builds the configured backend. An empty backend means command.
func New(cfg Config) (Device, error) {
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendCommand:
		return NewCommandDevice(cfg), nil
	case BackendFile:
		if cfg.FilePath == "" {
			return nil, errors.New("capture file path is required for the file backend")
		}
		return NewFileDevice(cfg.FilePath), nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}
