package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"duet/models"
)

// FileDevice replays a prerecorded file as if it had just been captured.
type FileDevice struct {
	path string

	mu      sync.Mutex
	started bool
}

// NewFileDevice builds a file backend.
func NewFileDevice(path string) *FileDevice {
	return &FileDevice{path: path}
}

// RequestPermission implements Device. An unreadable file counts as a refusal.
func (d *FileDevice) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("%w: recording source %q: %v", models.ErrPermissionDenied, d.path, err)
	}
	return file.Close()
}

// Start implements Device.
func (d *FileDevice) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrAlreadyStarted
	}
	d.started = true
	return nil
}

// Stop implements Device.
func (d *FileDevice) Stop(context.Context) (Asset, error) {
	d.mu.Lock()
	started := d.started
	d.started = false
	d.mu.Unlock()
	if !started {
		return Asset{}, ErrNotStarted
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Asset{}, nil
		}
		return Asset{}, fmt.Errorf("read recording source: %w", err)
	}
	return Asset{Data: data, Path: d.path, MIME: audioMIME(d.path)}, nil
}

// Release implements Device.
func (d *FileDevice) Release() error {
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	return nil
}

func audioMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m4a":
		return "audio/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	default:
		return "audio/webm"
	}
}
