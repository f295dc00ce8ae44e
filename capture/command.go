package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"duet/models"
)

// CommandDevice records with an external ffmpeg-compatible process. The
// process is stopped by writing "q" to its stdin.
type CommandDevice struct {
	command     string
	inputFormat string
	inputDevice string
	outputDir   string
	stopTimeout time.Duration
	log         zerolog.Logger

	mu sync.Mutex
	// proc is the running recorder. outPath outlives it until Release so
	// the file can be removed.
	proc    *recorderProcess
	outPath string
}

// recorderProcess is one recorder run. exited is closed once the process
// has been reaped and err holds the result of Wait.
type recorderProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
	err    error
}

func (p *recorderProcess) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
}

// NewCommandDevice builds a command backend, filling platform defaults.
func NewCommandDevice(cfg Config) *CommandDevice {
	defaultFormat, defaultDevice := platformInput(runtime.GOOS)
	device := &CommandDevice{
		command:     cfg.Command,
		inputFormat: cfg.InputFormat,
		inputDevice: cfg.InputDevice,
		outputDir:   cfg.OutputDir,
		stopTimeout: cfg.StopTimeout,
	}
	if device.command == "" {
		device.command = DefaultCommand
	}
	if device.inputFormat == "" {
		device.inputFormat = defaultFormat
	}
	if device.inputDevice == "" {
		device.inputDevice = defaultDevice
	}
	if device.stopTimeout <= 0 {
		device.stopTimeout = DefaultStopTimeout
	}
	if cfg.Logger != nil {
		device.log = cfg.Logger.With().Str("component", "capture").Logger()
	} else {
		device.log = zerolog.Nop()
	}
	return device
}

// platformInput returns the ffmpeg input format and device for goos.
func platformInput(goos string) (string, string) {
	switch goos {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

// Args returns the recorder arguments for an output path.
func (d *CommandDevice) Args(outPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", d.inputFormat,
		"-i", d.inputDevice,
		"-c:a", "libopus",
		"-f", "webm",
		"-y", outPath,
	}
}

// RequestPermission implements Device. A missing recorder binary counts
// as a refusal.
func (d *CommandDevice) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(d.command); err != nil {
		return fmt.Errorf("%w: recorder %q unavailable: %v", models.ErrPermissionDenied, d.command, err)
	}
	return nil
}

// Start implements Device.
func (d *CommandDevice) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc != nil {
		return ErrAlreadyStarted
	}
	if d.outPath != "" {
		d.removeOutput(d.outPath)
		d.outPath = ""
	}

	out, err := os.CreateTemp(d.outputDir, "voice-*.webm")
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()

	cmd := exec.Command(d.command, d.Args(outPath)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("open recorder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("%w: start recorder: %v", models.ErrPermissionDenied, err)
	}

	proc := &recorderProcess{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		close(proc.exited)
	}()

	d.proc = proc
	d.outPath = outPath
	d.log.Debug().Str("path", outPath).Str("format", d.inputFormat).Msg("Recorder started")
	return nil
}

// Stop implements Device. A Release while Stop waits for the recorder
// wins: the process is killed and Stop returns ErrReleased.
func (d *CommandDevice) Stop(ctx context.Context) (Asset, error) {
	d.mu.Lock()
	proc, outPath := d.proc, d.outPath
	d.mu.Unlock()
	if proc == nil {
		return Asset{}, ErrNotStarted
	}

	_, _ = io.WriteString(proc.stdin, "q")
	_ = proc.stdin.Close()

	timer := time.NewTimer(d.stopTimeout)
	defer timer.Stop()
	select {
	case <-proc.exited:
		var exitErr *exec.ExitError
		if proc.err != nil && !errors.As(proc.err, &exitErr) {
			d.log.Warn().Err(proc.err).Msg("Recorder exited with error")
		}
	case <-timer.C:
		d.log.Warn().Dur("timeout", d.stopTimeout).Msg("Recorder did not stop in time, killing it")
		proc.kill()
	case <-ctx.Done():
		proc.kill()
		d.finish(proc)
		return Asset{}, ctx.Err()
	}
	if !d.finish(proc) {
		return Asset{}, ErrReleased
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return Asset{}, fmt.Errorf("read recording: %w", err)
	}
	return Asset{Data: data, Path: outPath, MIME: "audio/webm"}, nil
}

// Release implements Device. It kills a running recorder and removes any
// recording file. It is safe to call while Stop is waiting.
func (d *CommandDevice) Release() error {
	d.mu.Lock()
	proc, outPath := d.proc, d.outPath
	d.proc, d.outPath = nil, ""
	d.mu.Unlock()

	if proc != nil {
		proc.kill()
	}
	if outPath != "" {
		if err := os.Remove(outPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove recording file: %w", err)
		}
	}
	return nil
}

// finish forgets proc if it is still the current run. The output path is
// kept so Release can delete the file. It reports false when Release
// already took the run.
func (d *CommandDevice) finish(proc *recorderProcess) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc != proc {
		return false
	}
	d.proc = nil
	return true
}

func (d *CommandDevice) removeOutput(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log.Warn().Err(err).Str("path", path).Msg("Failed to remove stale recording")
	}
}
