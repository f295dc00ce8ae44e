package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"duet/models"
)

func TestNewSelectsBackend(t *testing.T) {
	device, err := New(Config{})
	if err != nil {
		t.Fatalf("New default failed: %v", err)
	}
	if _, ok := device.(*CommandDevice); !ok {
		t.Fatalf("expected command backend by default, got %T", device)
	}

	device, err = New(Config{Backend: "FILE", FilePath: "note.webm"})
	if err != nil {
		t.Fatalf("New file failed: %v", err)
	}
	if _, ok := device.(*FileDevice); !ok {
		t.Fatalf("expected file backend, got %T", device)
	}

	if _, err := New(Config{Backend: BackendFile}); err == nil {
		t.Fatalf("expected file backend without path to fail")
	}
	if _, err := New(Config{Backend: "tape"}); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}

func TestPlatformInput(t *testing.T) {
	cases := map[string][2]string{
		"linux":   {"pulse", "default"},
		"darwin":  {"avfoundation", ":0"},
		"windows": {"dshow", "audio=default"},
	}
	for goos, want := range cases {
		format, device := platformInput(goos)
		if format != want[0] || device != want[1] {
			t.Fatalf("%s: expected %v, got %q %q", goos, want, format, device)
		}
	}
}

func TestCommandDeviceArgs(t *testing.T) {
	device := NewCommandDevice(Config{InputFormat: "alsa", InputDevice: "hw:0"})
	args := device.Args("/tmp/out.webm")

	want := []string{"-hide_banner", "-loglevel", "error", "-f", "alsa", "-i", "hw:0", "-c:a", "libopus", "-f", "webm", "-y", "/tmp/out.webm"}
	if len(args) != len(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, args)
		}
	}
}

func TestCommandDeviceMissingRecorderIsDenied(t *testing.T) {
	device := NewCommandDevice(Config{Command: filepath.Join(t.TempDir(), "no-such-recorder")})

	err := device.RequestPermission(context.Background())
	if !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := device.Release(); err != nil {
		t.Fatalf("Release on idle device failed: %v", err)
	}
	if _, err := device.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestFileDeviceReplaysRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.m4a")
	if err := os.WriteFile(path, []byte("voice"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	device := NewFileDevice(path)
	ctx := context.Background()

	if err := device.RequestPermission(ctx); err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if err := device.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := device.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	asset, err := device.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if string(asset.Data) != "voice" || asset.MIME != "audio/mp4" {
		t.Fatalf("unexpected asset: %q %q", asset.Data, asset.MIME)
	}
	if _, err := device.Stop(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted after stop, got %v", err)
	}
}

func TestFileDeviceMissingFileIsDenied(t *testing.T) {
	device := NewFileDevice(filepath.Join(t.TempDir(), "missing.webm"))
	if err := device.RequestPermission(context.Background()); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

// writeRecorder installs a shell script standing in for ffmpeg.
func writeRecorder(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("recorder scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "recorder")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write recorder: %v", err)
	}
	return path
}

func (d *CommandDevice) currentOutput() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outPath
}

func TestCommandDeviceStopFlushesRecording(t *testing.T) {
	recorder := writeRecorder(t, `for last; do :; done
read -r _
printf opus > "$last"
`)
	device := NewCommandDevice(Config{Command: recorder, OutputDir: t.TempDir(), StopTimeout: 5 * time.Second})

	if err := device.RequestPermission(context.Background()); err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if err := device.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := device.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	asset, err := device.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if string(asset.Data) != "opus" || asset.MIME != "audio/webm" {
		t.Fatalf("unexpected asset %q %q", asset.Data, asset.MIME)
	}
	if err := device.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(asset.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected recording file removed, got %v", err)
	}
}

func TestCommandDeviceKillsRecorderAfterStopTimeout(t *testing.T) {
	recorder := writeRecorder(t, "exec sleep 30\n")
	device := NewCommandDevice(Config{Command: recorder, OutputDir: t.TempDir(), StopTimeout: 100 * time.Millisecond})

	if err := device.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	asset, err := device.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !asset.Empty() {
		t.Fatalf("expected empty asset from killed recorder, got %d bytes", len(asset.Data))
	}
	if err := device.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestCommandDeviceReleaseDuringStopReturnsBoth(t *testing.T) {
	recorder := writeRecorder(t, "exec sleep 30\n")
	device := NewCommandDevice(Config{Command: recorder, OutputDir: t.TempDir(), StopTimeout: 10 * time.Second})

	if err := device.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	outPath := device.currentOutput()

	stopped := make(chan error, 1)
	go func() {
		_, err := device.Stop(context.Background())
		stopped <- err
	}()
	time.Sleep(200 * time.Millisecond)

	released := make(chan error, 1)
	go func() {
		released <- device.Release()
	}()

	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Release did not return while Stop was waiting")
	}
	select {
	case err := <-stopped:
		if !errors.Is(err, ErrReleased) && !errors.Is(err, ErrNotStarted) {
			t.Fatalf("expected Stop to report the release, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return after Release")
	}
	if _, err := os.Stat(outPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected recording file removed, got %v", err)
	}
	if err := device.Start(context.Background()); err != nil {
		t.Fatalf("expected device reusable after release, got %v", err)
	}
	if err := device.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}
