package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"duet/capture"
	"duet/models"
	"duet/upload"
)

type fakeDevice struct {
	mu         sync.Mutex
	denied     bool
	asset      capture.Asset
	started    int
	stopped    int
	released   int
	permission int
}

func (d *fakeDevice) RequestPermission(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permission++
	if d.denied {
		return fmt.Errorf("%w: microphone", models.ErrPermissionDenied)
	}
	return nil
}

func (d *fakeDevice) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started++
	return nil
}

func (d *fakeDevice) Stop(context.Context) (capture.Asset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return d.asset, nil
}

func (d *fakeDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released++
	return nil
}

func (d *fakeDevice) releaseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

type fakeSender struct {
	mu        sync.Mutex
	uploadErr error
	entered   chan struct{}
	release   chan struct{}
	uploads   int
	committed []models.Message
}

func (s *fakeSender) UploadVoice(_ context.Context, asset capture.Asset) (upload.Result, error) {
	s.mu.Lock()
	s.uploads++
	s.mu.Unlock()
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if s.uploadErr != nil {
		return upload.Result{}, s.uploadErr
	}
	return upload.Result{URL: "https://cdn.example/voice.webm", SizeBytes: int64(len(asset.Data))}, nil
}

func (s *fakeSender) CommitVoice(_ context.Context, result upload.Result, durationSeconds int) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := models.Message{
		ID:     fmt.Sprintf("voice-%d", len(s.committed)+1),
		Sender: models.IdentityUser,
		Kind:   models.Voice{URL: result.URL, DurationSeconds: durationSeconds},
		Status: models.StatusSent,
	}
	s.committed = append(s.committed, message)
	return message, nil
}

func (s *fakeSender) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

// manualTicker lets a test advance the elapsed counter one tick at a time.
type manualTicker struct {
	ch chan time.Time
}

func newTestSession(t *testing.T, device capture.Device, sender VoiceSender) (*Session, *manualTicker) {
	t.Helper()
	session, err := New(Options{Device: device, Sender: sender})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ticker := &manualTicker{ch: make(chan time.Time)}
	session.tickerFn = func(time.Duration) (<-chan time.Time, func()) {
		return ticker.ch, func() {}
	}
	t.Cleanup(session.Cancel)
	return session, ticker
}

func (m *manualTicker) advance(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case m.ch <- time.Now():
		case <-time.After(2 * time.Second):
			t.Fatalf("ticker not consumed")
		}
	}
}

func waitForElapsed(t *testing.T, session *Session, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if session.Elapsed() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for elapsed %d, got %d", want, session.Elapsed())
}

func TestRecordingProducesVoiceNoteWithDuration(t *testing.T) {
	device := &fakeDevice{asset: capture.Asset{Data: []byte("opus"), MIME: "audio/webm"}}
	sender := &fakeSender{}
	session, ticker := newTestSession(t, device, sender)

	started, err := session.Start(context.Background())
	if err != nil || !started {
		t.Fatalf("Start: started=%v err=%v", started, err)
	}
	if session.State() != StateRecording {
		t.Fatalf("expected recording state, got %q", session.State())
	}

	ticker.advance(t, 3)
	waitForElapsed(t, session, 3)

	message, err := session.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	voice, ok := message.Kind.(models.Voice)
	if !ok || voice.DurationSeconds != 3 {
		t.Fatalf("expected 3 second voice note, got %#v", message.Kind)
	}
	if session.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %q", session.State())
	}
	if device.releaseCount() != 1 {
		t.Fatalf("expected device released once, got %d", device.releaseCount())
	}
}

func TestStartIsNoOpUnlessIdle(t *testing.T) {
	device := &fakeDevice{asset: capture.Asset{Data: []byte("x")}}
	session, _ := newTestSession(t, device, &fakeSender{})

	if started, err := session.Start(context.Background()); err != nil || !started {
		t.Fatalf("first Start: started=%v err=%v", started, err)
	}
	started, err := session.Start(context.Background())
	if err != nil || started {
		t.Fatalf("expected second Start to be a no-op, got started=%v err=%v", started, err)
	}
	if device.permission != 1 {
		t.Fatalf("expected one permission request, got %d", device.permission)
	}
}

func TestPermissionDeniedReturnsToIdle(t *testing.T) {
	device := &fakeDevice{denied: true}
	session, _ := newTestSession(t, device, &fakeSender{})

	started, err := session.Start(context.Background())
	if started || !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got started=%v err=%v", started, err)
	}
	if session.State() != StateIdle {
		t.Fatalf("expected idle, got %q", session.State())
	}
	if device.started != 0 {
		t.Fatalf("expected device never started")
	}
}

func TestStopWithEmptyAssetReportsNoAudio(t *testing.T) {
	device := &fakeDevice{}
	sender := &fakeSender{}
	session, _ := newTestSession(t, device, sender)

	if _, err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := session.Stop(context.Background()); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
	if session.State() != StateIdle || device.releaseCount() != 1 {
		t.Fatalf("expected idle with device released, got %q / %d", session.State(), device.releaseCount())
	}
	if sender.uploads != 0 {
		t.Fatalf("expected no upload for empty recording")
	}
}

func TestUploadFailureAfterStopCommitsNothing(t *testing.T) {
	device := &fakeDevice{asset: capture.Asset{Data: []byte("opus")}}
	sender := &fakeSender{uploadErr: fmt.Errorf("%w: %w", upload.ErrUploadFailure, models.ErrNetwork)}
	session, _ := newTestSession(t, device, sender)

	if _, err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, err := session.Stop(context.Background())
	if !errors.Is(err, upload.ErrUploadFailure) {
		t.Fatalf("expected upload failure, got %v", err)
	}
	if session.State() != StateIdle {
		t.Fatalf("expected idle, got %q", session.State())
	}
	if sender.commitCount() != 0 {
		t.Fatalf("expected no voice message committed")
	}

	var sawFailure bool
	for len(session.Events()) > 0 {
		event := <-session.Events()
		if event.Type == EventFailure && errors.Is(event.Err, upload.ErrUploadFailure) {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("expected failure event")
	}
}

func TestCancelWhileRecordingReleasesDevice(t *testing.T) {
	device := &fakeDevice{asset: capture.Asset{Data: []byte("opus")}}
	session, ticker := newTestSession(t, device, &fakeSender{})

	if _, err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ticker.advance(t, 1)
	waitForElapsed(t, session, 1)

	session.Cancel()
	if session.State() != StateIdle || session.Elapsed() != 0 {
		t.Fatalf("expected idle reset session, got %q / %d", session.State(), session.Elapsed())
	}
	if device.releaseCount() != 1 {
		t.Fatalf("expected device released, got %d", device.releaseCount())
	}
	if _, err := session.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording after cancel, got %v", err)
	}
}

func TestCancelDuringUploadDropsResult(t *testing.T) {
	device := &fakeDevice{asset: capture.Asset{Data: []byte("opus")}}
	sender := &fakeSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	session, _ := newTestSession(t, device, sender)

	if _, err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := session.Stop(context.Background())
		done <- err
	}()
	<-sender.entered
	if session.State() != StateUploading {
		t.Fatalf("expected uploading, got %q", session.State())
	}

	session.Cancel()
	close(sender.release)
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if sender.commitCount() != 0 {
		t.Fatalf("expected cancelled upload to commit nothing")
	}
	if session.State() != StateIdle {
		t.Fatalf("expected idle, got %q", session.State())
	}

	if started, err := session.Start(context.Background()); err != nil || !started {
		t.Fatalf("expected new recording after cancel, got started=%v err=%v", started, err)
	}
}

// flushingDevice blocks in Stop until Release, like a recorder that never
// finishes flushing on its own.
type flushingDevice struct {
	fakeDevice
	stopping chan struct{}
	released chan struct{}
	once     sync.Once
}

func newFlushingDevice() *flushingDevice {
	return &flushingDevice{stopping: make(chan struct{}, 1), released: make(chan struct{})}
}

func (d *flushingDevice) Stop(context.Context) (capture.Asset, error) {
	d.stopping <- struct{}{}
	<-d.released
	return capture.Asset{}, capture.ErrReleased
}

func (d *flushingDevice) Release() error {
	err := d.fakeDevice.Release()
	d.once.Do(func() { close(d.released) })
	return err
}

func TestCancelWhileStoppingReleasesDeviceOnce(t *testing.T) {
	device := newFlushingDevice()
	sender := &fakeSender{}
	session, _ := newTestSession(t, device, sender)

	if _, err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := session.Stop(context.Background())
		done <- err
	}()
	<-device.stopping
	if session.State() != StateStopping {
		t.Fatalf("expected stopping, got %q", session.State())
	}

	cancelled := make(chan struct{})
	go func() {
		session.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("Cancel did not return")
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after Cancel")
	}

	if device.releaseCount() != 1 {
		t.Fatalf("expected device released exactly once, got %d", device.releaseCount())
	}
	if session.State() != StateIdle || sender.uploads != 0 {
		t.Fatalf("expected idle with no upload, got %q / %d", session.State(), sender.uploads)
	}
}

// gatedDevice holds RequestPermission until the test grants it.
type gatedDevice struct {
	fakeDevice
	asking chan struct{}
	grant  chan struct{}
}

func (d *gatedDevice) RequestPermission(ctx context.Context) error {
	d.asking <- struct{}{}
	<-d.grant
	return d.fakeDevice.RequestPermission(ctx)
}

func TestCancelWhileRequestingPermission(t *testing.T) {
	device := &gatedDevice{asking: make(chan struct{}, 1), grant: make(chan struct{})}
	session, _ := newTestSession(t, device, &fakeSender{})

	type startResult struct {
		started bool
		err     error
	}
	done := make(chan startResult, 1)
	go func() {
		started, err := session.Start(context.Background())
		done <- startResult{started, err}
	}()
	<-device.asking
	if session.State() != StateRequestingPermission {
		t.Fatalf("expected requesting permission, got %q", session.State())
	}

	session.Cancel()
	if session.State() != StateIdle || device.releaseCount() != 1 {
		t.Fatalf("expected idle with device released, got %q / %d", session.State(), device.releaseCount())
	}

	close(device.grant)
	result := <-done
	if result.started || !errors.Is(result.err, ErrCancelled) {
		t.Fatalf("expected cancelled start, got started=%v err=%v", result.started, result.err)
	}
	device.mu.Lock()
	started := device.started
	device.mu.Unlock()
	if started != 0 || device.releaseCount() != 1 {
		t.Fatalf("expected device never started and released once, got started=%d released=%d", started, device.releaseCount())
	}
}
