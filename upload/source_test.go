package upload

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"duet/models"
)

func TestParseSourcePicksDataURIOrFile(t *testing.T) {
	source, err := ParseSource("data:image/png;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("ParseSource data uri: %v", err)
	}
	if _, ok := source.(DataURI); !ok {
		t.Fatalf("expected DataURI, got %T", source)
	}

	source, err = ParseSource("file:///tmp/a.png")
	if err != nil {
		t.Fatalf("ParseSource file uri: %v", err)
	}
	if _, ok := source.(File); !ok {
		t.Fatalf("expected File, got %T", source)
	}

	if _, err := ParseSource("  "); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for blank source, got %v", err)
	}
}

func TestDataURILoadDecodesPayload(t *testing.T) {
	payload, err := DataURI{URI: "data:audio/webm;base64,aGVsbG8="}.Load(DefaultMaxBytes)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(payload.Data) != "hello" || payload.MIME != "audio/webm" {
		t.Fatalf("unexpected payload: %q %q", payload.Data, payload.MIME)
	}

	payload, err = DataURI{URI: "data:,a%20b"}.Load(DefaultMaxBytes)
	if err != nil {
		t.Fatalf("Load plain failed: %v", err)
	}
	if string(payload.Data) != "a b" || payload.MIME != "" {
		t.Fatalf("unexpected plain payload: %q %q", payload.Data, payload.MIME)
	}

	if _, err := (DataURI{URI: "data:image/png;base64"}).Load(DefaultMaxBytes); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for missing payload, got %v", err)
	}
	if _, err := (DataURI{URI: "data:;base64,aGVsbG8="}).Load(2); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected size rejection, got %v", err)
	}
}

func TestFileLoadAcceptsPathAndURI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.m4a")
	if err := os.WriteFile(path, []byte("audio"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	for _, ref := range []string{path, "file://" + filepath.ToSlash(path)} {
		payload, err := File{Path: ref}.Load(DefaultMaxBytes)
		if err != nil {
			t.Fatalf("Load %q failed: %v", ref, err)
		}
		if string(payload.Data) != "audio" || payload.Name != "note.m4a" {
			t.Fatalf("unexpected payload for %q: %#v", ref, payload)
		}
	}

	if _, err := (File{Path: "file://remote.example/x"}).Load(DefaultMaxBytes); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected remote file uri to be rejected, got %v", err)
	}
	if _, err := (File{Path: dir}).Load(DefaultMaxBytes); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected directory to be rejected, got %v", err)
	}
}

func TestResolveMIMEPrecedence(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	cases := []struct {
		name     string
		declared string
		payload  Payload
		fileName string
		sniff    bool
		want     string
	}{
		{"declared wins", "audio/webm", Payload{MIME: "image/png"}, "a.png", false, "audio/webm"},
		{"embedded", "", Payload{MIME: "image/png; charset=binary"}, "a.jpg", false, "image/png"},
		{"extension", "", Payload{}, "clip.M4A", false, "audio/mp4"},
		{"payload name", "", Payload{Name: "rec.webm"}, "", false, "audio/webm"},
		{"sniff off", "", Payload{Data: png}, "", false, DefaultMIME},
		{"sniff on", "", Payload{Data: png}, "", true, "image/png"},
		{"unknown", "", Payload{Data: []byte{0}}, "blob", false, DefaultMIME},
	}
	for _, tc := range cases {
		if got := ResolveMIME(tc.declared, tc.payload, tc.fileName, tc.sniff); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
