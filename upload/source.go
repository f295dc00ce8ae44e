package upload

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"duet/models"
)

// Payload is a loaded attachment ready to be encoded.
type Payload struct {
	Data []byte
	// MIME is the type carried by the source itself, if any.
	MIME string
	Name string
}

// Source is anything an attachment can be read from.
type Source interface {
	// Load reads the payload. It fails with ErrTooLarge once more than
	// limit bytes would be read.
	Load(limit int64) (Payload, error)
}

// Bytes is an in-memory attachment.
type Bytes struct {
	Data []byte
	Name string
}

// Load implements Source.
func (b Bytes) Load(limit int64) (Payload, error) {
	if int64(len(b.Data)) > limit {
		return Payload{}, tooLarge(int64(len(b.Data)), limit)
	}
	return Payload{Data: b.Data, Name: b.Name}, nil
}

// File is an attachment on the local filesystem. Path may be a plain path
// or a file:// URI.
type File struct {
	Path string
}

// Load implements Source.
func (f File) Load(limit int64) (Payload, error) {
	path, err := localPath(f.Path)
	if err != nil {
		return Payload{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		return Payload{}, fmt.Errorf("open attachment %q: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Payload{}, fmt.Errorf("stat attachment %q: %w", path, err)
	}
	if info.IsDir() {
		return Payload{}, fmt.Errorf("%w: attachment %q is a directory", models.ErrValidation, path)
	}
	if info.Size() > limit {
		return Payload{}, tooLarge(info.Size(), limit)
	}

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return Payload{}, fmt.Errorf("read attachment %q: %w", path, err)
	}
	if int64(len(data)) > limit {
		return Payload{}, tooLarge(int64(len(data)), limit)
	}

	return Payload{Data: data, Name: filepath.Base(path)}, nil
}

// DataURI is an attachment already encoded as a data: URI.
type DataURI struct {
	URI string
}

// Load implements Source.
func (d DataURI) Load(limit int64) (Payload, error) {
	mediaType, data, err := decodeDataURI(d.URI, limit)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: data, MIME: mediaType}, nil
}

// ParseSource picks a Source for a raw reference: data: URIs decode in
// place, anything else is treated as a local path or file:// URI.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: attachment source is empty", models.ErrValidation)
	}
	if strings.HasPrefix(strings.ToLower(raw), "data:") {
		return DataURI{URI: raw}, nil
	}
	return File{Path: raw}, nil
}

func localPath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: attachment path is empty", models.ErrValidation)
	}
	if !strings.HasPrefix(strings.ToLower(raw), "file://") {
		return raw, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid file uri %q: %v", models.ErrValidation, raw, err)
	}
	if parsed.Host != "" && parsed.Host != "localhost" {
		return "", fmt.Errorf("%w: file uri %q points at a remote host", models.ErrValidation, raw)
	}
	return filepath.FromSlash(parsed.Path), nil
}

// encodeDataURI renders data as a base64 data: URI.
func encodeDataURI(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func decodeDataURI(raw string, limit int64) (string, []byte, error) {
	if !strings.HasPrefix(strings.ToLower(raw), "data:") {
		return "", nil, fmt.Errorf("%w: not a data uri", models.ErrValidation)
	}
	header, body, ok := strings.Cut(raw[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: data uri has no payload", models.ErrValidation)
	}

	isBase64 := false
	params := strings.Split(header, ";")
	mediaType := strings.TrimSpace(params[0])
	for _, param := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(param), "base64") {
			isBase64 = true
		}
	}

	var data []byte
	if isBase64 {
		if int64(base64.StdEncoding.DecodedLen(len(body))) > limit+2 {
			return "", nil, tooLarge(int64(base64.StdEncoding.DecodedLen(len(body))), limit)
		}
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return "", nil, fmt.Errorf("%w: decode data uri: %v", models.ErrValidation, err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(body)
		if err != nil {
			return "", nil, fmt.Errorf("%w: decode data uri: %v", models.ErrValidation, err)
		}
		data = []byte(unescaped)
	}
	if int64(len(data)) > limit {
		return "", nil, tooLarge(int64(len(data)), limit)
	}

	return mediaType, data, nil
}

func tooLarge(size, limit int64) error {
	return fmt.Errorf("%w: %d bytes, limit is %d", ErrTooLarge, size, limit)
}
