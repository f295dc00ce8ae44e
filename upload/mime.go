package upload

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMIME is used when nothing else identifies the payload.
const DefaultMIME = "image/jpeg"

var extensionMIME = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webm": "audio/webm",
	".m4a":  "audio/mp4",
}

// ResolveMIME picks the content type of an attachment: the declared type,
// then the type embedded in the source, then the file extension, then
// (when sniff is set) the payload bytes, then DefaultMIME.
func ResolveMIME(declared string, payload Payload, fileName string, sniff bool) string {
	if mediaType := normalizeMIME(declared); mediaType != "" {
		return mediaType
	}
	if mediaType := normalizeMIME(payload.MIME); mediaType != "" {
		return mediaType
	}
	for _, name := range []string{fileName, payload.Name} {
		if mediaType, ok := extensionMIME[strings.ToLower(filepath.Ext(name))]; ok {
			return mediaType
		}
	}
	if sniff && len(payload.Data) > 0 {
		detected := mimetype.Detect(payload.Data)
		if !detected.Is("application/octet-stream") {
			if mediaType := normalizeMIME(detected.String()); mediaType != "" {
				return mediaType
			}
		}
	}
	return DefaultMIME
}

func normalizeMIME(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil || !strings.Contains(mediaType, "/") {
		return ""
	}
	return mediaType
}
