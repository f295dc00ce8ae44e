package models

import (
	"fmt"
	"net/url"
)

// Media is an uploaded image or file attachment.
type Media struct {
	URL       string
	MIME      string
	SizeBytes int64
	FileName  string
}

// Tag implements Kind.
func (Media) Tag() KindTag { return KindMedia }

// Validate implements Kind.
func (m Media) Validate() error {
	if err := validateRemoteURL(m.URL); err != nil {
		return err
	}
	if m.SizeBytes < 0 {
		return fmt.Errorf("%w: negative attachment size", ErrValidation)
	}
	return nil
}

// Voice is an uploaded voice note.
type Voice struct {
	URL             string
	DurationSeconds int
}

// Tag implements Kind.
func (Voice) Tag() KindTag { return KindVoice }

// Validate implements Kind.
func (v Voice) Validate() error {
	if err := validateRemoteURL(v.URL); err != nil {
		return err
	}
	if v.DurationSeconds < 0 {
		return fmt.Errorf("%w: negative voice duration", ErrValidation)
	}
	return nil
}

func validateRemoteURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: attachment url is required", ErrValidation)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: attachment url %q is not absolute", ErrValidation, raw)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("%w: attachment url %q is not https", ErrValidation, raw)
	}
	return nil
}
