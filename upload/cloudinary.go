package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"duet/models"
)

// DefaultCloudinaryEndpoint is the public upload API base URL.
const DefaultCloudinaryEndpoint = "https://api.cloudinary.com"

// maxResponseBytes caps how much of a media host response is read.
const maxResponseBytes = 1 << 20

// CloudinaryOptions configures an unsigned-preset Cloudinary host.
type CloudinaryOptions struct {
	CloudName    string
	UploadPreset string
	Endpoint     string
	HTTPClient   *http.Client
}

// CloudinaryHost uploads assets with an unsigned upload preset.
type CloudinaryHost struct {
	options CloudinaryOptions
}

type cloudinaryResponse struct {
	SecureURL string `json:"secure_url"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewCloudinaryHost validates options and builds a host.
func NewCloudinaryHost(options CloudinaryOptions) (*CloudinaryHost, error) {
	if strings.TrimSpace(options.CloudName) == "" {
		return nil, errors.New("cloudinary cloud name is required")
	}
	if strings.TrimSpace(options.UploadPreset) == "" {
		return nil, errors.New("cloudinary upload preset is required")
	}
	if options.Endpoint == "" {
		options.Endpoint = DefaultCloudinaryEndpoint
	}
	options.Endpoint = strings.TrimRight(options.Endpoint, "/")
	if options.HTTPClient == nil {
		options.HTTPClient = http.DefaultClient
	}
	return &CloudinaryHost{options: options}, nil
}

// ResourceType maps an upload kind to the Cloudinary resource type. Voice
// notes are stored as video so audio transcoding is available.
func ResourceType(kind Kind) string {
	switch kind {
	case KindImage:
		return "image"
	case KindVoice:
		return "video"
	default:
		return "auto"
	}
}

// UploadURL returns the endpoint for one resource type.
func (h *CloudinaryHost) UploadURL(kind Kind) string {
	return fmt.Sprintf("%s/v1_1/%s/%s/upload", h.options.Endpoint, h.options.CloudName, ResourceType(kind))
}

// Upload implements Host.
func (h *CloudinaryHost) Upload(ctx context.Context, asset Asset) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("file", asset.DataURI); err != nil {
		return "", fmt.Errorf("encode upload form: %w", err)
	}
	if err := writer.WriteField("upload_preset", h.options.UploadPreset); err != nil {
		return "", fmt.Errorf("encode upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("encode upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.UploadURL(asset.Kind), &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := h.options.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: post asset: %w", models.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read upload response: %w", models.ErrNetwork, err)
	}

	var decoded cloudinaryResponse
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := http.StatusText(resp.StatusCode)
		if decodeErr == nil && decoded.Error != nil && decoded.Error.Message != "" {
			message = decoded.Error.Message
		}
		sentinel := models.ErrRemoteRejection
		if resp.StatusCode >= 500 {
			sentinel = models.ErrNetwork
		}
		return "", fmt.Errorf("%w: media host status %d: %s", sentinel, resp.StatusCode, message)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: decode upload response: %v", models.ErrRemoteRejection, decodeErr)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", fmt.Errorf("%w: %s", models.ErrRemoteRejection, decoded.Error.Message)
	}

	return decoded.SecureURL, nil
}
