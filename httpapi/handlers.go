package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"duet/client"
	"duet/models"
	"duet/upload"
)

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, toFeedDTO(s.engine.Feed().Current()))
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	message, err := s.engine.SendText(r.Context(), payload.Text)
	if err != nil {
		respondErr(w, s.log, err)
		return
	}
	RespondJSON(w, http.StatusCreated, toMessageDTO(message))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if err := s.engine.DeleteMessage(r.Context(), messageID); err != nil {
		respondErr(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAttach accepts a multipart upload in the "file" field or a data
// URI in the "source" field.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(s.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RespondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("attachment exceeds %d bytes", s.maxBytes))
			return
		}
		RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	kind, err := parseAttachmentKind(r.FormValue("kind"))
	if err != nil {
		respondErr(w, s.log, err)
		return
	}
	declaredMIME := r.FormValue("mime")
	fileName := r.FormValue("file_name")

	source, err := s.attachmentSource(r, &fileName)
	if err != nil {
		respondErr(w, s.log, err)
		return
	}

	message, err := s.engine.Attach(r.Context(), source, declaredMIME, fileName, kind)
	if err != nil {
		respondErr(w, s.log, err)
		return
	}
	RespondJSON(w, http.StatusCreated, toMessageDTO(message))
}

func (s *Server) attachmentSource(r *http.Request, fileName *string) (upload.Source, error) {
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, s.maxBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		if *fileName == "" {
			*fileName = header.Filename
		}
		return upload.Bytes{Data: data, Name: header.Filename}, nil
	case errors.Is(err, http.ErrMissingFile):
	default:
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	source, err := upload.ParseSource(r.FormValue("source"))
	if err != nil {
		return nil, err
	}
	if _, ok := source.(upload.DataURI); !ok {
		return nil, fmt.Errorf("%w: only data URIs are accepted as a source", models.ErrValidation)
	}
	return source, nil
}

func parseAttachmentKind(raw string) (upload.Kind, error) {
	switch kind := upload.Kind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case "", upload.KindImage, upload.KindFile:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unsupported attachment kind %q", models.ErrValidation, raw)
	}
}

func (s *Server) recordingState() (recordingDTO, error) {
	session := s.engine.Recording()
	if session == nil {
		return recordingDTO{}, fmt.Errorf("%w: recording", client.ErrUnavailable)
	}
	return recordingDTO{State: string(session.State()), ElapsedSeconds: session.Elapsed()}, nil
}

func (s *Server) handleRecordingState(w http.ResponseWriter, r *http.Request) {
	state, err := s.recordingState()
	if err != nil {
		respondErr(w, s.log, err)
		return
	}
	RespondJSON(w, http.StatusOK, state)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	started, err := s.engine.StartRecording(r.Context())
	if err != nil {
		respondErr(w, s.log, err)
		return
	}
	state, err := s.recordingState()
	if err != nil {
		respondErr(w, s.log, err)
		return
	}
	state.Started = &started
	RespondJSON(w, http.StatusOK, state)
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	message, err := s.engine.StopRecording(r.Context())
	if err != nil {
		respondErr(w, s.log, err)
		return
	}
	RespondJSON(w, http.StatusCreated, toMessageDTO(message))
}

func (s *Server) handleRecordingCancel(w http.ResponseWriter, r *http.Request) {
	s.engine.CancelRecording()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	policy, err := s.engine.Retention(r.Context())
	if err != nil {
		respondErr(w, s.log, err)
		return
	}
	RespondJSON(w, http.StatusOK, retentionDTO{HorizonDays: policy.HorizonDays})
}

func (s *Server) handlePutRetention(w http.ResponseWriter, r *http.Request) {
	var payload retentionDTO
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	policy, err := s.engine.SetHorizon(r.Context(), payload.HorizonDays)
	if err != nil {
		respondErr(w, s.log, err)
		return
	}
	RespondJSON(w, http.StatusOK, retentionDTO{HorizonDays: policy.HorizonDays})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, s.engine.Presence())
}
