package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"duet/client"
	"duet/feed"
	"duet/identity"
	"duet/models"
	"duet/recording"
	"duet/upload"
)

const (
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 5 * time.Second
	// multipartOverhead is allowed on top of the attachment limit for
	// form boundaries and fields.
	multipartOverhead = 1 << 20
)

// Engine is the client surface the API drives.
type Engine interface {
	Identity() models.Identity
	Feed() *feed.Store
	SendText(ctx context.Context, body string) (models.Message, error)
	Attach(ctx context.Context, source upload.Source, declaredMIME, fileName string, kind upload.Kind) (models.Message, error)
	StartRecording(ctx context.Context) (bool, error)
	StopRecording(ctx context.Context) (models.Message, error)
	CancelRecording()
	Recording() *recording.Session
	DeleteMessage(ctx context.Context, messageID string) error
	Retention(ctx context.Context) (models.RetentionPolicy, error)
	SetHorizon(ctx context.Context, days int) (models.RetentionPolicy, error)
	Presence() client.PresenceStatus
}

// Options configures a Server.
type Options struct {
	Engine Engine
	// Gate, when set, requires every request to carry the secret of the
	// engine's identity as a bearer token or a "secret" query parameter.
	Gate           *identity.Gate
	MaxUploadBytes int64
	Logger         *zerolog.Logger
}

// Server exposes one client over local HTTP and WebSocket.
type Server struct {
	engine   Engine
	gate     *identity.Gate
	maxBytes int64
	log      zerolog.Logger
	upgrader websocket.Upgrader
	router   chi.Router
}

// New validates options and builds the router.
func New(options Options) (*Server, error) {
	if options.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if options.MaxUploadBytes <= 0 {
		options.MaxUploadBytes = upload.DefaultMaxBytes
	}
	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}

	s := &Server{
		engine:   options.Engine,
		gate:     options.Gate,
		maxBytes: options.MaxUploadBytes,
		log:      logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameHostOrigin,
		},
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Get("/feed", s.handleFeed)
		api.Get("/feed/ws", s.handleFeedSocket)

		api.Post("/messages", s.handleSendText)
		api.Delete("/messages/{messageID}", s.handleDeleteMessage)
		api.Post("/attachments", s.handleAttach)

		api.Get("/recording", s.handleRecordingState)
		api.Post("/recording/start", s.handleRecordingStart)
		api.Post("/recording/stop", s.handleRecordingStop)
		api.Post("/recording/cancel", s.handleRecordingCancel)

		api.Get("/settings/retention", s.handleGetRetention)
		api.Put("/settings/retention", s.handlePutRetention)

		api.Get("/presence", s.handlePresence)
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.log.Info().Str("addr", listener.Addr().String()).Msg("Control API listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control API: %w", err)
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.gate == nil {
			next.ServeHTTP(w, r)
			return
		}
		secret := bearerToken(r)
		if secret == "" {
			RespondError(w, http.StatusUnauthorized, "secret is required")
			return
		}
		if err := s.gate.Login(s.engine.Identity(), secret); err != nil {
			RespondError(w, http.StatusForbidden, "secret does not match this client's identity")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		defer func() {
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(started)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("Request served")
		}()
		next.ServeHTTP(ww, r)
	})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("secret")
}

// sameHostOrigin accepts non-browser clients and pages served from the
// same host as the API.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, host, ok := strings.Cut(origin, "://")
	return ok && strings.EqualFold(host, r.Host)
}
