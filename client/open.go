package client

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"duet/capture"
	"duet/config"
	"duet/discovery"
	"duet/storage"
	"duet/upload"
)

// Open builds a Client from a loaded config. The client owns the storage
// handle and closes it on Close.
func Open(cfg *config.Config, logger *zerolog.Logger) (*Client, error) {
	identity, err := cfg.ClientIdentity()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	dbPath := cfg.ResolvedDBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	log, err := storage.OpenPath(dbPath, storage.Options{
		PollInterval: cfg.Storage.PollInterval,
		BusyTimeout:  cfg.Storage.BusyTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}

	options := Options{
		Identity:       identity,
		Log:            log,
		CloseLog:       true,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		UploadTimeout:  cfg.Upload.Timeout,
		SniffContent:   cfg.Upload.SniffContent,
		WindowSize:     cfg.Feed.WindowSize,
		Retention: RetentionOptions{
			InitialDelay: cfg.Retention.InitialDelay,
			Interval:     cfg.Retention.Interval,
			BatchSize:    cfg.Retention.BatchSize,
		},
		Logger: logger,
	}

	if cfg.Upload.CloudName != "" {
		host, err := upload.NewCloudinaryHost(upload.CloudinaryOptions{
			CloudName:    cfg.Upload.CloudName,
			UploadPreset: cfg.Upload.UploadPreset,
			Endpoint:     cfg.Upload.Endpoint,
		})
		if err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("configure media host: %w", err)
		}
		options.Host = host
	} else {
		logger.Warn().Msg("No media host configured, attachments and voice notes are disabled")
	}

	device, err := capture.New(capture.Config{
		Backend:     cfg.Capture.Backend,
		Command:     cfg.Capture.Command,
		InputFormat: cfg.Capture.InputFormat,
		InputDevice: cfg.Capture.InputDevice,
		OutputDir:   config.RecordingsDir(cfg.DataDir),
		StopTimeout: cfg.Capture.StopTimeout,
		FilePath:    cfg.Capture.FilePath,
		Logger:      logger,
	})
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("configure capture device: %w", err)
	}
	options.Device = device

	if cfg.Discovery.Enabled {
		port, err := listenPort(cfg.API.Listen)
		if err != nil {
			logger.Warn().Err(err).Str("listen", cfg.API.Listen).Msg("Presence disabled")
		} else {
			options.Presence = &discovery.Config{
				ClientID: cfg.ClientID,
				Identity: identity,
				Port:     port,
				Logger:   logger,
			}
		}
	}

	c, err := New(options)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return c, nil
}

func listenPort(listen string) (int, error) {
	_, rawPort, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("parse listen address: %w", err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("invalid listen port %q", rawPort)
	}
	return port, nil
}
