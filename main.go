package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"duet/config"
	"duet/identity"
	"duet/models"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
	contextKeyConfigPath
	contextKeyCloseLog
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func getConfigPath(ctx *cli.Context) string {
	return ctx.Context.Value(contextKeyConfigPath).(string)
}

// prepareApp loads config and builds the root logger.
func prepareApp(ctx *cli.Context) error {
	if dataDir := ctx.String("data-dir"); dataDir != "" {
		if err := os.Setenv(config.DataDirEnv, dataDir); err != nil {
			return fmt.Errorf("set data dir: %w", err)
		}
	}
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if level := ctx.String("log-level"); level != "" {
		cfg.Log.Level = level
	}

	logger, closeLog, err := newRootLogger(cfg.Log)
	if err != nil {
		return err
	}

	logger.Debug().
		Str("config", cfgPath).
		Str("client_id", cfg.ClientID).
		Msg("Configuration loaded")

	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, &logger)
	newCtx = context.WithValue(newCtx, contextKeyConfigPath, cfgPath)
	newCtx = context.WithValue(newCtx, contextKeyCloseLog, closeLog)
	ctx.Context = newCtx
	return nil
}

// closeApp flushes the log file opened by prepareApp.
func closeApp(ctx *cli.Context) error {
	if closeLog, ok := ctx.Context.Value(contextKeyCloseLog).(func() error); ok {
		return closeLog()
	}
	return nil
}

// requiresIdentity runs prepareApp and settles which identity this
// invocation acts as.
func requiresIdentity(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	cfg := getConfig(ctx)
	id, err := resolveIdentity(cfg, ctx.String("identity"), ctx.String("secret"))
	if err != nil {
		return err
	}
	cfg.Identity = id.String()
	return nil
}

// resolveIdentity picks the acting identity. When secrets are configured
// the secret decides and a conflicting --identity is refused.
func resolveIdentity(cfg *config.Config, flagIdentity, secret string) (models.Identity, error) {
	hashes, err := cfg.IdentitySecrets()
	if err != nil {
		return "", err
	}

	claimed := cfg.Identity
	if flagIdentity != "" {
		claimed = flagIdentity
	}
	want, err := models.ParseIdentity(claimed)
	if err != nil {
		return "", err
	}

	if len(hashes) == 0 {
		return want, nil
	}
	if secret == "" {
		return "", fmt.Errorf("%w: a secret is required (--secret or DUET_SECRET)", models.ErrPermissionDenied)
	}
	gate, err := identity.NewGate(hashes, nil)
	if err != nil {
		return "", err
	}
	got, err := gate.Authenticate(secret)
	if err != nil {
		return "", err
	}
	if flagIdentity != "" && got != want {
		return "", fmt.Errorf("%w: secret belongs to %s", models.ErrPermissionDenied, got)
	}
	return got, nil
}

func main() {
	app := &cli.App{
		Name:    "duet",
		Usage:   "Two-party ephemeral messaging over a shared log",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Data directory (overrides " + config.DataDirEnv + ")",
			},
			&cli.StringFlag{
				Name:  "identity",
				Usage: "Act as admin or user",
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "Shared secret of the acting identity",
				EnvVars: []string{"DUET_SECRET"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			hashSecretCommand,
			serveCommand,
			sendCommand,
			attachCommand,
			recordCommand,
			feedCommand,
			sweepCommand,
			retentionCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
