package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"duet/client"
	"duet/config"
	"duet/crypto"
	"duet/feed"
	"duet/httpapi"
	"duet/identity"
	"duet/models"
	"duet/upload"
)

var hashSecretCommand = &cli.Command{
	Name:      "hash-secret",
	Usage:     "Hash a shared secret for the config file",
	ArgsUsage: "[SECRET]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "generate", Usage: "Generate a random secret"},
		&cli.IntFlag{Name: "cost", Usage: "bcrypt cost", Value: crypto.DefaultSecretCost},
		&cli.StringFlag{Name: "save-as", Usage: "Store the hash in config.yaml for admin or user"},
	},
	Before: prepareApp,
	After:  closeApp,
	Action: cmdHashSecret,
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the client and its local control API",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "listen", Usage: "Control API address (default from config)"},
	},
	Before: requiresIdentity,
	After:  closeApp,
	Action: cmdServe,
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a text message",
	ArgsUsage: "TEXT...",
	Before:    requiresIdentity,
	After:     closeApp,
	Action:    cmdSend,
}

var attachCommand = &cli.Command{
	Name:      "attach",
	Usage:     "Upload a file or data URI and send it",
	ArgsUsage: "SOURCE",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "mime", Usage: "Declared MIME type"},
		&cli.StringFlag{Name: "name", Usage: "File name shown to the peer"},
		&cli.StringFlag{Name: "kind", Usage: "image or file (inferred when empty)"},
	},
	Before: requiresIdentity,
	After:  closeApp,
	Action: cmdAttach,
}

var recordCommand = &cli.Command{
	Name:  "record",
	Usage: "Record and send a voice note",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "duration", Usage: "Stop after this long (default: until Ctrl+C)"},
	},
	Before: requiresIdentity,
	After:  closeApp,
	Action: cmdRecord,
}

var feedCommand = &cli.Command{
	Name:  "feed",
	Usage: "Print the message feed",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "Keep printing updates"},
		&cli.BoolFlag{Name: "no-receipts", Usage: "Print without marking messages read"},
	},
	Before: requiresIdentity,
	After:  closeApp,
	Action: cmdFeed,
}

var sweepCommand = &cli.Command{
	Name:   "sweep",
	Usage:  "Delete every message older than the retention horizon now",
	Before: requiresIdentity,
	After:  closeApp,
	Action: cmdSweep,
}

var retentionCommand = &cli.Command{
	Name:      "retention",
	Usage:     "Show or (admin only) change the retention horizon",
	ArgsUsage: "[DAYS]",
	Before:    requiresIdentity,
	After:     closeApp,
	Action:    cmdRetention,
}

func openClient(ctx *cli.Context) (*client.Client, error) {
	c, err := client.Open(getConfig(ctx), getLogger(ctx))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func closeClient(ctx *cli.Context, c *client.Client) {
	if err := c.Close(); err != nil {
		getLogger(ctx).Warn().Err(err).Msg("Client close failed")
	}
}

func cmdHashSecret(ctx *cli.Context) error {
	secret := strings.Join(ctx.Args().Slice(), " ")
	if ctx.Bool("generate") {
		generated, err := crypto.GenerateSecret()
		if err != nil {
			return err
		}
		secret = generated
		fmt.Printf("Secret: %s\n", secret)
	}
	if secret == "" {
		return fmt.Errorf("you must pass a secret or --generate")
	}

	hash, err := crypto.HashSecret(secret, ctx.Int("cost"))
	if err != nil {
		return err
	}

	saveAs := ctx.String("save-as")
	if saveAs == "" {
		fmt.Println(hash)
		return nil
	}
	id, err := models.ParseIdentity(saveAs)
	if err != nil {
		return err
	}

	path := getConfigPath(ctx)
	stored, err := config.Load(path)
	if err != nil {
		return err
	}
	if stored.Secrets == nil {
		stored.Secrets = make(map[string]string)
	}
	stored.Secrets[id.String()] = hash
	if err := config.Save(path, stored); err != nil {
		return err
	}
	fmt.Printf("Secret for %s saved to %s (fingerprint %s)\n", id, path, crypto.Fingerprint(hash))
	return nil
}

func cmdServe(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	logger := getLogger(ctx)

	var gate *identity.Gate
	if hashes, err := cfg.IdentitySecrets(); err != nil {
		return err
	} else if len(hashes) > 0 {
		gate, err = identity.NewGate(hashes, logger)
		if err != nil {
			return err
		}
	}

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient(ctx, c)

	runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(runCtx); err != nil {
		return err
	}

	server, err := httpapi.New(httpapi.Options{
		Engine:         c,
		Gate:           gate,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	listen := ctx.String("listen")
	if listen == "" {
		listen = cfg.API.Listen
	}
	logger.Info().
		Str("identity", c.Identity().String()).
		Str("listen", listen).
		Bool("auth", gate != nil).
		Msg("Serving (press Ctrl+C to stop)")
	return server.ListenAndServe(runCtx, listen)
}

func cmdSend(ctx *cli.Context) error {
	text := strings.Join(ctx.Args().Slice(), " ")
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient(ctx, c)

	message, err := c.SendText(ctx.Context, text)
	if err != nil {
		return err
	}
	fmt.Println(formatMessage(message))
	return nil
}

func cmdAttach(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("you must specify exactly one file path or data URI")
	}
	source, err := upload.ParseSource(ctx.Args().First())
	if err != nil {
		return err
	}
	kind := upload.Kind(strings.ToLower(ctx.String("kind")))
	if kind != "" && kind != upload.KindImage && kind != upload.KindFile {
		return fmt.Errorf("unsupported kind %q", ctx.String("kind"))
	}

	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient(ctx, c)

	message, err := c.Attach(ctx.Context, source, ctx.String("mime"), ctx.String("name"), kind)
	if err != nil {
		return err
	}
	fmt.Println(formatMessage(message))
	return nil
}

func cmdRecord(ctx *cli.Context) error {
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient(ctx, c)

	waitCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration := ctx.Duration("duration"); duration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, duration)
		defer cancel()
	}

	started, err := c.StartRecording(ctx.Context)
	if err != nil {
		return err
	}
	if !started {
		return fmt.Errorf("a recording is already in progress")
	}
	fmt.Fprintln(os.Stderr, "Recording... press Ctrl+C to stop and send")
	<-waitCtx.Done()

	message, err := c.StopRecording(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Println(formatMessage(message))
	return nil
}

func cmdFeed(ctx *cli.Context) error {
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient(ctx, c)

	runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ctx.Bool("no-receipts") {
		if err := c.Feed().Start(runCtx); err != nil {
			return err
		}
	} else if err := c.Start(runCtx); err != nil {
		return err
	}

	feeds, unsubscribe := c.Feed().Subscribe()
	defer unsubscribe()

	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()

	printed := make(map[string]models.Status)
	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-timeout.C:
			if !ctx.Bool("follow") {
				return errors.New("timed out waiting for the message log")
			}
		case current, ok := <-feeds:
			if !ok {
				return nil
			}
			if current.UpdatedAt.IsZero() {
				continue
			}
			printFeed(current, printed)
			if !ctx.Bool("follow") {
				return nil
			}
		}
	}
}

// printFeed prints messages not printed before or whose status changed.
func printFeed(current feed.Feed, printed map[string]models.Status) {
	if current.Stale {
		fmt.Fprintf(os.Stderr, "feed is stale: %v\n", current.Err)
	}
	for _, message := range current.Messages {
		if message.Provisional {
			continue
		}
		if status, ok := printed[message.ID]; ok && status == message.Status {
			continue
		}
		printed[message.ID] = message.Status
		fmt.Println(formatMessage(message))
	}
}

func cmdSweep(ctx *cli.Context) error {
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient(ctx, c)

	deleted, err := c.Sweep(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d expired messages\n", deleted)
	return nil
}

func cmdRetention(ctx *cli.Context) error {
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient(ctx, c)

	if ctx.NArg() == 0 {
		policy, err := c.Retention(ctx.Context)
		if err != nil {
			return err
		}
		fmt.Printf("Messages are deleted after %d days\n", policy.HorizonDays)
		return nil
	}

	days, err := strconv.Atoi(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid number of days %q", ctx.Args().First())
	}
	policy, err := c.SetHorizon(ctx.Context, days)
	if err != nil {
		return err
	}
	fmt.Printf("Retention horizon set to %d days\n", policy.HorizonDays)
	return nil
}

func formatMessage(message models.Message) string {
	var content string
	switch kind := message.Kind.(type) {
	case models.Text:
		content = kind.Body
	case models.Media:
		content = fmt.Sprintf("[%s %s, %d bytes] %s", kind.MIME, kind.FileName, kind.SizeBytes, kind.URL)
	case models.Voice:
		content = fmt.Sprintf("[voice %ds] %s", kind.DurationSeconds, kind.URL)
	}
	return fmt.Sprintf("%s  %-5s  %s  (%s, %s)",
		message.CreatedAt.Local().Format(time.DateTime), message.Sender, content, message.Status, message.ID)
}
