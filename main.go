package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"nostr-signer/internal/config"
	"nostr-signer/internal/nip46"
	"nostr-signer/internal/signer"
	"nostr-signer/internal/types"
)

func main() {
	app := &cli.App{
		Name:  "nostr-signer",
		Usage: "Sign Nostr events through a local key, a companion app or a remote signer",
		Description: `Selects one signing backend and exposes it to the command line and over HTTP.

Backends, in priority order:
- in-process: a secret key from NOSTR_SECRET_KEY
- intent: a companion signer app reached through URL intents
- relay-remote: a NIP-46 remote signer reached through relays`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:  "choice",
				Usage: "explicit backend: in-process, intent or relay-remote",
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "current identity as hex or npub",
			},
			&cli.BoolFlag{
				Name:  "dev-bunker",
				Usage: "run a remote signer on an in-process relay for local testing",
			},
		},
		Before: func(c *cli.Context) error {
			InitLogger(c.String("log-level"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the signer HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "port",
						Usage: "listen port (defaults to PORT or the config file)",
					},
				},
				Action: serveCommand,
			},
			{
				Name:   "pubkey",
				Usage:  "Print the public key of the active signer",
				Action: pubkeyCommand,
			},
			{
				Name:      "sign",
				Usage:     "Sign an event template read from --event, a file or stdin",
				ArgsUsage: "[template.json]",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "kind",
						Usage: "event kind when building the template from flags",
						Value: 1,
					},
					&cli.StringFlag{
						Name:  "content",
						Usage: "event content; builds the template from flags",
					},
					&cli.StringSliceFlag{
						Name:  "tag",
						Usage: "tag as name=value[,value...]; repeatable",
					},
				},
				Action: signCommand,
			},
			{
				Name:      "connect",
				Usage:     "Connect a remote signer from a bunker:// URL, or print a nostrconnect:// URI to scan",
				ArgsUsage: "[bunker-url | relay,relay]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "token",
						Usage: "connection secret; overrides the one in the URL",
					},
				},
				Action: connectCommand,
			},
			{
				Name:  "disconnect",
				Usage: "Disconnect a backend; the remote signer session is forgotten",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "kind",
						Usage: "backend to disconnect",
						Value: "relay-remote",
					},
				},
				Action: disconnectCommand,
			},
			{
				Name:   "status",
				Usage:  "Print the selected backend and stored session",
				Action: statusCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// openApp builds the shared wiring from config and global flags
func openApp(c *cli.Context) (*app, error) {
	return newApp(c.Context, config.GetSignerConfig(), appOptions{
		DevBunker: c.Bool("dev-bunker"),
		Choice:    c.String("choice"),
		User:      c.String("user"),
	})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ensure runs selection and fails unless a backend can sign
func ensure(ctx context.Context, a *app) error {
	res := a.manager.EnsureAvailable(ctx)
	if !res.Success {
		if res.Retry {
			return fmt.Errorf("%w (retry or choose another signer)", res.Err)
		}
		return res.Err
	}
	return nil
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Initialize(ctx); err != nil {
		slog.Warn("no signer selected at startup", "error", err)
	}

	port := c.String("port")
	if port == "" {
		port = a.cfg.Port
	}
	srv := newServer(a)
	defer srv.Close()
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "port", port, "store", a.backendName)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func pubkeyCommand(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := ensure(c.Context, a); err != nil {
		return err
	}
	pk, err := a.manager.GetPublicKey(c.Context)
	if err != nil {
		return err
	}
	fmt.Println(pk)
	return nil
}

// parseTags turns name=value[,value] flags into event tags
func parseTags(raw []string) ([][]string, error) {
	tags := make([][]string, 0, len(raw))
	for _, t := range raw {
		name, values, ok := strings.Cut(t, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid tag %q, want name=value", t)
		}
		tags = append(tags, append([]string{name}, strings.Split(values, ",")...))
	}
	return tags, nil
}

func readTemplate(c *cli.Context) (types.UnsignedEvent, error) {
	var tmpl types.UnsignedEvent
	if c.IsSet("content") {
		tags, err := parseTags(c.StringSlice("tag"))
		if err != nil {
			return tmpl, err
		}
		return types.UnsignedEvent{
			Kind:      c.Int("kind"),
			CreatedAt: time.Now().Unix(),
			Content:   c.String("content"),
			Tags:      tags,
		}, nil
	}

	in := os.Stdin
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return tmpl, err
		}
		defer f.Close()
		in = f
	}
	if err := json.NewDecoder(in).Decode(&tmpl); err != nil {
		return tmpl, fmt.Errorf("read event template: %w", err)
	}
	if tmpl.CreatedAt == 0 {
		tmpl.CreatedAt = time.Now().Unix()
	}
	return tmpl, nil
}

func signCommand(c *cli.Context) error {
	tmpl, err := readTemplate(c)
	if err != nil {
		return err
	}

	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := ensure(c.Context, a); err != nil {
		return err
	}
	evt, err := a.manager.SignEvent(c.Context, tmpl)
	if err != nil {
		return err
	}
	return printJSON(evt)
}

func connectCommand(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	endpoint := c.Args().First()
	if endpoint == "" && a.devBunker != nil {
		endpoint = a.devBunker.URL()
	}
	if endpoint == "" {
		endpoint = a.rendezvousEndpoint()
	}

	ctx, cancel := context.WithTimeout(c.Context, nip46.MaxRequestTimeout)
	defer cancel()

	p, err := a.manager.BeginRelayRemote(ctx, endpoint, c.String("token"))
	if err != nil {
		return err
	}
	if params, err := nip46.ParseEndpoint(endpoint); err == nil && params.Rendezvous() {
		fmt.Fprintln(os.Stderr, "Scan with your signer app:")
		fmt.Println(p.URI().String())
	}

	pk, err := p.Complete(ctx)
	if err != nil {
		return err
	}
	fmt.Println(pk)
	return nil
}

func disconnectCommand(c *cli.Context) error {
	kind, err := signer.ParseKind(c.String("kind"))
	if err != nil {
		return err
	}

	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Initialize(c.Context); err != nil {
		slog.Debug("selection before disconnect failed", "error", err)
	}
	if err := a.manager.Disconnect(c.Context, kind); err != nil {
		return err
	}
	return printJSON(statusOf(a.manager))
}

func statusCommand(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Initialize(c.Context); err != nil {
		slog.Debug("selection failed", "error", err)
	}
	return printJSON(statusOf(a.manager))
}
