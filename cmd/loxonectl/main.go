// Command loxonectl is a thin demonstration CLI for the loxone package: it
// connects to a miniserver, sends a single command, and prints received
// events until interrupted. It is not a structure-file browser — it only
// drives Connect/SendCommand/events.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v3"

	"github.com/smarteon-go/loxone/internal/scheduler"
	"github.com/smarteon-go/loxone/loxone"
)

// This is set by a release tool, e.g. GoReleaser's -X ldflag.
var version = "dev"

type cliConfig struct {
	Host         string
	User         string
	Password     string
	VisuPassword string
}

var config *cliConfig

func main() {
	loadConfig()

	app := &cli.Command{
		Name:                  "loxonectl",
		Usage:                 "Talk to a Loxone miniserver over its WebSocket session core",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "output logs in JSON Lines format"},
			&cli.BoolFlag{Name: "debug", Usage: "show debug logs"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := slog.LevelInfo
			if cmd.Bool("debug") {
				level = slog.LevelDebug
			}

			var handler slog.Handler
			if cmd.Bool("json") {
				handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
			} else {
				handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
			}
			slog.SetDefault(slog.New(handler))

			return ctx, nil
		},
		Commands: []*cli.Command{
			&sendCommand,
			&watchCommand,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("exit", slog.Any("error", err))
		os.Exit(1)
	}
}

func loadConfig() {
	k := koanf.New(".")

	homeDir, _ := os.UserHomeDir()
	path := fmt.Sprintf("%s/.config/loxonectl/config.toml", homeDir)
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		slog.Debug("failed to load config file", slog.Any("error", err))
	} else {
		slog.Debug("loaded config file", slog.String("path", path))
	}

	config = &cliConfig{
		Host:         k.String("LOXONE_HOST"),
		User:         k.String("LOXONE_USER"),
		Password:     k.String("LOXONE_PASSWORD"),
		VisuPassword: k.String("LOXONE_VISU_PASSWORD"),
	}
}

func newSession() (*loxone.Session, error) {
	if config.Host == "" || config.User == "" {
		return nil, fmt.Errorf("LOXONE_HOST and LOXONE_USER must be set, see ~/.config/loxonectl/config.toml")
	}

	logger := slog.Default()
	sched := scheduler.New(logger)

	cfg := loxone.DefaultSessionConfig()
	cfg.Endpoint = fmt.Sprintf("ws://%s/ws/rfc6455", config.Host)
	cfg.TransportFactory = loxone.NewGorillaTransportFactory(logger)
	cfg.HTTPFetcher = loxone.NewHTTPFetcher(fmt.Sprintf("http://%s", config.Host))
	cfg.Scheduler = sched
	cfg.Logger = logger
	cfg.Auth = loxone.AuthConfig{
		User:         config.User,
		Password:     config.Password,
		VisuPassword: config.VisuPassword,
		ClientUUID:   "loxonectl",
		ClientInfo:   "loxonectl",
	}

	return loxone.NewSession(cfg), nil
}

var sendCommand = cli.Command{
	Name:      "send",
	Usage:     "Send one command and print its outcome",
	ArgsUsage: "<command>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "secure", Usage: "wrap as a secured command via the visualisation handshake"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		wire := cmd.Args().First()
		if wire == "" {
			return fmt.Errorf("command not specified")
		}

		session, err := newSession()
		if err != nil {
			return err
		}
		defer session.Close()

		command := loxone.NewCommand(wire, wire)

		if cmd.Bool("secure") {
			err = session.SendSecureCommand(ctx, command)
		} else {
			err = session.SendCommand(ctx, command)
		}
		if err != nil {
			return fmt.Errorf("send command: %w", err)
		}

		slog.Info("command sent", slog.String("command", wire))
		return nil
	},
}

var watchCommand = cli.Command{
	Name:  "watch",
	Usage: "Connect and print every received event until interrupted",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer session.Close()

		session.RegisterEventListener(loxone.EventListenerFunc(func(event any) {
			switch e := event.(type) {
			case loxone.ValueEvent:
				slog.Info("value event", slog.String("uuid", e.UUID.String()), slog.Float64("value", e.Value))
			case loxone.TextEvent:
				slog.Info("text event", slog.String("uuid", e.UUID.String()), slog.String("text", e.Text))
			}
		}))

		if err := session.SendCommand(ctx, loxone.KeepAlive); err != nil {
			return fmt.Errorf("initial connect: %w", err)
		}

		<-ctx.Done()
		return nil
	},
}
