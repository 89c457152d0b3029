package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/ciniml/imble/internal/ble"
	"github.com/ciniml/imble/internal/ble/bluez"
	"github.com/ciniml/imble/internal/ble/tinygo"
	"github.com/ciniml/imble/internal/config"
)

var cfg *config.Config

func main() {
	app := cli.NewApp()
	app.Name = "imble"
	app.Usage = "Discover, pair with and talk to IMBLE peripherals"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/imble/config.yaml)",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "Scan for IMBLE peripherals",
			Action:  scan,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Usage: "scan duration (default: scan.duration)"},
			},
		},
		{
			Name:   "connect",
			Usage:  "Connect to a peripheral, send lines from stdin and print received messages",
			Action: connect,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "address, a", Usage: "peripheral address (AA:BB:CC:DD:EE:FF)"},
				cli.StringFlag{Name: "message, m", Usage: "send this message instead of reading stdin"},
			},
		},
		{
			Name:   "serve",
			Usage:  "Serve the WebSocket feed",
			Action: serve,
		},
		{
			Name:   "paired",
			Usage:  "List paired IMBLE devices",
			Action: paired,
		},
		{
			Name:   "unpair",
			Usage:  "Remove the pairing with a device",
			Action: unpair,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "address, a", Usage: "device address"},
			},
		},
		{
			Name:   "init-config",
			Usage:  "Write the default config file if none exists",
			Action: initConfig,
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("imble: %v", err)
	}
}

func setup(c *cli.Context) error {
	var err error
	cfg, err = loadConfig(c.GlobalString("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	return nil
}

// loadConfig tries the explicit path, then the default path, then
// falls back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the active configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== imble ===")
	fmt.Printf("  Backend:   %s\n", cfg.Backend)
	if cfg.Backend == "bluez" {
		fmt.Printf("  Adapter:   %s\n", cfg.Adapter)
	}
	fmt.Printf("  Configure: %d attempts x %s\n", cfg.Session.ConfigureAttempts, cfg.Session.ConfigureTimeout)
	fmt.Printf("  Send:      %s timeout\n", cfg.Session.SendTimeout)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=============")
}

// openAdapter opens the configured backend. The returned func releases it.
func openAdapter(cfg *config.Config) (ble.Adapter, func(), error) {
	switch cfg.Backend {
	case "tinygo":
		a := tinygo.New()
		if err := a.Enable(); err != nil {
			return nil, nil, err
		}
		return a, func() {}, nil
	default:
		a, err := bluez.Open(cfg.Adapter)
		if err != nil {
			return nil, nil, err
		}
		return a, func() {
			if err := a.Close(); err != nil {
				slog.Warn("[BLUEZ] failed to close adapter", "error", err)
			}
		}, nil
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
