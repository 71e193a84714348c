// ABOUTME: serve command: prints the banner and runs the relay until interrupted
// ABOUTME: Uses a signal-aware context so transports drain on SIGINT/SIGTERM

package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/gateway"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Frontends: %s\n", enabledFrontends(cfg.Frontends.Telegram.Enabled, cfg.Frontends.Matrix.Enabled,
		cfg.Frontends.HTTP.Enabled, cfg.Frontends.WebSocket.Enabled))
	if cfg.Engine.FanOut {
		green.Print("    ▶ ")
		fmt.Print("Mode:      ")
		yellow.Println("fan-out")
	}
	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	for _, c := range gw.Providers().Status() {
		if !c.Enabled {
			logger.Warn("provider disabled: credential not set", "kind", c.Kind, "provider", c.Name, "credential", c.Credential)
		}
	}

	return gw.Run(ctx)
}

func enabledFrontends(telegram, matrix, http, ws bool) string {
	var names []string
	for _, f := range []struct {
		name string
		on   bool
	}{{"telegram", telegram}, {"matrix", matrix}, {"http", http}, {"websocket", ws}} {
		if f.on {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
