// ABOUTME: Operator commands: provider check, session history, session reset, API tokens
// ABOUTME: Work directly on the configured store and config without a running relay

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/store"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Show which providers have credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			providers, err := gateway.BuildProviders(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			red := color.New(color.FgRed)
			text := 0
			for _, c := range providers.Status() {
				if c.Enabled {
					green.Fprint(out, "  ✓ ")
					if c.Kind == "text" {
						text++
					}
				} else {
					red.Fprint(out, "  ✗ ")
				}
				fmt.Fprintf(out, "%-7s %-12s %s\n", c.Kind, c.Name, c.Credential)
			}
			if text == 0 {
				return errors.New("no text provider has a credential; every message will get the fallback reply")
			}
			return nil
		},
	}
}

// openEngine opens the configured store behind an engine for admin commands.
func openEngine() (*conversation.Engine, store.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := setupLogger(cfg.Logging)
	if cfg.Database.Driver == "memory" {
		logger.Warn("database.driver is memory; sessions only exist inside a running relay")
	}

	s, err := gateway.OpenStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	providers, err := gateway.BuildProviders(cfg, nil, logger)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return conversation.New(s, providers, gateway.EngineConfig(cfg), logger), s, nil
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-key>",
		Short: "Print the committed history of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, s, err := openEngine()
			if err != nil {
				return err
			}
			defer s.Close()

			sess, err := engine.Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			gray := color.New(color.FgHiBlack)
			gray.Fprintf(out, "%s  state=%s version=%d\n", sess.Key, sess.State.Name(), sess.Version)
			roles := map[store.Role]*color.Color{
				store.RoleSystem:    color.New(color.FgHiBlack),
				store.RoleUser:      color.New(color.FgCyan),
				store.RoleAssistant: color.New(color.FgGreen),
			}
			for _, t := range sess.History() {
				c, ok := roles[t.Role]
				if !ok {
					c = color.New(color.Reset)
				}
				c.Fprintf(out, "%-9s ", t.Role)
				fmt.Fprintln(out, t.Text)
			}
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session-key>",
		Short: "Discard a session so it starts over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, s, err := openEngine()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := engine.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", args[0])
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP and WebSocket APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set; the APIs are unauthenticated")
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			token, err := verifier.Generate(subject, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "token subject, logged as the caller")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the most recently active sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openEngine()
			if err != nil {
				return err
			}
			defer s.Close()

			sessions, err := s.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}

			out := cmd.OutOrStdout()
			gray := color.New(color.FgHiBlack)
			for _, sess := range sessions {
				fmt.Fprintf(out, "%-40s v%-4d %-7s", sess.Key, sess.Version, sess.State.Name())
				gray.Fprintf(out, " %s\n", sess.UpdatedAt.Format(time.RFC3339))
			}
			if len(sessions) == 0 {
				gray.Fprintln(out, "no sessions")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	return cmd
}
