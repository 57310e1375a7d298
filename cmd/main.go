package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pelusa-v/support-relay/internal/api"
	"github.com/pelusa-v/support-relay/internal/chat"
	"github.com/pelusa-v/support-relay/internal/config"
)

var (
	port      string
	clientURL string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "support-relay",
	Short: "Real-time chat relay between shoppers and support agents",
	Long: `support-relay accepts websocket connections on /api/ws, routes chat
messages between shoppers and agents, and keeps a bounded in-memory history.

Settings come from defaults, the YAML file named by CHAT_CONFIG_FILE, the
environment (a .env file is read if present), then these flags.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = port
		}
		if cmd.Flags().Changed("client-url") {
			cfg.ClientURL = clientURL
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides CHAT_PORT)")
	rootCmd.Flags().StringVar(&clientURL, "client-url", "", "allowed browser origin (overrides CLIENT_URL)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return logger.Level(level)
}

func run(cfg *config.Config) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := chat.NewManager(chat.Options{
		MaxHistory:    cfg.MaxHistory,
		TypingTimeout: cfg.TypingTimeout,
		AgentToken:    cfg.AgentJoinToken,
	}, logger)
	mgrCtx, stopManager := context.WithCancel(context.Background())
	defer stopManager()
	go mgr.Run(mgrCtx)

	app := api.NewRouter(cfg, mgr, logger)

	errc := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("client_url", cfg.ClientURL).
			Int("max_history", cfg.MaxHistory).
			Msg("starting support relay")
		errc <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down relay...")

	// Stopping the manager closes every client socket, which lets the
	// websocket handlers return before the listener drains.
	stopManager()
	select {
	case <-mgr.Done():
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn().Msg("chat manager did not stop in time")
	}
	if err := app.ShutdownWithTimeout(cfg.ShutdownGrace); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info().Msg("relay stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
