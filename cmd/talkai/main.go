package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/talkai-app/talkai/internal/app"
	"github.com/talkai-app/talkai/internal/avatar"
	"github.com/talkai-app/talkai/internal/config"
	"github.com/talkai-app/talkai/internal/expression"
	"github.com/talkai-app/talkai/internal/logging"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "talkai",
		Short:         "Real-time voice and avatar session coordinator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), probeAvatarCmd(), mapEmotionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfigAndLogger() (config.Config, zerolog.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, fmt.Errorf("config error: %w", err)
	}
	logger, closer, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		App:    "talkai",
	})
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, fmt.Errorf("logging error: %w", err)
	}
	return cfg, logger, func() { _ = closer.Close() }, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLogs, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			defer closeLogs()

			ctx := context.Background()
			res, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("startup failed: %w", err)
			}
			defer func() {
				if err := res.Cleanup(); err != nil {
					logger.Warn().Err(err).Msg("cleanup failed")
				}
			}()
			logger.Info().
				Str("voice", res.Detail["voice"]).
				Str("avatar", res.Detail["avatar"]).
				Str("history", res.Detail["history"]).
				Msg("providers resolved")

			httpServer := &http.Server{
				Addr:              cfg.BindAddr,
				Handler:           res.API.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			runCtx, runCancel := context.WithCancel(ctx)
			defer runCancel()
			res.Sessions.StartJanitor(runCtx, 5*time.Second)

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
				logger.Info().Msg("shutdown signal received")
			case err := <-errCh:
				return fmt.Errorf("listen error: %w", err)
			}

			runCancel()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			// End sessions first so clients see a final status before sockets close.
			res.Sessions.Shutdown(shutdownCtx)
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("graceful shutdown failed")
				_ = httpServer.Close()
			}
			logger.Info().Msg("shutdown complete")
			return nil
		},
	}
}

func probeAvatarCmd() *cobra.Command {
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "probe-avatar",
		Short: "Open and close one HeyGen streaming session to check credentials and connectivity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLogs, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			defer closeLogs()
			if !cfg.HeyGenConfigured() {
				return errors.New("HEYGEN_API_KEY and HEYGEN_AVATAR_ID must be set")
			}
			clientCfg, err := app.AvatarConfig(cfg)
			if err != nil {
				return err
			}
			peers, err := app.NewPeerFactory(cfg)
			if err != nil {
				return err
			}

			videoReady := make(chan struct{}, 1)
			client := avatar.NewClient(clientCfg, app.NewHeyGenSignaler(cfg), peers, avatar.Handlers{
				OnVideoReady: func() {
					select {
					case videoReady <- struct{}{}:
					default:
					}
				},
				OnError: func(err error) { logger.Warn().Err(err).Msg("avatar error") },
			}, avatar.WithLogger(logging.Component(logger, "avatar")))

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout+hold+10*time.Second)
			defer cancel()

			started := time.Now()
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("probe failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected: session=%s in %s\n", client.SessionID(), time.Since(started).Round(time.Millisecond))

			select {
			case <-videoReady:
				fmt.Fprintln(cmd.OutOrStdout(), "video track received")
			case <-time.After(hold):
				fmt.Fprintln(cmd.OutOrStdout(), "no video track within hold period")
			}
			if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
			return nil
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 5*time.Second, "how long to wait for the video track")
	return cmd
}

func mapEmotionCmd() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:     "map-emotion label=score [label=score...]",
		Short:   "Print the avatar expression for an emotion score vector",
		Example: "talkai map-emotion joy=0.4 anxiety=0.7",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scores, err := parseScores(args)
			if err != nil {
				return err
			}
			top, _ := expression.Top(scores)
			out := expression.MapWithDuration(top.Name, top.Score, duration)
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(map[string]any{
				"top_emotion": top.Name,
				"score":       top.Score,
				"command":     out,
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", expression.DefaultDuration, "expression hold duration")
	return cmd
}

func parseScores(args []string) ([]expression.Score, error) {
	scores := make([]expression.Score, 0, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected label=score, got %q", arg)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid score for %q: %w", name, err)
		}
		scores = append(scores, expression.Score{Name: name, Score: score})
	}
	return scores, nil
}
