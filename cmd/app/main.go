package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t-kanstantsin/fileupload/internal/config"
	"github.com/t-kanstantsin/fileupload/internal/server"
	"github.com/t-kanstantsin/fileupload/pkg/logger"
)

var (
	logLevel string
	cfg      *config.Config
	log      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fileupload",
	Short: "Derived file generation and caching service",
	Long: `fileupload stores uploaded source files and serves processed variants
(resized, watermarked, background-normalized) generated on first request.

Example usage:
  fileupload serve                      # Start the HTTP API
  fileupload warm sources/abc.png       # Generate all formats of a source`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		log, err = logger.New(logLevel)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		deps, err := server.Build(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer deps.Close()

		srv := server.New(cfg, deps, log)

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
			log.Info("Shutting down gracefully...")
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}

		log.Info("Server exited")
		return nil
	},
}

var warmCmd = &cobra.Command{
	Use:   "warm <source-key>...",
	Short: "Generate every format of the given source files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		deps, err := server.Build(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer deps.Close()

		failed := 0
		for _, key := range args {
			results, err := deps.Service.Warm(ctx, key)
			if err != nil {
				log.Error("Failed to warm source", zap.String("key", key), zap.Error(err))
				failed++
				continue
			}
			for _, d := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", key, d.Format, d.Event, d.Path)
				if !d.Cached {
					failed++
				}
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d derived files could not be generated", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, warmCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
