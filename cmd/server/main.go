package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/vote-payments/internal/config"
	"github.com/yourorg/vote-payments/internal/store"
	"github.com/yourorg/vote-payments/internal/telemetry"
)

const serviceName = "vote-payments"

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "votepay",
		Short:         "Paid-vote payment orchestration service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (VOTEPAY_* env vars override it)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	return rootCmd
}

func serveCmd(configPath *string) *cobra.Command {
	var mockMissing bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, mockMissing)
		},
	}
	cmd.Flags().BoolVar(&mockMissing, "mock-missing", false, "serve unconfigured providers with in-process mocks")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, mockMissing bool) error {
	shutdownTracing, err := telemetry.Setup(telemetry.Options{
		ServiceName: serviceName,
		Version:     Version,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("Server: %v", err)
		}
	}()

	a, err := buildApp(cfg, mockMissing)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.store.Migrate(); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server: listening on %s", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Println("Server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func migrateCmd(configPath *string) *cobra.Command {
	var candidates []string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Create or update the database schema.

Candidates are normally managed by the voting platform; --candidate seeds
them for local runs.

Examples:
  votepay migrate --config votepay.yaml
  votepay migrate --candidate "Awa" --candidate "Ibrahim"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg.Database, candidates)
		},
	}
	cmd.Flags().StringArrayVar(&candidates, "candidate", nil, "candidate name to seed (repeatable)")
	return cmd
}

func migrate(ctx context.Context, cfg config.DatabaseConfig, candidates []string) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Migrate(); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	for _, name := range candidates {
		c := &store.Candidate{Name: name}
		if err := s.CreateCandidate(ctx, c); err != nil {
			return fmt.Errorf("seeding candidate %q: %w", name, err)
		}
		log.Printf("Migrate: candidate %d %q created", c.ID, name)
	}
	log.Printf("Migrate: %s schema up to date", cfg.Driver)
	return nil
}
