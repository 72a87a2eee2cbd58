package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	notify "github.com/glimte/mmate-notify"
	"github.com/glimte/mmate-notify/internal/config"
	"github.com/glimte/mmate-notify/internal/ingress"
	"github.com/glimte/mmate-notify/internal/logging"
	"github.com/glimte/mmate-notify/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "notify-worker",
		Short: "Deliver notifications from RabbitMQ by email and Bitrix24",
		Long: `notify-worker consumes notification batches from RabbitMQ, delivers them
through the configured senders and routes failed deliveries through a retry
chain that ends in a dead letter queue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")

	var declare bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the consumers and the HTTP ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, closer, err := logging.New("notify-worker", logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			})
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer closer.Close()

			return serve(cmd.Context(), cfg, logger, declare)
		},
	}
	serveCmd.Flags().BoolVar(&declare, "declare", true, "Declare the retry topology before starting")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check that RabbitMQ is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := buildWorker(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if err := worker.CheckHealth(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "RabbitMQ: OK")
			return nil
		},
	}

	declareCmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare the router queue, retry queues and dead letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := buildWorker(configPath)
			if err != nil {
				return err
			}
			if err := worker.DeclareTopology(cmd.Context()); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Topology declared")
			fmt.Fprintln(out, "Rejected batch items reach the retry router only once this policy is set:")
			fmt.Fprintln(out, "  "+worker.DeadLetterPolicy())
			return nil
		},
	}

	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Show message and consumer counts of the worker queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := buildWorker(configPath)
			if err != nil {
				return err
			}
			queues, err := worker.InspectQueues(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to inspect queues: %w", err)
			}
			printQueues(cmd.OutOrStdout(), queues)
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, healthCmd, declareCmd, queuesCmd)
	return rootCmd
}

func buildWorker(configPath string) (*notify.Worker, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := slog.New(logging.NewHandler(os.Stderr, cfg.Log.Format, level))
	return notify.NewWorker(cfg, notify.WithLogger(logger))
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, declare bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker, err := notify.NewWorker(cfg, notify.WithLogger(logger))
	if err != nil {
		return err
	}
	if declare {
		if err := worker.DeclareTopology(ctx); err != nil {
			return fmt.Errorf("failed to declare topology: %w", err)
		}
		logger.Info("retry routing of rejected batch items needs a dead-letter policy", "command", worker.DeadLetterPolicy())
	}
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumers: %w", err)
	}

	srv := ingress.NewServer(ingress.Config{
		Addr:         cfg.HTTP.Addr,
		Queue:        cfg.RabbitMQ.Queue,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		Publisher:    worker.Writer(),
		Health:       worker.Health(),
		Metrics:      worker.Metrics(),
		Logger:       logger.With("component", "http"),
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	return errors.Join(
		err,
		worker.Shutdown(shutdownCtx),
		srv.Shutdown(shutdownCtx),
	)
}

func printQueues(w io.Writer, queues []rabbitmq.QueueInfo) {
	if len(queues) == 0 {
		fmt.Fprintln(w, "No queues found")
		return
	}

	fmt.Fprintf(w, "%-40s %-10s %-10s\n", "Name", "Messages", "Consumers")
	fmt.Fprintln(w, strings.Repeat("-", 62))

	for _, q := range queues {
		fmt.Fprintf(w, "%-40s %-10d %-10d\n", truncate(q.Name, 40), q.Messages, q.Consumers)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
