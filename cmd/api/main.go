package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/client"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/config"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/db"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/guest"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/http"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/repository"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/scheduler"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "compute-lease-service",
		Short:         "Provisions virtual machines and leases compute resources to clients",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply schema migrations on startup")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}

			pool, err := db.NewPool(cmd.Context(), &cfg.Database, log)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			return db.RunMigrations(cmd.Context(), pool, log)
		},
	}
}

func bootstrap() (*config.Config, *logger.Logger, error) {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, log, nil
}

func serve(ctx context.Context, migrate bool) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	log.Info("Starting Compute Lease Service...")

	// Initialize database
	pool, err := db.NewPool(ctx, &cfg.Database, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if migrate {
		if err := db.RunMigrations(ctx, pool, log); err != nil {
			return err
		}
	}

	// Initialize repositories
	resourceRepo := repository.NewResourceRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)

	// Initialize clients
	hypervisorClient := client.NewHypervisorClient(&cfg.Hypervisor, log)
	notificationClient := client.NewNotificationClient(cfg.Notification.ServiceURL, cfg.InternalSecret)
	guestRegistry := guest.NewRegistry(&cfg.Guest, log)

	jobs := scheduler.New(log)

	// Initialize services
	provisionService := service.NewProvisionService(
		cfg,
		resourceRepo,
		attemptRepo,
		orderRepo,
		auditRepo,
		hypervisorClient,
		guestRegistry,
		jobs,
		log,
	)
	orderService := service.NewOrderService(orderRepo, resourceRepo, auditRepo, notificationClient, log)
	leaseService := service.NewLeaseService(resourceRepo, orderRepo, auditRepo, log)

	if _, err := provisionService.ResumePending(ctx); err != nil {
		log.WarnWithErr(err, "Failed to resume pending provisioning attempts")
	}

	err = jobs.Every(cfg.Lease.SweepSchedule, "lease-sweep", func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if _, err := leaseService.ReportExpired(sweepCtx); err != nil {
			log.WarnWithErr(err, "Lease sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule lease sweep: %w", err)
	}

	jobs.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := jobs.Stop(stopCtx); err != nil {
			log.WarnWithErr(err, "Scheduler did not stop cleanly")
		}
	}()

	server := http.NewServer(cfg, log, provisionService, orderService, leaseService)
	if err := server.Run(ctx, ":"+cfg.Server.Port); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	log.Info("Server exited")
	return nil
}
