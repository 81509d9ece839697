package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/gluk-w/fleetexec/internal/audit"
	"github.com/gluk-w/fleetexec/internal/config"
	"github.com/gluk-w/fleetexec/internal/database"
	"github.com/gluk-w/fleetexec/internal/executor"
	"github.com/gluk-w/fleetexec/internal/handlers"
	"github.com/gluk-w/fleetexec/internal/metrics"
	"github.com/gluk-w/fleetexec/internal/sshpool"
)

const auditPurgeSchedule = "@daily"

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with a shared connection pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				config.Cfg.ListenAddr = addr
			}
			return serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "Listen address (default $FLEETEXEC_LISTEN_ADDR)")
	return cmd
}

func serve(ctx context.Context) error {
	cfg := config.Cfg
	if cfg.APIToken == "" {
		return errors.New("FLEETEXEC_API_TOKEN must be set to serve the API")
	}
	log.Printf("Config: max_connections_per_host=%d, connect_timeout=%ds, keepalive=%ds, command_timeout=%ds, workers=%d",
		cfg.MaxConnectionsPerHost, cfg.ConnectTimeoutSeconds, cfg.KeepaliveIntervalSeconds, cfg.CommandTimeoutSeconds, cfg.Workers)

	inv, err := loadInventory()
	if err != nil {
		return err
	}

	var auditor *audit.Auditor
	if cfg.DatabasePath != "" {
		db, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer database.Close(db)
		if auditor, err = audit.NewAuditor(db, cfg.AuditRetentionDays); err != nil {
			return err
		}
		defer auditor.Close()
		log.Printf("Audit log enabled (%s, retention %d days)", cfg.DatabasePath, auditor.RetentionDays())
	} else {
		log.Printf("Audit log disabled (FLEETEXEC_DATABASE_PATH not set)")
	}

	// The collector reads pool stats through mgr, which is assigned below.
	var mgr *executor.Manager
	collector := metrics.NewCollector(func() map[string]sshpool.PoolStats { return mgr.Stats() })
	observers := executor.Observers{collector}
	if auditor != nil {
		observers = append(observers, auditor)
	}
	if mgr, err = newManager(observers); err != nil {
		return err
	}
	mgr.OnEvent(collector.RecordEvent)
	if auditor != nil {
		mgr.OnEvent(auditor.Record)
	}
	executor.SetDefault(mgr)

	handlers.Mgr = mgr
	handlers.Inv = inv
	handlers.Auditor = auditor
	handlers.Metrics = collector

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.ReaperSchedule, func() { mgr.ReapIdle(cfg.IdleTimeout) }); err != nil {
		return fmt.Errorf("reaper schedule %q: %w", cfg.ReaperSchedule, err)
	}
	if auditor != nil {
		if _, err := sched.AddFunc(auditPurgeSchedule, func() { auditor.PurgeOlderThan(0) }); err != nil {
			return fmt.Errorf("audit purge schedule: %w", err)
		}
	}
	sched.Start()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handlers.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	log.Println("Shutting down...")

	<-sched.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	if err := mgr.CloseAll(); err != nil {
		log.Printf("SSH pool shutdown: %v", err)
	}
	log.Println("Server stopped")
	return nil
}
