package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	apperrors "backup-engine/internal/errors"
	"backup-engine/internal/scheduler"
)

// Daemon command flags
var (
	metricsAddr     string
	shutdownTimeout time.Duration
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled backups until interrupted",
	Long: `Run the scheduler in the foreground. Backups fire on their cron schedules
and old backups are removed on the retention cadence.

An HTTP listener serves Prometheus metrics on /metrics and the scheduler
health on /healthz. SIGINT or SIGTERM stops the listener, waits for running
backups up to --shutdown-timeout, then exits.

Examples:
  backup-engine daemon
  backup-engine daemon --metrics-addr 127.0.0.1:9090
  backup-engine daemon --metrics-addr ""   # no HTTP listener`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for /metrics and /healthz (empty disables)")
	daemonCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Minute, "how long to wait for running backups on shutdown")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	service, config, err := a.newScheduler()
	if err != nil {
		a.Close()
		return err
	}

	shutdown := apperrors.NewGracefulShutdownHandler()
	shutdown.RegisterShutdownFunc(func() error {
		return a.engine.Close()
	})
	shutdown.RegisterShutdownFunc(func() error {
		stopCtx, cancel := apperrors.CreateContextWithTimeout(shutdownTimeout)
		defer cancel()
		a.logger.Info("Waiting for running backups to finish")
		return service.Stop(stopCtx)
	})

	if err := service.Start(); err != nil {
		shutdown.Shutdown()
		return err
	}

	serverErr := make(chan error, 1)
	if metricsAddr != "" {
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           newDaemonMux(a, service),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdown.RegisterShutdownFunc(func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(stopCtx)
		})

		go func() {
			a.logger.WithField("addr", metricsAddr).Info("Serving metrics and health")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
				shutdown.Shutdown()
			}
		}()
	}

	shutdown.Start()
	stats := service.GetSchedulerStats()
	a.logger.WithFields(map[string]interface{}{
		"mode":            config.Mode,
		"schedules":       stats.TotalSchedules,
		"timer_available": stats.TimerAvailable,
		"next_backup":     stats.NextScheduledBackup,
	}).Info("Backup daemon running")

	if !stats.TimerAvailable {
		a.logger.Warn("Automatic scheduling unavailable; schedules run only when forced")
	}

	select {
	case <-shutdown.Done():
	case <-ctx.Done():
		shutdown.Shutdown()
	}

	a.logger.Info("Backup daemon stopped")
	select {
	case err := <-serverErr:
		return err
	default:
		return nil
	}
}

// newDaemonMux serves the engine metrics registry and the scheduler health
func newDaemonMux(a *app, service *scheduler.Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.engine.Metrics().Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := service.GetDetailedStatus()

		w.Header().Set("Content-Type", "application/json")
		if !status.IsHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			a.logger.WithError(err).Warn("Failed to write health response")
		}
	})
	return mux
}
