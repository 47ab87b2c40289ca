package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lumenlabs/autorun/internal/actions"
	"github.com/lumenlabs/autorun/internal/audit"
	"github.com/lumenlabs/autorun/internal/metrics"
	"github.com/lumenlabs/autorun/internal/scheduler"
)

var (
	daemonDBPath  string
	metricsListen string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the autorun daemon",
	Long:  `Starts the polling scheduler that executes due automation jobs.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonDBPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Listen address for the Prometheus endpoint (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting autorun daemon...")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonDBPath != "" {
		cfg.DBPath = daemonDBPath
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}

	// Initialize store
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	// Jobs left running by a crashed worker stay visible until their run is
	// re-driven; surface them so an operator notices.
	if stuck, err := s.CountStuckJobs(); err == nil && stuck > 0 {
		log.Printf("Warning: %d jobs still marked running from a previous process", stuck)
	}

	// Initialize components
	recorder := audit.NewRecorder(s)
	registry := actions.NewRegistry()
	registry.Register(actions.NewAuditAction(recorder))
	registry.Register(actions.NewLogAction())
	log.Printf("Action registry initialized with steps: %v", registry.Keys())

	collector := metrics.NewCollector()
	executor := scheduler.NewExecutor(s, recorder, registry)
	sched := scheduler.New(s, recorder, executor, &cfg.Scheduler, collector)

	sched.Start()
	defer sched.Stop()

	// Optional metrics endpoint
	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			log.Printf("Metrics endpoint listening on %s", cfg.MetricsListen)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	if metricsSrv != nil {
		log.Println("Shutting down metrics server...")
		if err := metricsSrv.Close(); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
	}

	log.Println("Shutdown complete")
	return nil
}
