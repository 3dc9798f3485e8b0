package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mevdschee/tqdbqueue/backend"
	"github.com/mevdschee/tqdbqueue/config"
	"github.com/mevdschee/tqdbqueue/metrics"
	"github.com/mevdschee/tqdbqueue/pool"
	"github.com/mevdschee/tqdbqueue/statement"
	"github.com/mevdschee/tqdbqueue/worker"
)

var flags struct {
	configPath  string
	metricsAddr string
	inputPath   string
	logLevel    string
	stopTimeout time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "tqdbqueue",
	Short: "Write-behind batching queue for SQL databases",
	Long: `tqdbqueue reads operations as JSON lines and executes them against a
database, grouping operations that share a statement into batches.

Each line names a statement from the [statements] section of the config:

  {"key": "insert_event", "params": ["login", 42]}
  {"key": "touch_user", "params": [7], "single": true}`,
	SilenceUsage:      true,
	PersistentPreRunE: setLogLevel,
	RunE:              run,
}

func init() {
	rootCmd.Flags().StringVar(&flags.configPath, "config", "config.ini", "Path to configuration file")
	rootCmd.Flags().StringVar(&flags.metricsAddr, "metrics", "", "Metrics endpoint address (overrides config)")
	rootCmd.Flags().StringVar(&flags.inputPath, "input", "-", "File with JSON lines, - for stdin")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().DurationVar(&flags.stopTimeout, "stop-timeout", 30*time.Second, "Maximum time to drain the queue on shutdown, in-flight statements are cancelled after it")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setLogLevel(*cobra.Command, []string) error {
	level, err := log.ParseLevel(flags.logLevel)
	if err != nil {
		return errors.Wrap(err, "--log-level")
	}
	log.SetLevel(level)
	return nil
}

func run(*cobra.Command, []string) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Listen = flags.metricsAddr
	}

	metrics.Init()
	if cfg.Metrics.Listen != "" {
		go serveMetrics(cfg.Metrics.Listen)
	}

	reg := statement.NewRegistry()
	if err := cfg.Register(reg); err != nil {
		return err
	}
	for _, key := range reg.Keys() {
		tmpl, _ := reg.Resolve(key)
		log.Debugf("[Statements] %s: %s %s (%d params)", key, tmpl.Parsed.Type, tmpl.Parsed.Table, tmpl.Parsed.Placeholders)
		if !tmpl.Parsed.IsBatchable() {
			log.Warnf("[Statements] %s is not a write, its results are discarded", key)
		}
	}
	log.Infof("[Statements] Registered %d statements", len(reg.Keys()))

	members, err := openBackends(cfg.Database)
	if err != nil {
		return err
	}
	backends := pool.NewPool(members[0], members[1:]...)
	defer backends.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go backends.StartHealthChecks(ctx, cfg.Database.HealthCheckInterval)

	w := worker.New(backends, worker.LogFailures, worker.Config{
		Settings:   cfg.Queue.Settings(),
		RetryDelay: cfg.Queue.RetryDelay,
	})
	// Not cancelled by signals so Stop can drain
	if err := w.Start(ctx); err != nil {
		return err
	}

	input, closeInput, err := openInput(flags.inputPath)
	if err != nil {
		return err
	}
	defer closeInput()

	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	readDone := make(chan error, 1)
	go func() {
		readDone <- publishLines(input, reg, w)
	}()

	select {
	case err := <-readDone:
		if err != nil {
			log.WithError(err).Error("[Input] Stopped reading")
		} else {
			log.Info("[Input] End of input, draining")
		}
	case <-sigCtx.Done():
		log.Info("Shutting down...")
	}

	return stopWorker(w, cancel, flags.stopTimeout)
}

type stopper interface {
	Stop(ctx context.Context) error
}

// stopWorker drains w within timeout. At the deadline the run context is
// cancelled, which aborts a backend call that hangs while holding the worker.
func stopWorker(w stopper, cancelRun context.CancelFunc, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	abort := context.AfterFunc(ctx, cancelRun)
	defer abort()

	return w.Stop(ctx)
}

func serveMetrics(addr string) {
	http.Handle("/metrics", metrics.Handler())
	log.Infof("Metrics endpoint at http://localhost%s/metrics", addr)
	log.Infof("Pprof endpoints at http://localhost%s/debug/pprof/", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Errorf("Metrics server error: %v", err)
	}
}

func openBackends(cfg config.DatabaseConfig) ([]pool.Handle, error) {
	dsns := append([]string{cfg.DSN}, cfg.Fallbacks...)
	members := make([]pool.Handle, 0, len(dsns))
	for _, dsn := range dsns {
		db, err := backend.Open(cfg.Driver, dsn, cfg.Options())
		if err != nil {
			for _, m := range members {
				m.Close()
			}
			return nil, err
		}
		members = append(members, db)
	}
	log.Infof("[Backend] Opened %s with %d fallbacks", cfg.Driver, len(cfg.Fallbacks))
	return members, nil
}

func openInput(path string) (*os.File, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open input")
	}
	return f, func() { f.Close() }, nil
}
