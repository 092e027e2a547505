// Package cli implements the CLI of the accounting storage server app.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/model"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"

	"github.com/slurm-tools/slacctdb/internal/common"
	internal_runtime "github.com/slurm-tools/slacctdb/internal/runtime"
	"github.com/slurm-tools/slacctdb/pkg/acct/archive"
	"github.com/slurm-tools/slacctdb/pkg/acct/base"
	acct_http "github.com/slurm-tools/slacctdb/pkg/acct/http"
	"github.com/slurm-tools/slacctdb/pkg/acct/rollup"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// AcctAppConfig contains the configuration of the accounting server app.
type AcctAppConfig struct {
	Server AcctServerConfig `yaml:"acct_server"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *AcctAppConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set a default config
	*c = AcctAppConfig{
		AcctServerConfig{
			Data: DataConfig{
				Path:           "data",
				RollupInterval: model.Duration(15 * time.Minute),
			},
		},
	}

	type plain AcctAppConfig

	return unmarshal((*plain)(c))
}

// AcctServerConfig contains the configuration of the accounting server.
type AcctServerConfig struct {
	Data DataConfig `yaml:"data"`
	Web  WebConfig  `yaml:"web"`
}

// DataConfig configures the on-disk store and its maintenance cycles.
type DataConfig struct {
	Path            string         `yaml:"path"`
	ArchivePath     string         `yaml:"archive_path"`
	RetentionPeriod model.Duration `yaml:"retention_period"`
	RollupInterval  model.Duration `yaml:"rollup_interval"`
}

// WebConfig configures the HTTP API.
type WebConfig struct {
	// Requests per client IP per minute. Zero disables rate limiting.
	MaxRequests int `yaml:"max_requests"`
}

// AcctServer represents the `slacctdb_server` cli.
type AcctServer struct {
	appName string
	App     kingpin.Application
}

// NewAcctServer returns a new AcctServer instance.
func NewAcctServer() (*AcctServer, error) {
	return &AcctServer{
		appName: base.AcctServerAppName,
		App:     base.AcctServerApp,
	}, nil
}

// Main is the entry point of the `slacctdb_server` command.
func (b *AcctServer) Main() error {
	var (
		webListenAddress = b.App.Flag(
			"web.listen-address",
			"Address on which to expose the accounting API and web interface.",
		).Default(":9030").String()
		webConfigFile = b.App.Flag(
			"web.config.file",
			"Path to configuration file that can enable TLS or authentication. See: https://github.com/prometheus/exporter-toolkit/blob/master/docs/web-configuration.md",
		).Envar("SLACCTDB_WEB_CONFIG_FILE").Default("").String()
		configFile = b.App.Flag(
			"config.file",
			"Configuration file path.",
		).Envar("SLACCTDB_CONFIG_FILE").Default("").String()
		maxProcs = b.App.Flag(
			"runtime.gomaxprocs", "The target number of CPUs Go will run on (GOMAXPROCS)",
		).Envar("GOMAXPROCS").Default("1").Int()
	)

	// Socket activation only available on Linux
	systemdSocket := func() *bool { b := false; return &b }() //nolint:nlreturn
	if runtime.GOOS == "linux" {
		systemdSocket = b.App.Flag(
			"web.systemd-socket",
			"Use systemd socket activation listeners instead of port listeners (Linux only).",
		).Hidden().Bool()
	}

	promslogConfig := &promslog.Config{}
	flag.AddFlags(&b.App, promslogConfig)
	b.App.Version(version.Print(b.appName))
	b.App.UsageWriter(os.Stdout)
	b.App.HelpFlag.Short('h')

	_, err := b.App.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to parse CLI flags: %w", err)
	}

	// Get absolute path for web config file if provided
	var webConfigFilePath string
	if *webConfigFile != "" {
		webConfigFilePath, err = filepath.Abs(*webConfigFile)
		if err != nil {
			return fmt.Errorf("failed to get absolute path of the web config file: %w", err)
		}
	}

	configFilePath, err := filepath.Abs(*configFile)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of the config file: %w", err)
	}

	config, err := common.MakeConfig[AcctAppConfig](configFilePath)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set logger here after properly configuring promslog
	logger := promslog.New(promslogConfig)

	logger.Info("Starting "+b.appName, "version", version.Info())
	logger.Info(
		"Operational information", "build_context", version.BuildContext(),
		"host_details", internal_runtime.Uname(), "fd_limits", internal_runtime.FdLimits(),
	)

	runtime.GOMAXPROCS(*maxProcs)
	logger.Debug("Go MAXPROCS", "procs", runtime.GOMAXPROCS(0))

	if err := os.MkdirAll(config.Server.Data.Path, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if config.Server.Data.ArchivePath != "" {
		if err := os.MkdirAll(config.Server.Data.ArchivePath, 0o750); err != nil {
			return fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(&store.Config{
		Logger:   logger,
		DataPath: config.Server.Data.Path,
		AppName:  b.appName,
	})
	if err != nil {
		logger.Error("Failed to open accounting store", "err", err)

		return err
	}
	defer s.Close()

	apiServer, err := acct_http.New(&acct_http.Config{
		Logger:           logger,
		Address:          *webListenAddress,
		WebSystemdSocket: *systemdSocket,
		WebConfigFile:    webConfigFilePath,
		Store:            s,
		MaxRequests:      config.Server.Web.MaxRequests,
	})
	if err != nil {
		logger.Error("Failed to create accounting API server", "err", err)

		return err
	}

	engine := rollup.New(s, logger)

	var wg sync.WaitGroup

	// Periodic rollup of raw records into usage buckets
	rollupTicker := time.NewTicker(time.Duration(config.Server.Data.RollupInterval))
	defer rollupTicker.Stop()

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			// Run the catchup as soon as the go routine starts instead of
			// waiting for the first tick
			if err := engine.Catchup(ctx, time.Now()); err != nil {
				logger.Error("Usage rollup failed", "err", err)
			}

			select {
			case <-rollupTicker.C:
				continue
			case <-ctx.Done():
				logger.Info("Received Interrupt. Stopping usage rollup")

				return
			}
		}
	}()

	// Periodic archival of expired raw records, only when retention is set
	if config.Server.Data.RetentionPeriod > 0 && config.Server.Data.ArchivePath != "" {
		archiver := archive.New(config.Server.Data.ArchivePath, logger)
		archiveTicker := time.NewTicker(24 * time.Hour)

		defer archiveTicker.Stop()
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-archiveTicker.C:
					cutoff := time.Now().Add(-time.Duration(config.Server.Data.RetentionPeriod)).Unix()
					archiveExpired(ctx, logger, s, archiver, cutoff)
				case <-ctx.Done():
					logger.Info("Received Interrupt. Stopping archival")

					return
				}
			}
		}()
	}

	// Initializing the server in a goroutine so that it won't block the
	// graceful shutdown handling below
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("Failed to start accounting API server", "err", err)
		}
	}()

	// Listen for the interrupt signal
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown
	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the requests it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "err", err)
	}

	// Wait for all go routines to finish
	wg.Wait()

	logger.Info("Server exiting")

	return nil
}

// archiveExpired dumps and purges finished jobs and closed events older
// than the cutoff for every registered cluster. Clusters with nothing to
// archive are skipped silently.
func archiveExpired(ctx context.Context, logger *slog.Logger, s *store.Store, archiver *archive.Archiver, cutoff int64) {
	for _, cluster := range s.Clusters().Names() {
		err := s.WithTxn(ctx, "retention", func(txn *store.Txn) error {
			if _, _, err := archiver.ArchiveJobs(ctx, txn, cluster, cutoff); err != nil && !errors.Is(err, store.ErrNoChange) {
				return err
			}

			if _, _, err := archiver.ArchiveEvents(ctx, txn, cluster, cutoff); err != nil && !errors.Is(err, store.ErrNoChange) {
				return err
			}

			return nil
		})
		if err != nil {
			logger.Error("Failed to archive expired records", "cluster", cluster, "err", err)
		}
	}
}
