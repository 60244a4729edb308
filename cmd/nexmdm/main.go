package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexmdm/nexmdm/pkg/ack"
	"github.com/nexmdm/nexmdm/pkg/alert"
	"github.com/nexmdm/nexmdm/pkg/api"
	"github.com/nexmdm/nexmdm/pkg/config"
	"github.com/nexmdm/nexmdm/pkg/dispatch"
	"github.com/nexmdm/nexmdm/pkg/events"
	"github.com/nexmdm/nexmdm/pkg/ingest"
	"github.com/nexmdm/nexmdm/pkg/log"
	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/partition"
	"github.com/nexmdm/nexmdm/pkg/reconciler"
	"github.com/nexmdm/nexmdm/pkg/registration"
	"github.com/nexmdm/nexmdm/pkg/security"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nexmdm",
	Short: "nexmdm - Android device fleet control plane",
	Long: `nexmdm ingests heartbeats from an Android device fleet, dispatches
signed commands and remote-exec jobs, evaluates device alerts, and
manages heartbeat-history retention, delivered as a single binary
backed by an embedded bbolt store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nexmdm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to config YAML file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nightlyCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// components bundles every long-lived piece wired off a single Config
// and Store, shared by serve/nightly/reconcile so each subcommand only
// starts the pieces it actually needs.
type components struct {
	store        storage.Store
	broker       *events.Broker
	ingestor     *ingest.Ingestor
	dispatcher   *dispatch.Dispatcher
	ackReceiver  *ack.Receiver
	registration *registration.Gate
	evaluator    *alert.Evaluator
	partitions   *partition.Manager
	reconciler   *reconciler.Reconciler
	collector    *metrics.Collector
	admin        api.AdminAuthenticator
}

func buildComponents(cfg *config.Config) (*components, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	broker := events.NewBroker()
	broker.OnDrop = func(reason string) {
		metrics.EventsDroppedTotal.WithLabelValues(reason).Inc()
	}

	hmacSecret, err := cfg.HMACSecret()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load hmac secret: %w", err)
	}
	signer, err := security.NewCommandSigner(hmacSecret)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init command signer: %w", err)
	}

	adminKey, err := cfg.AdminKey()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load admin key: %w", err)
	}
	jwtKey, err := cfg.JWTPublicKey()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load jwt public key: %w", err)
	}
	admin := api.AdminAuthenticator{AdminKey: adminKey}
	if jwtKey != nil {
		admin.JWTPublicKey = jwtKey
	}

	pushProvider := dispatch.NewHTTPPushProvider(cfg.Push.URL, cfg.Push.Timeout())
	allowList := dispatch.NewShellAllowList(nil)

	blobStore, err := partition.NewFileBlobStore(cfg.Partition.BlobDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	return &components{
		store:        store,
		broker:       broker,
		ingestor:     ingest.New(store, broker, cfg.Heartbeat.BucketSeconds, cfg.Monitoring),
		dispatcher:   dispatch.New(store, signer, pushProvider, allowList),
		ackReceiver:  ack.New(store),
		registration: registration.New(store, int64(cfg.Registration.Concurrency), cfg.Monitoring),
		evaluator: alert.New(store, broker, alert.Config{
			TickInterval:        time.Duration(cfg.Alert.TickSeconds) * time.Second,
			HeartbeatInterval:   time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
			LowBatteryPct:       cfg.Alert.LowBatteryPct,
			UnityDownRequireTwo: cfg.Alert.UnityDownRequireTwo,
			Cooldown:            time.Duration(cfg.Alert.CooldownSeconds) * time.Second,
		}),
		partitions: partition.NewManager(store, broker, blobStore, cfg.Partition.CreateAheadDays, cfg.Partition.RetentionDays),
		reconciler: reconciler.NewReconciler(store, broker),
		collector:  metrics.NewCollector(store),
		admin:      admin,
	}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the nexmdm control plane: heartbeat ingestion, dispatch, alerting, and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		c, err := buildComponents(cfg)
		if err != nil {
			return err
		}
		defer c.store.Close()

		c.broker.Start()
		defer c.broker.Stop()
		c.evaluator.Start()
		defer c.evaluator.Stop()
		c.partitions.Start()
		defer c.partitions.Stop()
		c.reconciler.Start()
		defer c.reconciler.Stop()
		c.collector.Start()
		defer c.collector.Stop()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("storage", true, "")
		metrics.RegisterComponent("alert_evaluator", true, "")
		metrics.RegisterComponent("partition_manager", true, "")
		metrics.RegisterComponent("reconciler", true, "")
		metrics.RegisterComponent("api", true, "")

		router := api.NewRouter(api.Deps{
			Store:        c.store,
			Ingestor:     c.ingestor,
			Dispatcher:   c.dispatcher,
			AckReceiver:  c.ackReceiver,
			Registration: c.registration,
			Evaluator:    c.evaluator,
			Partitions:   c.partitions,
			Reconciler:   c.reconciler,
			Admin:        c.admin,
		})

		srv := &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.WithComponent("serve").Info().Str("addr", cfg.ListenAddr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("api server error: %w", err)
			}
		}()

		if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.ListenAddr {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				log.WithComponent("serve").Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					log.WithComponent("serve").Error().Err(err).Msg("metrics server error")
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.WithComponent("serve").Info().Msg("shutting down")
		case err := <-errCh:
			log.WithComponent("serve").Error().Err(err).Msg("server error, shutting down")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

var nightlyCmd = &cobra.Command{
	Use:   "nightly",
	Short: "Run one partition create-ahead/archive/drop pass and exit (C2)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		blobStore, err := partition.NewFileBlobStore(cfg.Partition.BlobDir)
		if err != nil {
			return fmt.Errorf("init blob store: %w", err)
		}

		mgr := partition.NewManager(store, events.NewBroker(), blobStore, cfg.Partition.CreateAheadDays, cfg.Partition.RetentionDays)
		if err := mgr.RunOnce(cmd.Context()); err != nil {
			return fmt.Errorf("nightly run: %w", err)
		}
		fmt.Println("nightly partition pass complete")
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one DeviceLastStatus reconciliation pass and exit (C8)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		rec := reconciler.NewReconciler(store, events.NewBroker())
		result, err := rec.RunOnce()
		if err != nil {
			return fmt.Errorf("reconciliation run: %w", err)
		}
		fmt.Printf("reconciliation complete: scanned=%d fixed=%d skipped=%t\n", result.Scanned, result.Fixed, result.Skipped)
		return nil
	},
}
