package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/awcp/pkg/admission"
	"github.com/cuemby/awcp/pkg/api"
	"github.com/cuemby/awcp/pkg/config"
	"github.com/cuemby/awcp/pkg/delegator"
	"github.com/cuemby/awcp/pkg/environment"
	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/metrics"
	"github.com/cuemby/awcp/pkg/store"
	"github.com/cuemby/awcp/pkg/sweep"
	"github.com/cuemby/awcp/pkg/transport"
)

var (
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
	Use:     "awcp-delegator",
	Short:   "AWCP Delegator daemon",
	Long:    `awcp-delegator runs the Delegator side of the Agent Workspace Collaboration Protocol: it builds bounded workspace views, invites an executor, and drives a delegation through to completion.`,
	Version: Version,
	RunE:    runDelegator,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("awcp-delegator version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.Flags().String("bind-addr", "", "Override bindAddr from config")
	rootCmd.Flags().String("data-dir", "", "Override dataDir from config")
	rootCmd.Flags().String("log-level", "", "Override logLevel from config")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func runDelegator(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		cfg.LogJSON = v
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("delegator")

	admissionCtl := admission.NewController(admission.Limits{
		MaxTotalBytes:  cfg.AdmissionMaxBytes,
		MaxFiles:       cfg.AdmissionMaxFiles,
		MaxFileBytes:   cfg.AdmissionMaxFileBytes,
		SensitiveGlobs: cfg.AdmissionSensitiveGlobs,
		IgnorePath:     cfg.AwcpIgnorePath,
	})

	envMgr, err := environment.NewManager(filepath.Join(cfg.DataDir, "environments"))
	if err != nil {
		return fmt.Errorf("opening environment manager: %w", err)
	}
	delegationStore, err := store.NewDelegationStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening delegation store: %w", err)
	}
	snapshotStore, err := store.NewSnapshotStore(filepath.Join(cfg.DataDir, "snapshots"))
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}

	transports := transport.NewDelegatorRegistry(
		transport.NewArchiveDelegator(8*1024*1024, 4*1024*1024),
		transport.MountDelegator{},
		transport.StorageDelegator{},
		transport.BranchDelegator{},
	)

	svc := delegator.NewService(delegator.Config{
		Admission:       admissionCtl,
		Environment:     envMgr,
		DelegationStore: delegationStore,
		SnapshotStore:   snapshotStore,
		Transports:      transports,
		NewClient: func(executorURL string) *delegator.Client {
			return delegator.NewClient(delegator.ClientConfig{
				BaseURL:        executorURL,
				ControlTimeout: cfg.ControlTimeout,
				HandleTimeout:  cfg.HandleTimeout,
			})
		},
		DefaultTTLSeconds: cfg.DefaultTTLSeconds,
		MaxTTLSeconds:     cfg.MaxTTLSeconds,
	})

	// Crash recovery (spec §4.10): reload persisted delegations and reclaim
	// any environment root not backed by one.
	existing, err := delegationStore.LoadAll()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load persisted delegations")
	}
	var knownIDs []string
	for _, d := range existing {
		svc.Restore(d)
		knownIDs = append(knownIDs, d.ID)
	}
	if err := envMgr.CleanupStale(knownIDs); err != nil {
		logger.Warn().Err(err).Msg("failed to clean up stale environment roots")
	}
	logger.Info().Int("recovered", len(existing)).Msg("crash recovery complete")

	sweeper := &sweep.Delegator{
		Source:    svc,
		Store:     delegationStore,
		Snapshots: snapshotStore,
		Env:       envMgr,
		Transport: transports,
		Retention: cfg.RetentionWindow,
		Interval:  cfg.SweepInterval,
	}
	sweeper.Start()

	reg := metrics.NewRegistry()
	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "ready")
	metrics.RegisterComponent("transport", true, "ready")

	server := api.NewDelegatorServer(svc, api.NewPrometheusRegistry(reg))
	httpServer := server.NewServer(cfg.BindAddr)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("delegator listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	sweeper.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown did not complete cleanly")
	}
	return nil
}
