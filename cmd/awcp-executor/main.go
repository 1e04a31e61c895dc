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
	"github.com/cuemby/awcp/pkg/events"
	"github.com/cuemby/awcp/pkg/executor"
	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/metrics"
	"github.com/cuemby/awcp/pkg/protocol"
	"github.com/cuemby/awcp/pkg/store"
	"github.com/cuemby/awcp/pkg/sweep"
	"github.com/cuemby/awcp/pkg/transport"
	"github.com/cuemby/awcp/pkg/workspace"
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
	Use:     "awcp-executor",
	Short:   "AWCP Executor daemon",
	Long:    `awcp-executor runs the Executor side of the Agent Workspace Collaboration Protocol: it accepts an invitation into a bounded workspace view, runs a task against it, and streams status back to the delegator.`,
	Version: Version,
	RunE:    runExecutor,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("awcp-executor version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.Flags().String("bind-addr", "", "Override bindAddr from config")
	rootCmd.Flags().String("data-dir", "", "Override dataDir from config")
	rootCmd.Flags().String("log-level", "", "Override logLevel from config")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().Bool("require-auth", false, "Reject invitations that carry no Auth token")
}

func runExecutor(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFor(configPath, config.DefaultExecutorBindAddr)
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
	requireAuth, _ := cmd.Flags().GetBool("require-auth")

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("executor")

	workDir := filepath.Join(cfg.DataDir, "work")
	workspaceMgr, err := workspace.NewManager(workDir)
	if err != nil {
		return fmt.Errorf("opening workspace manager: %w", err)
	}
	assignmentStore, err := store.NewAssignmentStore(workDir)
	if err != nil {
		return fmt.Errorf("opening assignment store: %w", err)
	}

	policy := admission.NewExecutorPolicy(cfg.MaxConcurrentAssignments, cfg.MaxTTLSeconds, requireAuth)

	transports := transport.NewExecutorRegistry(
		transport.NewArchiveExecutor(),
		transport.MountExecutor{},
		transport.StorageExecutor{},
		transport.BranchExecutor{},
	)

	eventRegistry := events.NewRegistry()

	svc := executor.NewService(executor.Config{
		Policy:          policy,
		Workspace:       workspaceMgr,
		Store:           assignmentStore,
		Transports:      transports,
		Events:          eventRegistry,
		Task:            echoTask,
		CaptureSnapshot: true,
	})

	// Crash recovery (spec §4.10): reload persisted assignments and reclaim
	// any work directory not backed by one.
	existing, err := assignmentStore.LoadAll()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load persisted assignments")
	}
	var knownIDs []string
	for _, a := range existing {
		svc.Restore(a)
		knownIDs = append(knownIDs, a.ID)
	}
	if err := workspaceMgr.CleanupStale(knownIDs); err != nil {
		logger.Warn().Err(err).Msg("failed to clean up stale work directories")
	}
	logger.Info().Int("recovered", len(existing)).Msg("crash recovery complete")

	sweeper := &sweep.Executor{
		Source:        svc,
		Store:         assignmentStore,
		Transport:     transports,
		TransportKind: svc.TransportKindFor,
		Retention:     cfg.RetentionWindow,
		Interval:      cfg.SweepInterval,
	}
	sweeper.Start()

	reg := metrics.NewRegistry()
	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "ready")
	metrics.RegisterComponent("transport", true, "ready")

	server := api.NewExecutorServer(svc, api.NewPrometheusRegistry(reg))
	httpServer := server.NewServer(cfg.BindAddr)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("executor listening")
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

// echoTask is the daemon's built-in default TaskFunc, used when no
// deployment-specific task executor is plugged in. It runs no work beyond
// acknowledging the task against the materialized workspace view; real
// deployments are expected to replace it (spec.md §1 names the task
// executor as an out-of-scope plug-in point).
func echoTask(ctx context.Context, workPath string, task protocol.TaskDescriptor, env protocol.InviteEnvironment) (executor.TaskResult, error) {
	return executor.TaskResult{
		Summary: fmt.Sprintf("no task executor configured; received task %q against %s", task.Description, workPath),
	}, nil
}
