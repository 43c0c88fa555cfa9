// Command scheduler runs the fair-share scheduler daemon: it opens
// and bootstraps the replicated master store, builds the fair-share
// strategy from the configured trees, and serves the control-plane
// HTTP API until an interrupt or SIGTERM arrives.
//
// Grounded on the teacher's `warren cluster init` command
// (cuemby-warren/cmd/warren/main.go's clusterInitCmd): bootstrap the
// store, start the background subsystems, start the HTTP server, then
// block on a signal channel and shut everything down in reverse
// order.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterforge/scheduler/pkg/api"
	"github.com/clusterforge/scheduler/pkg/config"
	"github.com/clusterforge/scheduler/pkg/log"
	"github.com/clusterforge/scheduler/pkg/master"
	"github.com/clusterforge/scheduler/pkg/scheduler"
	"github.com/clusterforge/scheduler/pkg/strategy"
	"github.com/clusterforge/scheduler/pkg/tagfilter"
	"github.com/clusterforge/scheduler/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scheduler",
	Short:   "Distributed fair-share hierarchical job scheduler",
	Version: Version,
	RunE:    runScheduler,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("scheduler version %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("config", "", "Path to the TOML config file (tunables fall back to built-in defaults if omitted)")
	rootCmd.Flags().String("node-id", "scheduler-1", "Unique node ID for this master replica")
	rootCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft peer communication")
	rootCmd.Flags().String("data-dir", "./scheduler-data", "Data directory for the replicated master store")
	rootCmd.Flags().String("api-addr", "", "Address for the HTTP control plane (overrides the config file's api_addr if set)")
	rootCmd.Flags().Bool("log-json", false, "Emit logs as JSON instead of console-formatted")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file if set")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	apiAddrFlag, _ := cmd.Flags().GetString("api-addr")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	logLevelFlag, _ := cmd.Flags().GetString("log-level")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if apiAddrFlag != "" {
		cfg.APIAddr = apiAddrFlag
	}
	if logLevelFlag != "" {
		cfg.LoggingConfig.Level = logLevelFlag
	}
	if logJSON {
		cfg.LoggingConfig.JSONOutput = true
	}
	cfg.Logging = log.Config{Level: log.Level(cfg.LoggingConfig.Level), JSONOutput: cfg.LoggingConfig.JSONOutput}
	log.Init(cfg.Logging)

	specs, err := treeSpecs(cfg.Trees)
	if err != nil {
		return fmt.Errorf("build tree specs: %w", err)
	}

	logger := log.WithComponent("cmd/scheduler")
	logger.Info().Str("node_id", nodeID).Str("data_dir", dataDir).Msg("opening master store")

	m, err := master.NewManager(master.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir,
	})
	if err != nil {
		return fmt.Errorf("create master: %w", err)
	}
	if err := m.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap master: %w", err)
	}
	logger.Info().Msg("master bootstrapped")

	cfgStore := config.NewStore(cfg)
	var stopWatch func()
	if configPath != "" {
		stopWatch = cfgStore.Watch(configPath, 5*time.Second)
	}

	sched := scheduler.New(cfgStore, m, specs, cfg.NodeShardCount)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	logger.Info().Msg("scheduler started")

	server := api.NewServer(sched, m)
	errCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      server.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.APIAddr).Msg("control plane listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("control plane failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if stopWatch != nil {
		stopWatch()
	}
	sched.Stop()
	if err := m.Close(); err != nil {
		logger.Warn().Err(err).Msg("error closing master store")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// treeSpecs compiles each configured tree's node-tag formula into a
// strategy.TreeSpec, matching the teacher's pattern of translating a
// flat config section into the structured type a subsystem consumes.
func treeSpecs(trees []config.TreeConfig) ([]strategy.TreeSpec, error) {
	specs := make([]strategy.TreeSpec, 0, len(trees))
	for _, t := range trees {
		filter := tagfilter.Empty
		if t.NodeFilter != "" {
			parsed, err := tagfilter.Parse(t.NodeFilter)
			if err != nil {
				return nil, fmt.Errorf("tree %q: %w", t.Name, err)
			}
			filter = parsed
		}
		specs = append(specs, strategy.TreeSpec{
			Name:       t.Name,
			RootPool:   types.PoolID(t.RootPool),
			NodeFilter: filter,
		})
	}
	return specs, nil
}
