package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfleet/shepherd/pkg/api"
	"github.com/openfleet/shepherd/pkg/config"
	"github.com/openfleet/shepherd/pkg/log"
	"github.com/openfleet/shepherd/pkg/manager"
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
	Use:   "shepherd",
	Short: "Shepherd - fleet control plane for remote host agents",
	Long: `Shepherd is the control plane of a fleet management platform.

It mediates all traffic between operators and remote host agents through
a durable priority message queue, and coordinates multi-step operations
like parent host reboots with child workload shutdown and restart.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Shepherd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serverCmd.Flags().String("config", "shepherd.yaml", "path to config file")
	serverCmd.Flags().String("data-dir", "", "override storage.data_dir")
	serverCmd.Flags().String("listen", "", "override server listen address (host:port)")
	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the shepherd control-plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		listen, _ := cmd.Flags().GetString("listen")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %v", err)
		}
		if dataDir != "" {
			cfg.Storage.DataDir = dataDir
		}
		if listen != "" {
			host, port, err := splitHostPort(listen)
			if err != nil {
				return err
			}
			cfg.Server.Host = host
			cfg.Server.Port = port
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %v", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		logger := log.WithComponent("main")

		mgr, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %v", err)
		}
		mgr.Start()

		srv := api.New(mgr)
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()
		logger.Info().Str("addr", cfg.Server.Addr()).Str("version", Version).Msg("shepherd server running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP shutdown failed")
		}
		mgr.Stop()
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: bad port", addr)
	}
	return host, port, nil
}
