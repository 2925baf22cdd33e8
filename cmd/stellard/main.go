package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/stellarstack/daemon/pkg/log"
	"github.com/stellarstack/daemon/pkg/manager"
	"github.com/stellarstack/daemon/pkg/metrics"
	"github.com/stellarstack/daemon/pkg/panel"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "stellard",
	Short:   "Node-local game server control-plane daemon",
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon: bootstrap supervisors and reconcile forever",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("panel-url")
		tokenID, _ := cmd.Flags().GetString("panel-token-id")
		token, _ := cmd.Flags().GetString("panel-token")
		dataDirRoot, _ := cmd.Flags().GetString("data-dir")
		tmpDir, _ := cmd.Flags().GetString("tmp-dir")
		backupDirRoot, _ := cmd.Flags().GetString("backup-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		redisAddr, _ := cmd.Flags().GetString("redis-addr")

		if baseURL == "" || tokenID == "" || token == "" {
			return fmt.Errorf("--panel-url, --panel-token-id and --panel-token are required")
		}

		panelClient, err := panel.New(panel.Config{
			BaseURL: baseURL,
			TokenID: tokenID,
			Token:   token,
		}, log.WithComponent("panel"))
		if err != nil {
			return fmt.Errorf("constructing panel client: %w", err)
		}

		docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("constructing docker client: %w", err)
		}
		defer docker.Close()

		mgr := manager.New(manager.Config{
			DataDirRoot:   dataDirRoot,
			TmpDir:        tmpDir,
			BackupDirRoot: backupDirRoot,
			RedisEnabled:  redisAddr != "",
			RedisPrefix:   "stellard",
			RedisAddr:     redisAddr,
		}, docker, panelClient, log.Logger)

		ctx := context.Background()
		log.Info("bootstrapping supervisors")
		if err := mgr.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		log.Info(fmt.Sprintf("bootstrap complete, supervising %d workloads", mgr.Count()))

		mgr.StartReconciling()

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf("metrics server error", err)
			}
		}()
		fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Println("stellard is running, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		mgr.Shutdown(shutdownCtx)

		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().String("panel-url", "", "Base URL of the panel's remote API")
	runCmd.Flags().String("panel-token-id", "", "Panel API token ID")
	runCmd.Flags().String("panel-token", "", "Panel API token")
	runCmd.Flags().String("data-dir", "/var/lib/stellard/workloads", "Root directory for workload data directories")
	runCmd.Flags().String("tmp-dir", "/var/lib/stellard/tmp", "Scratch directory for installer runs")
	runCmd.Flags().String("backup-dir", "/var/lib/stellard/backups", "Root directory for workload backup archives")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics on")
	runCmd.Flags().String("redis-addr", "", "Optional Redis address for the state store")
}
