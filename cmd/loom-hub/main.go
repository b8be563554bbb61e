package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/loom/pkg/hub"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/spawner"
	"github.com/cuemby/loom/pkg/types"
	"github.com/spf13/cobra"
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
	Use:     "loom-hub",
	Short:   "loom-hub coordinates a fleet of agents working one shared plan",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("work-dir", ".", "directory holding the plan file and pid file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs as JSON")
	rootCmd.PersistentFlags().String("kv-addr", "localhost:6379", "address of the coordination key-value store")
	rootCmd.PersistentFlags().String("http-addr", ":7420", "address the read-only status API listens on")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func buildConfig(cmd *cobra.Command) hub.Config {
	workDir, _ := cmd.Flags().GetString("work-dir")
	kvAddr, _ := cmd.Flags().GetString("kv-addr")
	httpAddr, _ := cmd.Flags().GetString("http-addr")

	cfg := hub.DefaultConfig(workDir)
	cfg.KVAddr = kvAddr
	cfg.HTTPAddr = httpAddr
	return cfg
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the hub daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHub(cmd, nil)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the hub daemon and spawn worker agents alongside it",
	RunE: func(cmd *cobra.Command, args []string) error {
		agentCount, _ := cmd.Flags().GetInt("agents")
		agentBinary, _ := cmd.Flags().GetString("agent-binary")
		return runHub(cmd, &fleetSpec{count: agentCount, binary: agentBinary})
	},
}

func init() {
	runCmd.Flags().Int("agents", 1, "number of worker agents to spawn alongside the hub")
	runCmd.Flags().String("agent-binary", "loom-agent", "path to the agent binary to spawn")
}

type fleetSpec struct {
	count  int
	binary string
}

func runHub(cmd *cobra.Command, fleet *fleetSpec) error {
	cfg := buildConfig(cmd)
	h, err := hub.New(cfg)
	if err != nil {
		return fmt.Errorf("construct hub: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	fmt.Println("hub started, work dir:", cfg.WorkDir)

	var procs []*spawner.Process
	if fleet != nil && fleet.count > 0 {
		sp := spawner.New(spawner.DefaultConfig(fleet.binary, cfg.KVAddr))
		for i := 0; i < fleet.count; i++ {
			p, err := sp.Spawn(ctx, types.AgentTypeWorker)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed spawning agent: %v\n", err)
				continue
			}
			procs = append(procs, p)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() { done <- h.Stop(shutdownCtx) }()

	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
			os.Exit(1)
		}
	case <-shutdownCtx.Done():
		fmt.Fprintln(os.Stderr, "shutdown timed out")
		os.Exit(2)
	}

	_ = procs
	fmt.Println("hub stopped")
	return nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "send a graceful shutdown signal to a running hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, _ := cmd.Flags().GetString("work-dir")
		pid, err := hub.PID(workDir)
		if err != nil {
			return fmt.Errorf("no running hub found in %s: %w", workDir, err)
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
		fmt.Printf("sent SIGTERM to hub pid %d\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "query the status of a running hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		httpAddr, _ := cmd.Flags().GetString("http-addr")
		client := http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get("http://" + hostPart(httpAddr) + "/status")
		if err != nil {
			return fmt.Errorf("query hub status: %w", err)
		}
		defer resp.Body.Close()

		var payload map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("decode status response: %w", err)
		}
		out, _ := json.MarshalIndent(payload, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

// hostPart turns a listen address like ":7420" into a loopback URL host,
// since the status command always queries the local hub.
func hostPart(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
