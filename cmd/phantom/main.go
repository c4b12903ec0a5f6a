package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/epli2/phantom/internal/config"
	"github.com/epli2/phantom/pkg/capture"
	"github.com/epli2/phantom/pkg/cert"
	"github.com/epli2/phantom/pkg/logger"
	"github.com/epli2/phantom/pkg/storage"
	"github.com/epli2/phantom/pkg/trace"
	"github.com/epli2/phantom/pkg/tui"
)

const version = "0.1.0"

var (
	backendName string
	outputMode  string
	port        int
	dataDir     string
	agentLib    string
	debug       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "phantom [flags] [-- <command> [args...]]",
		Short: "Phantom - zero-instrumentation API observability",
		Long: `Phantom records the HTTP/HTTPS traffic of an application without
touching its code: either through a local MITM proxy the application is
pointed at, or by injecting a capture agent into a target process via
LD_PRELOAD. Captured traces are stored locally and browsed in an
interactive terminal viewer or streamed as line-delimited JSON.

Examples:
  # Proxy backend with the interactive viewer
  phantom

  # Proxy on a custom port, machine-readable output
  phantom -p 9090 -o jsonl

  # Trace a specific process via LD_PRELOAD (Linux)
  phantom -b ldpreload --agent-lib ./libphantom_agent.so -- curl http://httpbin.org/get`,
		Version: version,
		Args:    cobra.ArbitraryArgs,
		RunE:    runPhantom,
		// main prints the single diagnostic line itself.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.Flags().StringVarP(&backendName, "backend", "b", string(config.BackendProxy), "Capture backend: proxy, ldpreload")
	rootCmd.Flags().StringVarP(&outputMode, "output", "o", string(config.OutputTUI), "Output mode: tui, jsonl")
	rootCmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "TCP port for the proxy backend")
	rootCmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "Directory for trace storage (default: OS user data dir)")
	rootCmd.Flags().StringVar(&agentLib, "agent-lib", "", "Agent shared library to preload (required for ldpreload)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runPhantom(cmd *cobra.Command, args []string) error {
	cfg := &config.Config{
		Backend: config.Backend(backendName),
		Output:  config.Output(outputMode),
		Port:    port,
		DataDir: dataDir,
		Debug:   debug,
	}
	if len(args) > 0 {
		cfg.Command = args[0]
		cfg.CommandArgs = args[1:]
	}

	fileConfig, err := config.LoadConfigFile(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	cfg.MergeWithFileConfig(fileConfig)

	if err := validateConfig(cfg); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Debug: cfg.Debug, Pretty: true}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := logger.WithComponent("main")

	if cfg.DataDir == "" {
		cfg.DataDir = config.DataDir()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.Open(filepath.Join(cfg.DataDir, "traces"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	var (
		backend trace.CaptureBackend
		traces  <-chan *trace.HttpTrace
		mysql   <-chan *trace.MysqlTrace
		runner  *capture.TargetRunner
	)

	switch cfg.Backend {
	case config.BackendProxy:
		ca, err := cert.NewCA(filepath.Join(cfg.DataDir, "ca"))
		if err != nil {
			return fmt.Errorf("failed to initialize CA: %w", err)
		}
		proxy := capture.NewProxyBackend(cfg.Port, ca)
		backend = proxy
		traces, err = proxy.Start()
		if err != nil {
			return err
		}
		log.Info().Int("port", cfg.Port).Str("ca", ca.CACertPath()).Msg("proxy backend started")

	case config.BackendLdPreload:
		cfg.SocketPath = cfg.DefaultSocketPath()
		ldpreload := capture.NewLdPreloadBackend(cfg.SocketPath)
		backend = ldpreload
		traces, mysql, err = ldpreload.StartMysqlAware()
		if err != nil {
			return err
		}
		runner = capture.NewTargetRunner(cfg.AgentLib, cfg.SocketPath, cfg.Command, cfg.CommandArgs)
	}
	defer func() {
		if err := backend.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop capture backend")
		}
	}()

	if runner != nil {
		// A spawn failure is a startup failure: report it and exit non-zero
		// before any UI runs.
		if err := runner.Start(); err != nil {
			return err
		}
		defer runner.Stop()
		go func() {
			if err := runner.Wait(); err != nil {
				log.Warn().Err(err).Msg("target process exited with error")
			}
		}()
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("traces stored locally")

	if cfg.Output == config.OutputJSONL {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return tui.RunJSONL(ctx, os.Stdout, store, store.Mysql(), traces, mysql)
	}

	return tui.Run(store, store.Mysql(), traces, mysql, backend.Name())
}

// validateConfig rejects inconsistent flag combinations before any
// resources are opened.
func validateConfig(cfg *config.Config) error {
	switch cfg.Backend {
	case config.BackendProxy, config.BackendLdPreload:
	default:
		return fmt.Errorf("invalid backend %q, must be one of: proxy, ldpreload", cfg.Backend)
	}

	switch cfg.Output {
	case config.OutputTUI, config.OutputJSONL:
	default:
		return fmt.Errorf("invalid output %q, must be one of: tui, jsonl", cfg.Output)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if cfg.Backend == config.BackendLdPreload {
		if cfg.AgentLib == "" {
			return fmt.Errorf("--agent-lib is required for the ldpreload backend")
		}
		if _, err := os.Stat(cfg.AgentLib); err != nil {
			return fmt.Errorf("agent library %s: %w", cfg.AgentLib, err)
		}
		if cfg.Command == "" {
			return fmt.Errorf("a target command is required for the ldpreload backend (phantom -b ldpreload --agent-lib ... -- <command>)")
		}
	}

	return nil
}
