package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/genpipe/internal/backend"
	"github.com/hochfrequenz/genpipe/internal/config"
	"github.com/hochfrequenz/genpipe/internal/genworker"
)

var (
	configPath string
	servers    []string
	workerName string
	maxJobs    int
	token      string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "genpipe-worker",
		Short: "Generation worker that serves one or more genpipe coordinators",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringArrayVar(&servers, "server", nil, "Coordinator websocket URL (repeatable)")
	rootCmd.Flags().StringVar(&workerName, "name", "", "Worker name (default: hostname)")
	rootCmd.Flags().IntVar(&maxJobs, "jobs", 2, "Maximum concurrent generation jobs")
	rootCmd.Flags().StringVar(&token, "token", "", "Registration token")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Verbose connection logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Config defines the genpipe-worker configuration file format. The
// backend section matches the main config file, so a worker can share
// a machine's existing backend settings by copy.
type Config struct {
	Server struct {
		URLs  []string `toml:"urls"`
		Token string   `toml:"token"`
	} `toml:"server"`
	Worker struct {
		Name    string `toml:"name"`
		MaxJobs int    `toml:"max_jobs"`
	} `toml:"worker"`
	Backend config.BackendConfig `toml:"backend"`
}

// Default config file locations, checked in order
var defaultConfigPaths = []string{
	"/etc/genpipe-worker/config.toml",
	"/etc/genpipe-worker.toml",
}

func run(cmd *cobra.Command, args []string) error {
	cfg := Config{Backend: config.Default().Backend}

	cfgPath := configPath
	if cfgPath == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				cfgPath = p
				break
			}
		}
	}
	if cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return fmt.Errorf("reading config %s: %w", cfgPath, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", cfgPath, err)
		}
		fmt.Printf("Loaded config from %s\n", cfgPath)
	}

	// Flags override the config file
	if len(servers) > 0 {
		cfg.Server.URLs = servers
	}
	if workerName != "" {
		cfg.Worker.Name = workerName
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Worker.MaxJobs = maxJobs
	}
	if token != "" {
		cfg.Server.Token = token
	}

	if len(cfg.Server.URLs) == 0 {
		return fmt.Errorf("no coordinator configured; pass --server or set [server] urls")
	}
	if cfg.Worker.MaxJobs == 0 {
		cfg.Worker.MaxJobs = 2
	}
	if cfg.Worker.Name == "" {
		hostname, _ := os.Hostname()
		cfg.Worker.Name = hostname
	}

	adapter, err := backend.New(context.Background(), cfg.Backend)
	if err != nil {
		return fmt.Errorf("building backend: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if len(cfg.Server.URLs) == 1 {
		worker, err := genworker.NewWorker(genworker.Config{
			ServerURL: cfg.Server.URLs[0],
			Name:      cfg.Worker.Name,
			Token:     cfg.Server.Token,
			MaxJobs:   cfg.Worker.MaxJobs,
			Debug:     debug,
		}, adapter)
		if err != nil {
			return fmt.Errorf("creating worker: %w", err)
		}

		go func() {
			<-sigCh
			fmt.Println("\nShutting down...")
			worker.Stop()
		}()

		fmt.Printf("Starting worker %s for %s (backend=%s, max_jobs=%d)\n",
			cfg.Worker.Name, cfg.Server.URLs[0], adapter.Name(), cfg.Worker.MaxJobs)
		return worker.RunWithReconnect()
	}

	multi, err := genworker.NewMultiClient(genworker.MultiConfig{
		Servers: serverConfigs(cfg.Server.URLs),
		Name:    cfg.Worker.Name,
		Token:   cfg.Server.Token,
		MaxJobs: cfg.Worker.MaxJobs,
		Debug:   debug,
	}, adapter)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		multi.Stop()
	}()

	fmt.Printf("Starting worker %s for %d coordinators (backend=%s, max_jobs=%d)\n",
		cfg.Worker.Name, len(cfg.Server.URLs), adapter.Name(), cfg.Worker.MaxJobs)
	return multi.Run()
}

func serverConfigs(urls []string) []genworker.ServerConfig {
	out := make([]genworker.ServerConfig, 0, len(urls))
	for _, u := range urls {
		out = append(out, genworker.ServerConfig{URL: u})
	}
	return out
}
