package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/genpipe/internal/backend"
	"github.com/hochfrequenz/genpipe/internal/batch"
	"github.com/hochfrequenz/genpipe/internal/config"
	"github.com/hochfrequenz/genpipe/internal/executor"
	"github.com/hochfrequenz/genpipe/internal/genpool"
	"github.com/hochfrequenz/genpipe/internal/notify"
	"github.com/hochfrequenz/genpipe/internal/observer"
	"github.com/hochfrequenz/genpipe/internal/pipeline"
	"github.com/hochfrequenz/genpipe/internal/workspace"
	"github.com/hochfrequenz/genpipe/web/api"
)

var (
	servePort     int
	serveSchedule string
	scheduleFile  string
	scheduleList  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the genpipe server: web UI, worker pool, pipeline watcher, cron schedule",
	RunE:  runServe,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run pipelines on a cron schedule in the foreground",
	RunE:  runSchedule,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "web UI port (default from config)")
	serveCmd.Flags().StringVar(&serveSchedule, "schedule", "", "schedule file (default: schedule.toml in the data dir)")
	rootCmd.AddCommand(serveCmd)

	scheduleCmd.Flags().StringVar(&scheduleFile, "file", "", "schedule file (default: schedule.toml in the data dir)")
	scheduleCmd.Flags().BoolVar(&scheduleList, "list", false, "print the entries and their next run instead of running")
	rootCmd.AddCommand(scheduleCmd)
}

func defaultSchedulePath(cfg *config.Config) string {
	return filepath.Join(cfg.General.DataDir, "schedule.toml")
}

// muteNotifier drops notifications for batches on its mute list and
// passes everything else through. The schedule loop mutes batches
// whose entry opted out of completion notifications.
type muteNotifier struct {
	inner notify.Notifier

	mu    sync.Mutex
	muted map[string]struct{}
}

func newMuteNotifier(inner notify.Notifier) *muteNotifier {
	return &muteNotifier{inner: inner, muted: make(map[string]struct{})}
}

func (m *muteNotifier) Mute(batch string) {
	m.mu.Lock()
	m.muted[batch] = struct{}{}
	m.mu.Unlock()
}

func (m *muteNotifier) Unmute(batch string) {
	m.mu.Lock()
	delete(m.muted, batch)
	m.mu.Unlock()
}

func (m *muteNotifier) Send(n notify.Notification) error {
	m.mu.Lock()
	_, muted := m.muted[n.Batch]
	m.mu.Unlock()
	if muted {
		return nil
	}
	return m.inner.Send(n)
}

// scheduledRunFunc adapts the orchestrator to the cron scheduler. Each
// trigger launches a fresh batch named after its entry.
func scheduledRunFunc(orch *executor.Orchestrator, mute *muteNotifier) batch.RunFunc {
	return func(ctx context.Context, entry batch.ScheduleEntry) error {
		name := fmt.Sprintf("%s-%s", entry.Name, time.Now().Format("20060102-150405"))
		if !entry.NotifyOnComplete {
			mute.Mute(name)
			defer mute.Unmute(name)
		}

		res, err := orch.Run(ctx, executor.RunOptions{
			Pipeline: entry.Pipeline,
			Name:     name,
			Params:   entry.Params,
		})
		if err != nil {
			return err
		}
		succeeded, failed, _, _ := res.Counts()
		log.Printf("scheduled batch %s %s: %d succeeded, %d failed", name, res.Status, succeeded, failed)
		return nil
	}
}

// buildServeBackend returns the adapter the orchestrator invokes
// through, plus the pool coordinator when the pool is enabled. With
// the pool on, generation jobs go to connected workers and drain to a
// local adapter when the fallback allows it.
func buildServeBackend(ctx context.Context, cfg *config.Config) (backend.Adapter, *genpool.Coordinator, error) {
	if !cfg.Pool.Enabled {
		if cfg.Backend.Kind == "pool" {
			return nil, nil, fmt.Errorf("backend kind %q needs [pool] enabled in config", cfg.Backend.Kind)
		}
		adapter, err := backend.New(ctx, cfg.Backend)
		if err != nil {
			return nil, nil, err
		}
		return adapter, nil, nil
	}

	registry := genpool.NewRegistry()

	var local genpool.LocalRunFunc
	if cfg.Pool.LocalFallback.Enabled {
		if cfg.Backend.Kind == "pool" {
			return nil, nil, fmt.Errorf("local fallback needs a concrete backend kind, not %q", cfg.Backend.Kind)
		}
		// One attempt per job here; the retry envelope around the pool
		// adapter below owns retries, and a requeued job may land on a
		// worker instead
		fbCfg := cfg.Backend
		fbCfg.MaxRetries = 0
		fallback, err := backend.New(ctx, fbCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("building local fallback backend: %w", err)
		}
		runner := genpool.NewLocalRunner(fallback, cfg.Pool.LocalFallback.MaxJobs, cfg.Backend.Timeout)
		local = runner.Run
	}

	dispatcher := genpool.NewDispatcher(registry, local)
	coord := genpool.NewCoordinator(genpool.CoordinatorConfig{
		WebSocketPort: cfg.Pool.WebSocketPort,
		Token:         cfg.Pool.Token,
	}, registry, dispatcher)

	adapter := &backend.Retry{
		Adapter:    genpool.NewBackend(dispatcher, cfg.Backend.Timeout),
		MaxRetries: cfg.Backend.MaxRetries,
		Delay:      cfg.Backend.RetryDelay,
	}
	return adapter, coord, nil
}

// newPipelineWatcher revalidates pipeline definitions as their files
// change. It handles both layouts: a pipeline dir that is itself one
// pipeline, and a dir of pipelines.
func newPipelineWatcher(cfg *config.Config) (*observer.Watcher, error) {
	watcher, err := observer.NewWatcher(func(dir string, files []string) {
		pl, err := pipeline.Load(dir)
		if err != nil {
			log.Printf("pipeline %s: %v", filepath.Base(dir), err)
			return
		}
		if err := pl.Validate(); err != nil {
			log.Printf("pipeline %s: %v", pl.Name, err)
			return
		}
		log.Printf("pipeline %s changed (%d files), definition ok", pl.Name, len(files))
	})
	if err != nil {
		return nil, err
	}

	root := cfg.General.PipelineDir
	if pl, err := pipeline.Load(root); err == nil && len(pl.Stages) > 0 {
		if err := watcher.AddPipeline(root); err != nil {
			log.Printf("watching %s: %v", root, err)
		}
		return watcher, nil
	}

	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return watcher, nil
	}
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if err := watcher.AddPipeline(dir); err != nil {
			log.Printf("watching %s: %v", dir, err)
		}
	}
	return watcher, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signalContext("Shutting down...")
	defer cancel()

	adapter, coord, err := buildServeBackend(ctx, cfg)
	if err != nil {
		return err
	}

	mute := newMuteNotifier(newNotifier(cfg))
	orch := newRunOrchestrator(cfg, store, adapter, mute)
	ws := workspace.New(cfg.General.DataDir)

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := api.NewServer(store, orch, addr)

	watcher, err := newPipelineWatcher(cfg)
	if err != nil {
		return err
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	schedPath := serveSchedule
	if schedPath == "" {
		schedPath = defaultSchedulePath(cfg)
	}
	scfg, err := batch.LoadScheduleConfig(schedPath)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Printf("Web UI listening at http://%s\n", addr)
		return server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Stop(shutCtx)
	})

	if coord != nil {
		fmt.Printf("Worker pool listening on :%d\n", cfg.Pool.WebSocketPort)
		g.Go(func() error { return coord.Start(ctx) })
		g.Go(func() error {
			<-ctx.Done()
			return coord.Stop()
		})
	}

	if len(scfg.Entries) > 0 {
		sched, err := batch.NewScheduler(scfg.Entries)
		if err != nil {
			return err
		}
		fmt.Printf("Schedule: %d entries from %s\n", len(scfg.Entries), schedPath)
		g.Go(func() error {
			sched.Start(ctx, scheduledRunFunc(orch, mute))
			return nil
		})
	}

	// Retention sweep over finished batches' scratch space
	g.Go(func() error {
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()
		for {
			if removed, err := ws.CleanupEphemeral(cfg.Executor.EphemeralRetention); err != nil {
				log.Printf("ephemeral cleanup: %v", err)
			} else if removed > 0 {
				log.Printf("ephemeral cleanup: removed %d batch planes", removed)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := scheduleFile
	if path == "" {
		path = defaultSchedulePath(cfg)
	}
	scfg, err := batch.LoadScheduleConfig(path)
	if err != nil {
		return err
	}
	if len(scfg.Entries) == 0 {
		return fmt.Errorf("no schedule entries in %s", path)
	}

	sched, err := batch.NewScheduler(scfg.Entries)
	if err != nil {
		return err
	}

	if scheduleList {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPIPELINE\tCRON\tNEXT RUN")
		for _, name := range sched.ListEntries() {
			entry, _ := sched.GetEntry(name)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				entry.Name, entry.Pipeline, entry.Cron, humanize.Time(sched.NextRun(name)))
		}
		w.Flush()
		return nil
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signalContext("Stopping schedule...")
	defer cancel()

	adapter, err := backend.New(ctx, cfg.Backend)
	if err != nil {
		return err
	}
	mute := newMuteNotifier(newNotifier(cfg))
	orch := newRunOrchestrator(cfg, store, adapter, mute)

	fmt.Printf("Running %d schedule entries from %s, Ctrl-C to stop\n", len(scfg.Entries), path)
	sched.Start(ctx, scheduledRunFunc(orch, mute))
	return nil
}
