package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/genpipe/internal/backend"
	"github.com/hochfrequenz/genpipe/internal/batchstore"
	"github.com/hochfrequenz/genpipe/internal/config"
	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/hochfrequenz/genpipe/internal/executor"
	"github.com/hochfrequenz/genpipe/internal/notify"
	"github.com/hochfrequenz/genpipe/internal/observer"
	"github.com/hochfrequenz/genpipe/internal/pipeline"
	"github.com/hochfrequenz/genpipe/internal/report"
	"github.com/hochfrequenz/genpipe/internal/scheduler"
	"github.com/hochfrequenz/genpipe/internal/updater"
	"github.com/hochfrequenz/genpipe/internal/workspace"
	"github.com/hochfrequenz/genpipe/tui"
)

var (
	runName       string
	runParams     []string
	runConcurrent int
	listStatus    string
	listPipeline  string
	validateWatch bool
	updateCheck   bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run PIPELINE",
		Short: "Run a pipeline as a new batch",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runName, "name", "", "batch name (default: pipeline name plus timestamp)")
	runCmd.Flags().StringArrayVar(&runParams, "param", nil, "batch parameter as key=value (repeatable)")
	runCmd.Flags().IntVar(&runConcurrent, "max-concurrent", 0, "concurrent phases per stage (default from config)")
	rootCmd.AddCommand(runCmd)

	// resume command
	resumeCmd := &cobra.Command{
		Use:   "resume BATCH",
		Short: "Resume an interrupted or failed batch",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	rootCmd.AddCommand(resumeCmd)

	// abort command
	abortCmd := &cobra.Command{
		Use:   "abort BATCH",
		Short: "Abort a batch",
		Args:  cobra.ExactArgs(1),
		RunE:  runAbort,
	}
	rootCmd.AddCommand(abortCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [BATCH]",
		Short: "Show batch status",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listPipeline, "pipeline", "", "filter by pipeline")
	rootCmd.AddCommand(listCmd)

	// validate command
	validateCmd := &cobra.Command{
		Use:   "validate PIPELINE",
		Short: "Check a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	validateCmd.Flags().BoolVar(&validateWatch, "watch", false, "revalidate whenever pipeline files change")
	rootCmd.AddCommand(validateCmd)

	// report command
	reportCmd := &cobra.Command{
		Use:   "report BATCH",
		Short: "Write the markdown report for a batch",
		Args:  cobra.ExactArgs(1),
		RunE:  runReport,
	}
	rootCmd.AddCommand(reportCmd)

	// init command
	initCmd := &cobra.Command{
		Use:   "init DIR",
		Short: "Scaffold a new pipeline directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)

	// update command
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Update genpipe to the latest release",
		RunE:  runUpdate,
	}
	updateCmd.Flags().BoolVar(&updateCheck, "check", false, "check for a new release without installing")
	rootCmd.AddCommand(updateCmd)

	// version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the genpipe version",
		RunE:  runVersion,
	}
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func openStore(cfg *config.Config) (*batchstore.Store, error) {
	return batchstore.New(cfg.General.DatabasePath)
}

// resolvePipelineDir maps a pipeline reference to the directory it
// loads from. A reference that exists as a directory wins; anything
// else resolves under the configured pipeline dir.
func resolvePipelineDir(cfg *config.Config, ref string) string {
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		return ref
	}
	return filepath.Join(cfg.General.PipelineDir, ref)
}

func pipelineLoader(cfg *config.Config) func(string) (*pipeline.Pipeline, error) {
	return func(name string) (*pipeline.Pipeline, error) {
		return pipeline.Load(resolvePipelineDir(cfg, name))
	}
}

// newNotifier assembles the notification fan-out from config
func newNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

// newRunOrchestrator wires the full execution stack around an already
// built backend adapter
func newRunOrchestrator(cfg *config.Config, store *batchstore.Store, adapter backend.Adapter, notifier notify.Notifier) *executor.Orchestrator {
	return executor.NewOrchestrator(executor.Options{
		Store:               store,
		Workspace:           workspace.New(cfg.General.DataDir),
		Backend:             adapter,
		Notifier:            notifier,
		Generation:          cfg.Backend,
		Repair:              cfg.Repair,
		MaxConcurrentPhases: cfg.Executor.MaxConcurrentPhases,
		LoadPipeline:        pipelineLoader(cfg),
	})
}

// newStatusOrchestrator wires enough of the stack for commands that
// only read. It has no backend and must never drive a run.
func newStatusOrchestrator(cfg *config.Config, store *batchstore.Store) *executor.Orchestrator {
	return executor.NewOrchestrator(executor.Options{
		Store:        store,
		Workspace:    workspace.New(cfg.General.DataDir),
		LoadPipeline: pipelineLoader(cfg),
	})
}

// signalContext returns a context canceled by SIGINT or SIGTERM. The
// executor records interrupted batches as paused, so Ctrl-C is the
// supported way to stop a foreground run.
func signalContext(onSignal string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			if onSignal != "" {
				fmt.Println("\n" + onSignal)
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// parseParams turns repeated key=value flags into a params map
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

// finishRun prints the outcome of a driven batch, writes the report
// for terminal outcomes, and maps a failed batch to a non-zero exit
func finishRun(cfg *config.Config, store *batchstore.Store, res *domain.BatchResult) error {
	succeeded, failed, skipped, pending := res.Counts()
	fmt.Printf("\nBatch %s %s: %d succeeded, %d failed, %d skipped", res.Name, res.Status, succeeded, failed, skipped)
	if pending > 0 {
		fmt.Printf(", %d not run", pending)
	}
	fmt.Println()

	for _, st := range res.Stages {
		for _, ph := range st.Phases {
			if ph.Err == nil {
				continue
			}
			fmt.Printf("  %s: %s\n", ph.Key, ph.Err.Message)
		}
	}

	if res.Status.Terminal() {
		batch, err := store.FindBatch(res.BatchID)
		if err != nil {
			return err
		}
		events, err := store.Events(res.BatchID)
		if err != nil {
			return err
		}
		path, err := report.Write(workspace.New(cfg.General.DataDir), batch, res, events)
		if err != nil {
			return err
		}
		fmt.Printf("Report: %s\n", path)
	}

	switch res.Status {
	case domain.BatchPaused:
		fmt.Printf("Resume with 'genpipe resume %s'\n", res.Name)
	case domain.BatchFailed:
		return fmt.Errorf("batch %s failed", res.Name)
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runConcurrent > 0 {
		cfg.Executor.MaxConcurrentPhases = runConcurrent
	}
	params, err := parseParams(runParams)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signalContext("Pausing batch...")
	defer cancel()

	adapter, err := backend.New(ctx, cfg.Backend)
	if err != nil {
		return err
	}
	orch := newRunOrchestrator(cfg, store, adapter, newNotifier(cfg))

	res, err := orch.Run(ctx, executor.RunOptions{
		Pipeline: args[0],
		Name:     runName,
		Params:   params,
	})
	if err != nil {
		return err
	}
	return finishRun(cfg, store, res)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signalContext("Pausing batch...")
	defer cancel()

	adapter, err := backend.New(ctx, cfg.Backend)
	if err != nil {
		return err
	}
	orch := newRunOrchestrator(cfg, store, adapter, newNotifier(cfg))

	res, err := orch.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	return finishRun(cfg, store, res)
}

func runAbort(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	batch, err := store.FindBatch(args[0])
	if err != nil {
		return err
	}
	orch := newStatusOrchestrator(cfg, store)
	if err := orch.Abort(batch.ID); err != nil {
		return err
	}
	fmt.Printf("Batch %s aborted\n", batch.Name)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 0 {
		batches, err := store.ListBatches(batchstore.ListOptions{})
		if err != nil {
			return err
		}
		counts := make(map[domain.BatchStatus]int)
		for _, b := range batches {
			counts[b.Status]++
		}
		fmt.Printf("Batches: %d total | %d pending | %d running | %d paused | %d completed | %d failed | %d aborted\n",
			len(batches), counts[domain.BatchPending], counts[domain.BatchRunning],
			counts[domain.BatchPaused], counts[domain.BatchCompleted],
			counts[domain.BatchFailed], counts[domain.BatchAborted])
		return nil
	}

	orch := newStatusOrchestrator(cfg, store)
	res, err := orch.Status(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Batch %s: %s\n", res.Name, res.Status)
	if res.StartedAt != nil && res.CompletedAt != nil {
		fmt.Printf("Ran %s\n", res.CompletedAt.Sub(*res.StartedAt).Round(time.Second))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tPHASE\tSTATUS\tATT\tREP\tOUTPUT")
	for _, st := range res.Stages {
		for _, ph := range st.Phases {
			output := ph.OutputPtr
			if output == "" {
				output = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				st.Stage, ph.Key.Phase, ph.Status, ph.Attempts, ph.Repairs, output)
		}
	}
	w.Flush()

	for _, st := range res.Stages {
		for _, ph := range st.Phases {
			if ph.Err == nil {
				continue
			}
			fmt.Printf("\n%s: [%s] %s\n", ph.Key, ph.Err.Code, ph.Err.Message)
			for _, ve := range ph.Err.Validation {
				fmt.Printf("  - %s\n", ve)
			}
		}
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	batches, err := store.ListBatches(batchstore.ListOptions{
		Status:   domain.BatchStatus(listStatus),
		Pipeline: listPipeline,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPIPELINE\tSTATUS\tCREATED\tID")
	for _, b := range batches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			b.Name, b.Pipeline, b.Status, humanize.Time(b.CreatedAt), b.ID)
	}
	w.Flush()

	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	check := func() error {
		pl, err := pipeline.Load(resolvePipelineDir(cfg, args[0]))
		if err != nil {
			return err
		}
		if err := pl.Validate(); err != nil {
			return err
		}
		order, err := scheduler.StageOrder(pl.EnabledStages())
		if err != nil {
			return err
		}
		if err := scheduler.ValidatePhaseGraph(order); err != nil {
			return err
		}
		phases := 0
		for _, s := range order {
			phases += len(s.Phases)
		}
		fmt.Printf("Pipeline %s ok: %d stages, %d phases\n", pl.Name, len(order), phases)
		return nil
	}

	if !validateWatch {
		return check()
	}

	if err := check(); err != nil {
		fmt.Println(err)
	}

	watcher, err := observer.NewWatcher(func(dir string, files []string) {
		fmt.Printf("%d files changed, revalidating\n", len(files))
		if err := check(); err != nil {
			fmt.Println(err)
		}
	})
	if err != nil {
		return err
	}
	dir := resolvePipelineDir(cfg, args[0])
	if err := watcher.AddPipeline(dir); err != nil {
		return err
	}

	ctx, cancel := signalContext("")
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	fmt.Printf("Watching %s, Ctrl-C to stop\n", dir)
	<-ctx.Done()
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	batch, err := store.FindBatch(args[0])
	if err != nil {
		return err
	}
	orch := newStatusOrchestrator(cfg, store)
	res, err := orch.Status(batch.ID)
	if err != nil {
		return err
	}
	events, err := store.Events(batch.ID)
	if err != nil {
		return err
	}

	path, err := report.Write(workspace.New(cfg.General.DataDir), batch, res, events)
	if err != nil {
		return err
	}
	fmt.Printf("Report written to %s\n", path)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := pipeline.Scaffold(args[0]); err != nil {
		return err
	}
	fmt.Printf("Scaffolded pipeline in %s\n", args[0])
	fmt.Println("Edit the stage directories, then try 'genpipe validate' and 'genpipe run'.")
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// The dashboard drives abort and resume through the orchestrator.
	// Without a working backend it still opens, read-only.
	var ctrl tui.Controller
	if adapter, err := backend.New(cmd.Context(), cfg.Backend); err == nil {
		ctrl = newRunOrchestrator(cfg, store, adapter, newNotifier(cfg))
	} else {
		fmt.Printf("Backend unavailable, dashboard is read-only: %v\n", err)
	}

	model := tui.NewModel(tui.ModelConfig{
		Store:      store,
		Controller: ctrl,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	latest, err := updater.CheckLatestVersion(ctx)
	if err != nil {
		return fmt.Errorf("checking latest release: %w", err)
	}
	if !updater.NeedsUpdate(version, latest) {
		fmt.Printf("genpipe %s is up to date\n", version)
		return nil
	}

	fmt.Printf("Update available: %s -> %s\n", version, latest)
	if updateCheck {
		return nil
	}
	if err := updater.SelfUpdate(ctx, latest); err != nil {
		return err
	}
	fmt.Printf("Updated to %s\n", latest)
	return nil
}

func runVersion(cmd *cobra.Command, args []string) error {
	fmt.Printf("genpipe %s\n", version)
	return nil
}
