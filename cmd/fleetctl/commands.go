package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/fleet-dispatch/internal/backend"
	"github.com/hochfrequenz/fleet-dispatch/internal/config"
	"github.com/hochfrequenz/fleet-dispatch/internal/dispatcher"
	"github.com/hochfrequenz/fleet-dispatch/internal/dispatchstore"
	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
	"github.com/hochfrequenz/fleet-dispatch/internal/events"
	"github.com/hochfrequenz/fleet-dispatch/internal/history"
	"github.com/hochfrequenz/fleet-dispatch/internal/monitor"
	"github.com/hochfrequenz/fleet-dispatch/internal/sweeper"
	"github.com/hochfrequenz/fleet-dispatch/tui"
	"github.com/hochfrequenz/fleet-dispatch/web/api"
	"github.com/spf13/cobra"
)

var (
	dispatchPrompt   string
	dispatchRepo     string
	dispatchMode     string
	dispatchBackend  string
	dispatchSysPrmpt string
	dispatchHTTPOnly bool
	dispatchWait     bool

	waitInterval time.Duration
	waitMaxPolls int

	finalizeSmoke bool

	sweepDaemon bool
	sweepMode   string

	serveAddr string

	pullApply bool
)

func init() {
	dispatchCmd := &cobra.Command{
		Use:   "dispatch TASK",
		Short: "Dispatch a task to a coding-agent backend",
		Args:  cobra.ExactArgs(1),
		RunE:  runDispatch,
	}
	dispatchCmd.Flags().StringVar(&dispatchPrompt, "prompt", "", "task prompt (required)")
	dispatchCmd.Flags().StringVar(&dispatchRepo, "repo", "", "target repository (required)")
	dispatchCmd.Flags().StringVar(&dispatchMode, "mode", "real", "dispatch mode: smoke, real, nightly")
	dispatchCmd.Flags().StringVar(&dispatchBackend, "backend", "", "preferred backend name")
	dispatchCmd.Flags().StringVar(&dispatchSysPrmpt, "system-prompt", "", "system prompt for the session")
	dispatchCmd.Flags().BoolVar(&dispatchHTTPOnly, "http-only", false, "never fall back to the cloud backend")
	dispatchCmd.Flags().BoolVar(&dispatchWait, "wait", false, "block until the dispatch completes")
	dispatchCmd.MarkFlagRequired("prompt")
	dispatchCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(dispatchCmd)

	statusCmd := &cobra.Command{
		Use:   "status [SESSION]",
		Short: "Show dispatch status, or all active dispatches",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	waitCmd := &cobra.Command{
		Use:   "wait SESSION",
		Short: "Wait for a dispatch to reach a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE:  runWait,
	}
	waitCmd.Flags().DurationVar(&waitInterval, "interval", 30*time.Second, "poll interval")
	waitCmd.Flags().IntVar(&waitMaxPolls, "max-polls", 60, "maximum status checks before giving up")
	rootCmd.AddCommand(waitCmd)

	continueCmd := &cobra.Command{
		Use:   "continue SESSION PROMPT",
		Short: "Send a follow-up prompt to a running session",
		Args:  cobra.ExactArgs(2),
		RunE:  runContinue,
	}
	rootCmd.AddCommand(continueCmd)

	abortCmd := &cobra.Command{
		Use:   "abort SESSION",
		Short: "Abort a running session",
		Args:  cobra.ExactArgs(1),
		RunE:  runAbort,
	}
	rootCmd.AddCommand(abortCmd)

	finalizeCmd := &cobra.Command{
		Use:   "finalize-pr SESSION",
		Short: "Commit, push, and open a PR for a session's work",
		Args:  cobra.ExactArgs(1),
		RunE:  runFinalizePR,
	}
	finalizeCmd.Flags().BoolVar(&finalizeSmoke, "smoke", false, "mark the PR as a smoke run")
	rootCmd.AddCommand(finalizeCmd)

	pullCmd := &cobra.Command{
		Use:   "pull SESSION",
		Short: "Pull a cloud session's changes into the local checkout",
		Args:  cobra.ExactArgs(1),
		RunE:  runPull,
	}
	pullCmd.Flags().BoolVar(&pullApply, "apply", false, "apply the changes instead of printing the diff")
	rootCmd.AddCommand(pullCmd)

	backendsCmd := &cobra.Command{
		Use:   "backends",
		Short: "Show configured backends and their health",
		RunE:  runBackends,
	}
	rootCmd.AddCommand(backendsCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a monitor sweep over active dispatches",
		RunE:  runSweep,
	}
	sweepCmd.Flags().BoolVar(&sweepDaemon, "daemon", false, "keep sweeping on the configured cron schedule")
	sweepCmd.Flags().StringVar(&sweepMode, "mode", "", "only sweep dispatches of this mode")
	rootCmd.AddCommand(sweepCmd)

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Archive and remove aged terminal dispatch records",
		RunE:  runGC,
	}
	rootCmd.AddCommand(gcCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only status API server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to web_addr from config)")
	rootCmd.AddCommand(serveCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Launch the live dispatch dashboard",
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// engine bundles the wired-up components most commands need
type engine struct {
	cfg        *config.Config
	store      *dispatchstore.Store
	registry   *backend.Registry
	monitor    *monitor.Monitor
	dispatcher *dispatcher.Dispatcher
	emitter    events.Emitter
}

func buildEngine() (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	registry, err := backend.Build(cfg)
	if err != nil {
		return nil, err
	}

	var emitter events.Emitter = events.NoopEmitter{}
	if cfg.General.EventBusURL != "" {
		emitter = events.NewBusEmitter(cfg.General.EventBusURL)
	}

	store := dispatchstore.New(cfg.General.StatePath)
	mon := monitor.New(cfg, store, registry, emitter)
	disp := dispatcher.New(dispatcher.Options{
		Config:   cfg,
		Store:    store,
		Registry: registry,
		Monitor:  mon,
		Emitter:  emitter,
	})

	return &engine{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		monitor:    mon,
		dispatcher: disp,
		emitter:    emitter,
	}, nil
}

func runDispatch(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	ctx := context.Background()
	res := eng.dispatcher.Dispatch(ctx, dispatcher.Request{
		TaskID:           args[0],
		Prompt:           dispatchPrompt,
		Repo:             dispatchRepo,
		Mode:             domain.Mode(dispatchMode),
		PreferredBackend: dispatchBackend,
		SystemPrompt:     dispatchSysPrmpt,
		HTTPOnly:         dispatchHTTPOnly,
	})

	if !res.OK {
		return fmt.Errorf("dispatch failed: %s [%s]", res.Message, res.FailureCode)
	}

	if res.WasDuplicate {
		fmt.Printf("Already running: session %s on %s (%s)\n", res.SessionID, res.BackendName, res.BackendType)
	} else {
		fmt.Printf("Dispatched: session %s on %s (%s)\n", res.SessionID, res.BackendName, res.BackendType)
		if res.Workspace != "" {
			fmt.Printf("Workspace: %s\n", res.Workspace)
		}
	}

	if dispatchWait {
		st := eng.dispatcher.WaitForCompletion(ctx, res.SessionID, waitInterval, waitMaxPolls)
		printStatus(res.SessionID, st)
		if st.Status != dispatcher.StatusCompleted {
			return fmt.Errorf("dispatch ended %s [%s]", st.Status, st.FailureCode)
		}
	}

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if len(args) == 1 {
		st := eng.dispatcher.GetStatus(ctx, args[0])
		printStatus(args[0], st)
		return nil
	}

	active, err := eng.store.ActiveDispatches()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		fmt.Println("No dispatches running")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTASK\tBACKEND\tREPO\tMODE\tAGE")
	for _, rec := range active {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0fm\n",
			rec.SessionID, rec.TaskID, rec.BackendName, rec.Repo, rec.Mode,
			time.Since(rec.StartedAt).Minutes())
	}
	w.Flush()

	return nil
}

func printStatus(sessionID string, st dispatcher.Status) {
	fmt.Printf("Session %s: %s\n", sessionID, st.Status)
	if st.PRURL != "" {
		fmt.Printf("PR: %s\n", st.PRURL)
	}
	if st.FailureCode != "" {
		fmt.Printf("Failure code: %s\n", st.FailureCode)
	}
	if st.Recommendation != "" {
		fmt.Printf("Recommendation: %s\n", st.Recommendation)
	}
}

func runWait(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	st := eng.dispatcher.WaitForCompletion(context.Background(), args[0], waitInterval, waitMaxPolls)
	printStatus(args[0], st)
	if st.Status != dispatcher.StatusCompleted {
		return fmt.Errorf("dispatch ended %s [%s]", st.Status, st.FailureCode)
	}
	return nil
}

func runContinue(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	if !eng.dispatcher.ContinueSession(context.Background(), args[0], args[1]) {
		return fmt.Errorf("session %s could not be continued", args[0])
	}
	fmt.Printf("Prompt sent to session %s\n", args[0])
	return nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	if !eng.dispatcher.AbortSession(context.Background(), args[0]) {
		return fmt.Errorf("session %s could not be aborted", args[0])
	}
	fmt.Printf("Abort requested for session %s\n", args[0])
	return nil
}

func runFinalizePR(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	prURL, failureCode := eng.dispatcher.FinalizePR(context.Background(), args[0], finalizeSmoke)
	switch {
	case failureCode != "":
		return fmt.Errorf("finalize failed [%s]", failureCode)
	case prURL == "":
		fmt.Println("Nothing to finalize")
	default:
		fmt.Printf("PR created: %s\n", prURL)
	}
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	rec, err := eng.store.FindBySessionID(args[0])
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no dispatch found for session %s", args[0])
	}

	b, ok := eng.registry.Get(rec.BackendName)
	if !ok {
		return fmt.Errorf("backend %s is no longer configured", rec.BackendName)
	}
	cloud, ok := b.(*backend.CloudCLI)
	if !ok {
		return fmt.Errorf("session %s runs on %s; pull only applies to cloud sessions", args[0], b.Type())
	}

	out, err := cloud.Pull(context.Background(), args[0], pullApply)
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Println(out)
	}
	return nil
}

func runBackends(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tENDPOINT\tHEALTH")
	for _, b := range eng.registry.All() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.Name(), b.Type(), b.Endpoint(), b.CheckHealth(ctx))
	}
	w.Flush()

	return nil
}

func openArchive(cfg *config.Config) *history.Archive {
	if cfg.General.ArchiveDB == "" {
		return nil
	}
	archive, err := history.New(cfg.General.ArchiveDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive unavailable: %v\n", err)
		return nil
	}
	return archive
}

func runSweep(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if !sweepDaemon {
		results, err := eng.monitor.MonitorAllActive(ctx, domain.Mode(sweepMode))
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No dispatches reached a terminal state")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%s (%s): %s [%s]\n", r.SessionID, r.TaskID, r.State, r.FailureCode)
		}
		return nil
	}

	archive := openArchive(eng.cfg)
	if archive != nil {
		defer archive.Close()
	}

	sw, err := sweeper.New(eng.monitor, eng.store, archive, eng.cfg.Sweep.Cron, eng.cfg.Sweep.GCMaxAgeHours)
	if err != nil {
		return err
	}

	fmt.Printf("Sweeping on schedule %q, next sweep %s\n", eng.cfg.Sweep.Cron, sw.NextSweep().Format(time.RFC3339))
	sw.Run(ctx)
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	removed, err := eng.store.RemoveCompleted(eng.cfg.Sweep.GCMaxAgeHours)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Println("Nothing to collect")
		return nil
	}

	if archive := openArchive(eng.cfg); archive != nil {
		defer archive.Close()
		stored, err := archive.AddAll(removed)
		if err != nil {
			return fmt.Errorf("archived %d of %d records: %w", stored, len(removed), err)
		}
	}

	fmt.Printf("Collected %d dispatch records\n", len(removed))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = eng.cfg.General.WebAddr
	}

	server := api.NewServer(eng.store, eng.registry, addr)

	// Sweep alongside the server so lifecycle events reach both the
	// external bus and connected /api/events clients.
	emitter := events.NewMultiEmitter(eng.emitter, server.Hub())
	mon := monitor.New(eng.cfg, eng.store, eng.registry, emitter)

	archive := openArchive(eng.cfg)
	if archive != nil {
		defer archive.Close()
	}
	sw, err := sweeper.New(mon, eng.store, archive, eng.cfg.Sweep.Cron, eng.cfg.Sweep.GCMaxAgeHours)
	if err != nil {
		return err
	}
	go sw.Run(context.Background())

	fmt.Printf("Status API listening on http://%s\n", addr)
	return server.Start()
}

func runWatch(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	records, err := eng.store.All()
	if err != nil {
		return err
	}

	loadBackends := func() []tui.BackendHealth {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var out []tui.BackendHealth
		for _, b := range eng.registry.All() {
			out = append(out, tui.BackendHealth{
				Name:     b.Name(),
				Type:     b.Type(),
				Endpoint: b.Endpoint(),
				Health:   string(b.CheckHealth(ctx)),
			})
		}
		return out
	}

	model := tui.NewModel(tui.ModelConfig{
		Records:      records,
		Backends:     loadBackends(),
		LoadRecords:  eng.store.All,
		LoadBackends: loadBackends,
		StatePath:    eng.store.Path(),
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
