package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ammonwk/truffles/internal/agent"
	"github.com/ammonwk/truffles/internal/config"
	"github.com/ammonwk/truffles/internal/notify"
	"github.com/ammonwk/truffles/internal/orchestrator"
	"github.com/ammonwk/truffles/internal/runstore"
	"github.com/ammonwk/truffles/internal/sweep"
	"github.com/ammonwk/truffles/internal/workspace"
	"github.com/ammonwk/truffles/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show active and queued runs",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	stopCmd := &cobra.Command{
		Use:   "stop RUN_ID",
		Short: "Stop an active run",
		Args:  cobra.ExactArgs(1),
		RunE:  runStop,
	}
	rootCmd.AddCommand(stopCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned workspaces now",
		RunE:  runSweep,
	}
	rootCmd.AddCommand(sweepCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.General.RepoDir == "" {
		return fmt.Errorf("general.repo_dir not configured")
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	workspaces := workspace.NewManager(cfg.General.RepoDir, cfg.General.WorkspaceDir, cfg.General.BaseBranch)

	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}

	runner := agent.NewCLIRunner(cfg.Agent.Binary, cfg.Agent.ExtraArgs)

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	// The API server is also the orchestrator's broadcast sink, so the
	// two are wired in two steps
	server := api.NewServer(nil, addr)
	orch := orchestrator.New(store, workspaces, runner, server, orchestrator.Options{
		MaxConcurrent: cfg.General.MaxParallelRuns,
		RunTimeout:    time.Duration(cfg.General.RunTimeoutMinutes) * time.Minute,
		Notifier:      notify.NewMultiNotifier(notifiers...),
	})
	server.SetOrchestrator(orch)

	maxAge := time.Duration(cfg.General.SweepMaxAgeHours) * time.Hour
	sweeper, err := sweep.New(workspaces, cfg.General.SweepSchedule, maxAge)
	if err != nil {
		return fmt.Errorf("invalid sweep_schedule: %w", err)
	}
	// Clear leftovers from a previous crash before accepting runs
	if n := sweeper.RunOnce(); n > 0 {
		fmt.Printf("Removed %d orphaned workspaces\n", n)
	}
	sweeper.Start()
	defer sweeper.Stop()

	watchPath := configPath
	if watchPath == "" {
		watchPath = config.DefaultConfigPath()
	}
	watcher, err := config.NewWatcher(watchPath, func(c *config.Config) {
		orch.SetMaxConcurrent(c.General.MaxParallelRuns)
		orch.SetTimeoutMinutes(c.General.RunTimeoutMinutes)
		fmt.Printf("Config reloaded: max_parallel_runs=%d run_timeout_minutes=%d\n",
			c.General.MaxParallelRuns, c.General.RunTimeoutMinutes)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config watching disabled: %v\n", err)
	} else {
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Listening on http://%s\n", addr)
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		orch.Shutdown()
		return err
	case sig := <-sigCh:
		fmt.Printf("Received %s, shutting down\n", sig)
	}

	orch.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func apiURL(cfg *config.Config, path string) string {
	return fmt.Sprintf("http://%s:%d%s", cfg.Web.Host, cfg.Web.Port, path)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := http.Get(apiURL(cfg, "/api/status"))
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	var report orchestrator.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return err
	}

	fmt.Printf("Runs: %d active (limit %d) | %d queued\n",
		report.ActiveCount, report.MaxConcurrent, len(report.Queued))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if len(report.Active) > 0 {
		fmt.Fprintln(w, "ID\tISSUE\tTITLE\tPHASE\tSTARTED")
		for _, rec := range report.Active {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.IssueID, rec.Title, rec.Status, humanize.Time(rec.StartedAt))
		}
	}
	for _, q := range report.Queued {
		fmt.Fprintf(w, "%s\t%s\t%s\tqueued #%d\t\n", q.RecordID, q.IssueID, q.Title, q.Position)
	}
	w.Flush()

	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := http.Post(apiURL(cfg, "/api/runs/"+args[0]+"/stop"), "application/json", nil)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("stop failed: %s", body["error"])
	}

	fmt.Printf("Stopped run %s\n", args[0])
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	workspaces := workspace.NewManager(cfg.General.RepoDir, cfg.General.WorkspaceDir, cfg.General.BaseBranch)
	maxAge := time.Duration(cfg.General.SweepMaxAgeHours) * time.Hour
	n := workspaces.SweepOrphaned(maxAge)
	fmt.Printf("Removed %d orphaned workspaces\n", n)
	return nil
}
