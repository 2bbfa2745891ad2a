package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/deepansarkar03/streamverse/engine"
	"github.com/deepansarkar03/streamverse/source"
	"github.com/deepansarkar03/streamverse/store"
	"github.com/deepansarkar03/streamverse/strategy"
	"github.com/deepansarkar03/streamverse/ui"
)

var errInterrupted = errors.New("interrupted")

func newImportCmd(flags *cliFlags) *cobra.Command {
	var (
		name    string
		cookies string
		token   string
		tui     bool
	)

	cmd := &cobra.Command{
		Use:   "import <url>",
		Short: "Import one video from a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logOutput(tui))
			if err != nil {
				return err
			}
			defer a.Close()

			req := strategy.Request{SourceURL: args[0], DestinationName: name}
			if cookies != "" || token != "" {
				req.Credential = &source.Credential{Cookies: cookies, BearerToken: token}
			}

			record, err := a.orchestrator.Start(ctx, req)
			if err != nil {
				return err
			}

			finished := make(chan struct{})
			go func() {
				defer close(finished)
				waitTerminal(ctx, a.jobs, record.ID, cfg.Transfer.PollInterval)
			}()

			records, err := watch(ctx, a, tui, record.CreatedAt, finished)
			if err != nil {
				return err
			}
			return summarize(cmd.OutOrStdout(), records)
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "Destination object name")
	f.StringVar(&cookies, "cookies", "", "Cookie header forwarded to the source")
	f.StringVar(&token, "token", "", "Bearer token forwarded to the source")
	f.BoolVar(&tui, "tui", true, "Show the terminal progress view (disable for headless operation)")

	return cmd
}

func newImportDirCmd(flags *cliFlags) *cobra.Command {
	var tui bool

	cmd := &cobra.Command{
		Use:   "import-dir <dir>",
		Short: "Import every video file below a local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logOutput(tui))
			if err != nil {
				return err
			}
			defer a.Close()

			started := time.Now()
			walker := engine.NewWalker(args[0], a.jobChan)

			finished := make(chan struct{})
			walkErr := make(chan error, 1)
			go func() {
				defer close(finished)
				n, err := walker.Walk(ctx)
				a.log.Info(ctx, "directory walked", "root", args[0], "videos", n)
				walkErr <- err
				close(a.jobChan)
				a.pool.Wait()
			}()

			records, err := watch(ctx, a, tui, started, finished)
			if err != nil {
				return err
			}
			if err := <-walkErr; err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No video files found.")
				return nil
			}
			return summarize(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().BoolVar(&tui, "tui", true, "Show the terminal progress view (disable for headless operation)")
	return cmd
}

func logOutput(tui bool) io.Writer {
	if tui {
		return io.Discard
	}
	return os.Stderr
}

// waitTerminal returns once job id has finished or ctx is done.
func waitTerminal(ctx context.Context, jobs store.Store, id string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r, err := jobs.Get(id); err != nil || r.Status.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// jobsSince lists the jobs created by this run.
func jobsSince(jobs store.Store, since time.Time) []*store.JobRecord {
	all, err := jobs.List()
	if err != nil {
		return nil
	}
	var out []*store.JobRecord
	for _, r := range all {
		if !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

func uiState(a *app, since time.Time) *ui.UIState {
	state := ui.StateFromRecords(jobsSince(a.jobs, since))
	state.ActiveWorkers = a.pool.Running()
	state.MaxWorkers = a.pool.WorkerCount()
	return state
}

// watch renders progress until finished is closed, then returns the jobs of
// this run.
func watch(ctx context.Context, a *app, tui bool, since time.Time, finished <-chan struct{}) ([]*store.JobRecord, error) {
	if tui {
		if err := watchTUI(ctx, a, since, finished); err != nil {
			return nil, err
		}
	} else {
		watchLogs(ctx, a, since, finished)
	}

	if ctx.Err() != nil {
		return nil, errInterrupted
	}
	return jobsSince(a.jobs, since), nil
}

func watchTUI(ctx context.Context, a *app, since time.Time, finished <-chan struct{}) error {
	model := ui.NewTUIModel(uiState(a, since), func(delta int) {
		a.pool.SetWorkerCount(max(1, a.pool.WorkerCount()+delta))
	})
	program := tea.NewProgram(model, tea.WithAltScreen())

	// Start TUI update loop
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				program.Quit()
				return
			case <-finished:
				state := uiState(a, since)
				state.Done = true
				program.Send(ui.TUIUpdateMsg{State: state})
				return
			case <-ticker.C:
				program.Send(ui.TUIUpdateMsg{State: uiState(a, since)})
			}
		}
	}()

	if _, err := program.Run(); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	default:
		// Quit from the keyboard before the run finished.
		return errInterrupted
	}
}

func watchLogs(ctx context.Context, a *app, since time.Time, finished <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-finished:
			return
		case <-ticker.C:
			for _, r := range jobsSince(a.jobs, since) {
				if r.Status != store.StatusActive {
					continue
				}
				args := []any{"job", r.ID, "destination", r.DestinationName, "strategy", r.Strategy,
					"bytes", r.BytesTransferred, "rateMBps", r.RateMBps}
				if pct, ok := r.Percent(); ok {
					args = append(args, "percent", pct)
				}
				a.log.Info(ctx, "import progress", args...)
			}
		}
	}
}

func summarize(w io.Writer, records []*store.JobRecord) error {
	failed := 0
	for _, r := range records {
		switch r.Status {
		case store.StatusCompleted:
			fmt.Fprintf(w, "completed  %s  %d bytes  %s  via %s\n", r.DestinationName, r.BytesTransferred, r.Checksum, r.Strategy)
		case store.StatusFailed:
			failed++
			fmt.Fprintf(w, "failed     %s  %s\n", r.DestinationName, r.Error)
		default:
			failed++
			fmt.Fprintf(w, "%-10s %s\n", r.Status, r.DestinationName)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d imports did not complete", failed, len(records))
	}
	return nil
}
