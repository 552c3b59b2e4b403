package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/events"
	"github.com/mattjoyce/drover/internal/fleet"
	"github.com/mattjoyce/drover/internal/instance"
	"github.com/mattjoyce/drover/internal/journal"
	"github.com/mattjoyce/drover/internal/lock"
	"github.com/mattjoyce/drover/internal/log"
	"github.com/mattjoyce/drover/internal/node"
	"github.com/mattjoyce/drover/internal/remote"
	"github.com/mattjoyce/drover/internal/teardown"
	"github.com/mattjoyce/drover/internal/tui"
)

// Fleet kinds accepted by "fleet up".
const (
	kindInstance  = "instance"
	kindGrid      = "grid"
	kindLightGrid = "light-grid"
	kindDispatch  = "dispatcher"
)

// teardownTimeout bounds the final KillAll.
const teardownTimeout = 30 * time.Second

type upOptions struct {
	configPath string
	kind       string
	size       int
	count      int
	watch      bool
	inProcess  bool
	once       bool
}

func runFleetNoun(args []string) int {
	if len(args) < 1 {
		printFleetNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printFleetNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "up":
		if hasHelpFlag(args[1:]) {
			printFleetUpHelp()
			return 0
		}
		return runFleetUp(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown fleet action: %s\n", args[0])
		return 1
	}
}

func runFleetUp(args []string) int {
	var opts upOptions
	fs := flag.NewFlagSet("up", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.kind, "kind", kindInstance, "What to spawn: instance, grid, light-grid, dispatcher")
	fs.IntVar(&opts.size, "size", 0, "Grid size (defaults to grid.size)")
	fs.IntVar(&opts.count, "count", 1, "Number of instances or dispatchers")
	fs.BoolVar(&opts.watch, "watch", false, "Open the fleet monitor")
	fs.BoolVar(&opts.inProcess, "in-process", false, "Run workers as goroutines instead of child processes")
	fs.BoolVar(&opts.once, "once", false, "Tear the fleet down as soon as it is up")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	switch opts.kind {
	case kindInstance, kindGrid, kindLightGrid, kindDispatch:
	default:
		fmt.Fprintf(os.Stderr, "Unknown fleet kind %q (want instance, grid, light-grid or dispatcher)\n", opts.kind)
		return 1
	}
	if opts.count < 1 {
		fmt.Fprintln(os.Stderr, "--count must be at least 1")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fleetUp(ctx, opts, os.Stdout)
}

func fleetUp(ctx context.Context, opts upOptions, out io.Writer) int {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("fleet")

	pidLock, err := lock.Acquire(cfg.State.LockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Another orchestrator is running: %v\n", err)
		return 1
	}
	defer pidLock.Release()

	j, err := journal.Open(ctx, cfg.State.Path, log.WithComponent("journal"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	hub := events.NewHub(256)
	// Detached from ctx so teardown after a signal is still journaled.
	stopJournal := j.Attach(context.Background(), hub)
	defer stopJournal()

	deps := fleet.Deps{Hub: hub, Logger: logger}
	if opts.inProcess {
		ip := node.NewInProcess(log.WithComponent("node"))
		deps.Forker, deps.Ports, deps.Killer = ip, ip.Ports, ip
	}
	m := fleet.New(cfg, deps)

	code := 0
	if err := bringUp(ctx, m, opts, out); err != nil {
		fmt.Fprintf(os.Stderr, "Fleet did not come up: %v\n", err)
		code = 1
	} else if !opts.once {
		if opts.watch {
			if err := watch(ctx, m); err != nil {
				logger.Error("monitor failed", "error", err)
			}
		} else {
			fmt.Fprintln(out, "Fleet is up; press Ctrl+C to tear it down.")
			<-ctx.Done()
		}
	}

	// Teardown must run even after the signal that cancelled ctx.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	report := m.KillAll(tctx)
	printReport(out, report, logger)
	stopJournal()
	return code
}

func bringUp(ctx context.Context, m *fleet.Manager, opts upOptions, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ROLE\tADDRESS\tTOKEN")

	row := func(role string, h *instance.Handle) {
		fmt.Fprintf(w, "%s\t%s\t%s\n", role, h.Address, remote.Fingerprint(h.Token()))
	}

	switch opts.kind {
	case kindGrid, kindLightGrid:
		g, err := m.BuildGrid(ctx, config.InstanceConfig{GridSize: opts.size}, opts.kind == kindLightGrid)
		if g != nil {
			for i, n := range g.Nodes {
				row(fmt.Sprintf("node %d", i), n)
			}
			if g.Master != nil {
				row("master", g.Master)
			}
		}
		return err

	case kindDispatch:
		for i := 0; i < opts.count; i++ {
			h, err := m.DispatcherSpawn(ctx)
			if err != nil {
				return err
			}
			row("worker", h)
		}
		return nil

	default:
		for i := 0; i < opts.count; i++ {
			h, err := m.Spawn(ctx, config.InstanceConfig{}, nil)
			if err != nil {
				return err
			}
			row("instance", h)
		}
		return nil
	}
}

func watch(ctx context.Context, m *fleet.Manager) error {
	model := tui.New(m)
	defer model.Close()

	p := tea.NewProgram(model, tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func printReport(out io.Writer, r *teardown.Report, logger *slog.Logger) {
	fmt.Fprintf(out, "Teardown: %d worker(s), %d pid(s) killed", len(r.Addresses), len(r.PIDs))
	failures := r.Failures()
	if len(failures) == 0 {
		fmt.Fprintln(out)
		return
	}
	fmt.Fprintf(out, ", %d error(s)\n", len(failures))
	for _, err := range failures {
		fmt.Fprintf(out, "  - %v\n", err)
	}
	logger.Warn("teardown incomplete", "errors", len(failures))
}

func printFleetNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: drover fleet <action>")
	fmt.Fprintln(w, "Actions: up")
}

func printFleetUpHelp() {
	fmt.Println(`Usage: drover fleet up [flags]

Spawns workers, prints their addresses and token fingerprints, and keeps them
running until SIGINT/SIGTERM (or the monitor quits). Every worker is torn down
on the way out.

Flags:
  --config PATH     Configuration file
  --kind KIND       instance (default), grid, light-grid, dispatcher
  --size N          Grid size (defaults to grid.size)
  --count N         Number of instances or dispatchers (default 1)
  --watch           Open the fleet monitor
  --in-process      Run workers as goroutines of this process
  --once            Tear down as soon as the fleet is up`)
}
