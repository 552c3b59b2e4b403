package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/drover/internal/config"
	"github.com/mattjoyce/drover/internal/journal"
	"github.com/mattjoyce/drover/internal/log"
	"github.com/mattjoyce/drover/internal/node"
	"github.com/mattjoyce/drover/internal/protocol"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "fleet":
		return runFleetNoun(args)
	case "node":
		return runNodeNoun(args)
	case "config":
		return runConfigNoun(args)

	case "history":
		if hasHelpFlag(args) {
			printHistoryHelp()
			return 0
		}
		return runHistory(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: drover version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("drover %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`drover - spawn, wire and tear down fleets of worker instances

Usage:
  drover <noun> <action> [flags]

Fleet Commands:
  fleet up          Spawn a fleet, keep it running until interrupted, then tear it down

Node Commands:
  node serve        Worker entry point; reads the launch envelope on stdin

Config Commands:
  config check      Validate configuration
  config get        Read a value by dot path (e.g. grid.size)
  config set        Write a value by dot path into the config file

Other:
  history           Show recent lifecycle events from the journal
  version           Show version information
  help              Show this help message

Use 'drover <noun> help' for action-specific flags.
`)
}

// --- NODE ---

func runNodeNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: drover node serve")
		fmt.Println("Started by the orchestrator; the launch envelope is read from stdin.")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "serve":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serveNode(ctx, os.Stdin)
	default:
		fmt.Fprintf(os.Stderr, "Unknown node action: %s\n", args[0])
		return 1
	}
}

// serveNode runs one worker from the launch envelope in r.
func serveNode(ctx context.Context, r io.Reader) int {
	launch, err := protocol.DecodeLaunch(r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid launch envelope: %v\n", err)
		return 1
	}

	cfg := launch.Runtime()
	log.SetupTo(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithRole(cfg.Instance.Role)

	if err := node.Run(ctx, cfg, node.Options{Logger: logger}); err != nil {
		logger.Error("node failed", "error", err)
		return 1
	}
	return 0
}

// --- HISTORY ---

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 20, "Number of entries to show")
	jsonOut := fs.Bool("json", false, "Output entries as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	j, err := journal.Open(ctx, cfg.State.Path, log.Discard())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	entries, err := j.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		if entries == nil {
			entries = []journal.Entry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No lifecycle events recorded.")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tADDRESS\tDATA")
	for _, e := range entries {
		address := e.Address
		if address == "" {
			address = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.At.Local().Format(time.DateTime), e.Type, address, e.Data)
	}
	_ = w.Flush()
	return 0
}

func printHistoryHelp() {
	fmt.Println("Usage: drover history [--config PATH] [--limit N] [--json]")
	fmt.Println("Shows the most recent lifecycle events, newest first.")
}

// --- HELPERS ---

func isHelpToken(arg string) bool {
	return arg == "help" || arg == "--help" || arg == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
