// Command leasequeue runs the incremental lease-offer pipeline: it detects
// what changed on each provider's overview, queues the identities that need
// a full price scrape and drains that queue into the offer cache.
//
// Usage:
//
//	leasequeue <command> [flags]
//
// Commands: detect, apply, drain, run, watch, status, failed, reset, clear,
// add, export, serve, events.
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
	"sort"
	"strings"
	"syscall"
)

type command struct {
	summary string
	run     func(ctx context.Context, args []string, stdout io.Writer) error
}

var commands = map[string]command{
	"detect": {"fetch overviews and report changes without mutating state", cmdDetect},
	"apply":  {"fetch overviews, tombstone removals and enqueue work", cmdApply},
	"drain":  {"process queued items (-limit per provider)", cmdDrain},
	"run":    {"apply then drain", cmdRun},
	"watch":  {"run on an interval and serve metrics", cmdWatch},
	"status": {"show queue and cache counts per provider", cmdStatus},
	"failed": {"list permanently failed items", cmdFailed},
	"reset":  {"move failed items back to the queue", cmdReset},
	"clear":  {"drop pending items of a provider", cmdClear},
	"add":    {"queue a manual refresh of one listing", cmdAdd},
	"export": {"write the offer cache to an XLSX workbook", cmdExport},
	"serve":  {"serve /metrics, /healthz, /queue and /failed", cmdServe},
	"events": {"print engine events published on NATS", cmdEvents},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage(os.Stdout)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "leasequeue: unknown command %q\n\n", name)
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		if errors.Is(err, context.Canceled) {
			slog.Info("interrupted")
			os.Exit(130)
		}
		slog.Error("command failed", "command", name, "err", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: leasequeue <command> [flags]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-8s %s\n", n, commands[n].summary)
	}
	fmt.Fprintln(w, "\nRun 'leasequeue <command> -h' for the flags of a command.")
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}
