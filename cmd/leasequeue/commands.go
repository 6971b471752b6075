package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/renameio/v2"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/detect"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/export"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/incremental"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/worker"
	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/pkg/metrics"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printDetect(w io.Writer, results []detect.Result) {
	for _, r := range results {
		fmt.Fprintf(w, "%s: %s\n", r.Provider, r.Summary())
		for _, it := range r.Items {
			fmt.Fprintf(w, "  %-8s p%d  %s\n", it.Reason, it.Priority, it.Identity.Key())
		}
	}
}

func printReports(w io.Writer, reports []worker.Report) {
	for _, r := range reports {
		fmt.Fprintln(w, r.String())
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  failed %s (%s): %s\n", f.Item.Identity.Key(), f.Class, f.Error)
		}
		if r.BreakerOpen {
			fmt.Fprintln(w, "  stopped early: circuit breaker open")
		}
	}
}

func cmdDetect(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("detect", stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.engine.Detect(ctx, flags.selector())
	if flags.jsonOut {
		if perr := printJSON(stdout, results); perr != nil {
			return perr
		}
	} else {
		printDetect(stdout, results)
	}
	return err
}

func cmdApply(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("apply", stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	applied, err := a.engine.Apply(ctx, flags.selector())
	if flags.jsonOut {
		if perr := printJSON(stdout, applied); perr != nil {
			return perr
		}
		return err
	}
	for _, r := range applied {
		fmt.Fprintf(stdout, "%s: %s\n  queued %d new, %d upgraded, %d rejected (failed, needs reset)\n",
			r.Provider, r.Summary(), r.Inserted, r.Upgraded, r.Rejected)
	}
	return err
}

func cmdDrain(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("drain", stdout)
	limit := fs.Int("limit", 0, "max items to dequeue per provider (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	reports, err := a.engine.Drain(ctx, flags.selector(), *limit)
	if flags.jsonOut {
		if perr := printJSON(stdout, reports); perr != nil {
			return perr
		}
	} else {
		printReports(stdout, reports)
	}
	return err
}

func cmdRun(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("run", stdout)
	limit := fs.Int("limit", 0, "max items to dequeue per provider (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Run(ctx, flags.selector(), *limit)
	if flags.jsonOut {
		if perr := printJSON(stdout, res); perr != nil {
			return perr
		}
		return err
	}
	for _, r := range res.Applied {
		fmt.Fprintf(stdout, "%s: %s\n", r.Provider, r.Summary())
	}
	printReports(stdout, res.Reports)
	return err
}

func cmdWatch(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("watch", stdout)
	limit := fs.Int("limit", 0, "max items to dequeue per provider per cycle (0 = all)")
	interval := fs.Duration("interval", time.Hour, "time between cycles")
	addr := fs.String("addr", "", "ops server address (default: metrics_addr from config, empty disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	if *addr == "" {
		*addr = a.cfg.MetricsAddr
	}
	if *addr != "" {
		go func() {
			if err := serveOps(ctx, *addr, a); err != nil {
				a.log.Error("ops server", "err", err)
			}
		}()
	}
	go metrics.CollectRuntime(ctx, a.metrics, 15*time.Second)

	err = a.engine.Watch(ctx, flags.selector(), *interval, *limit, func(res incremental.RunResult, err error) {
		for _, r := range res.Reports {
			a.log.Info("cycle finished", "provider", r.Provider, "completed", r.Completed,
				"requeued", r.Requeued, "failed", r.Failed, "released", r.Released)
		}
		if err != nil {
			a.log.Error("cycle errors", "err", err)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cmdStatus(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("status", stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.engine.Status(ctx, flags.selector())
	if err != nil {
		return err
	}
	if flags.jsonOut {
		return printJSON(stdout, st)
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tPENDING\tIN PROGRESS\tBACKING OFF\tFAILED\tCACHED\tSTALE\tREMOVED")
	for _, s := range st {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			s.Provider, s.Pending, s.InProgress, s.BackingOff, s.Failed, s.Cached, s.Stale, s.Removed)
	}
	return tw.Flush()
}

func cmdFailed(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("failed", stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	failed, err := a.engine.Failed(flags.selector())
	if err != nil {
		return err
	}
	if flags.jsonOut {
		return printJSON(stdout, failed)
	}
	if len(failed) == 0 {
		fmt.Fprintln(stdout, "no failed items")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tCLASS\tATTEMPTS\tFAILED AT\tERROR")
	for _, f := range failed {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", f.Item.Identity.Key(), f.Class, f.Item.Attempts,
			f.FailedAt.Format(time.RFC3339), f.Error)
	}
	return tw.Flush()
}

func cmdReset(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("reset", stdout)
	ref := fs.String("ref", "", "identity key or listing ref of the failed item")
	all := fs.Bool("all", false, "reset every failed item of the provider")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := flags.singleProvider()
	if err != nil {
		return err
	}
	if (*ref == "") == !*all {
		return errors.New("reset needs exactly one of -ref or -all")
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.engine.Reset(ctx, p, *ref)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d item(s) moved back to the queue\n", p, n)
	return nil
}

func cmdClear(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("clear", stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := flags.singleProvider()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.engine.Clear(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: removed %d pending item(s)\n", p, n)
	return nil
}

func cmdAdd(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("add", stdout)
	var id domain.VehicleIdentity
	fs.StringVar(&id.Make, "make", "", "vehicle make")
	fs.StringVar(&id.Model, "model", "", "vehicle model")
	fs.StringVar(&id.Version, "variant", "", "version / trim")
	fs.StringVar(&id.ListingRef, "ref", "", "listing id or canonical URL")
	fs.StringVar(&id.Country, "country", "", "country (default from provider)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := flags.singleProvider()
	if err != nil {
		return err
	}
	id.Provider = p
	if err := domain.ValidateIdentity(id); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.engine.Add(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %s\n", id.Key(), out)
	return nil
}

func cmdExport(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("export", stdout)
	out := fs.String("out", "offers.xlsx", "output workbook")
	removed := fs.Bool("include-removed", false, "include tombstoned offers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	var buf bytes.Buffer
	n, err := export.Write(ctx, a.cache, &buf, export.Options{Providers: flags.selector().Providers, IncludeRemoved: *removed})
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(*out, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(stdout, "wrote %d offer(s) to %s\n", n, *out)
	return nil
}

func cmdServe(ctx context.Context, args []string, stdout io.Writer) error {
	fs, flags := newFlagSet("serve", stdout)
	addr := fs.String("addr", "", "listen address (default: metrics_addr from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	if *addr == "" {
		*addr = a.cfg.MetricsAddr
	}
	go metrics.CollectRuntime(ctx, a.metrics, 15*time.Second)
	return serveOps(ctx, *addr, a)
}
