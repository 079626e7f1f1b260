// Command rr-inspect prints the structure of a saved recording: its
// streams, checkpoints, and checkpoint interval statistics.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/INLOpen/nexusreplay/recording"
	"golang.org/x/term"
)

func main() {
	verbose := flag.Bool("v", false, "also list checkpoint entries")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rr-inspect [-v] <recording-file>")
		os.Exit(2)
	}
	if err := inspect(flag.Arg(0), *verbose, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "rr-inspect: %v\n", err)
		os.Exit(1)
	}
}

func inspect(path string, verbose bool, out io.Writer) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec, err := recording.Load(path, recording.Options{Logger: logger})
	if err != nil {
		return err
	}

	bold, reset := "", ""
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bold, reset = "\033[1m", "\033[0m"
	}

	fmt.Fprintf(out, "%s%s%s\n", bold, path, reset)
	fmt.Fprintf(out, "  size: %d bytes\n", rec.Size())

	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  STREAM\tINDEX")
	for _, sn := range rec.SnapshotStreams() {
		fmt.Fprintf(tw, "  %s\t%d\n", sn.Name, sn.Index)
	}
	tw.Flush()

	cps, err := recording.NewSummaryReader(rec).ReadAll()
	if err != nil {
		return fmt.Errorf("reading checkpoint summary: %w", err)
	}
	fmt.Fprintf(out, "  checkpoints: %d\n", len(cps))
	if len(cps) > 0 {
		last := cps[len(cps)-1]
		fmt.Fprintf(out, "  events at last checkpoint: %d\n", last.Events)
		fmt.Fprintf(out, "  progress at last checkpoint: %d\n", last.Progress)
	}
	if len(cps) > 1 {
		stats, err := recording.NewSummaryStats(cps)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  span: %s\n", stats.TotalDuration.Round(time.Millisecond))
		fmt.Fprintf(out, "  interval p50/p90/p99: %.0fms / %.0fms / %.0fms\n",
			stats.IntervalQuantile(0.5), stats.IntervalQuantile(0.9), stats.IntervalQuantile(0.99))
		fmt.Fprintf(out, "  progress delta p50/p90: %.0f / %.0f\n",
			stats.ProgressQuantile(0.5), stats.ProgressQuantile(0.9))
	}
	if verbose {
		tw = tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  CHECKPOINT\tPROGRESS\tEVENTS\tTIME")
		for _, cp := range cps {
			fmt.Fprintf(tw, "  %d\t%d\t%d\t%s\n", cp.Index, cp.Progress, cp.Events, cp.Time.Format(time.RFC3339Nano))
		}
		tw.Flush()
	}
	return nil
}
