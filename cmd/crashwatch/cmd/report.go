package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/bundle"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/clip"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect crash reports",
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List crash reports, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runReportList,
}

var reportShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Show a crash report (default: the latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReportShow,
}

var reportWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print a summary of each new crash report as it is written",
	Args:  cobra.NoArgs,
	RunE:  runReportWatch,
}

var reportBundleCmd = &cobra.Command{
	Use:   "bundle [path]",
	Short: "Pack a crash report and its dump into a tar.gz (default: the latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReportBundle,
}

var reportVerifyCmd = &cobra.Command{
	Use:   "verify <bundle>",
	Short: "Check a crash bundle against its manifest checksums",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportVerify,
}

var (
	reportFormat string
	reportCopy   bool
	bundleOutput string
)

type copier interface {
	Copy(text string) (clip.Result, error)
}

// newCopier is replaced in tests.
var newCopier = func() copier { return clip.New() }

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportListCmd, reportShowCmd, reportWatchCmd, reportBundleCmd, reportVerifyCmd)

	reportShowCmd.Flags().StringVarP(&reportFormat, "format", "o", "summary",
		"output format (summary, json, yaml)")
	reportShowCmd.Flags().BoolVar(&reportCopy, "copy", false,
		"also copy the output to the clipboard")
	reportBundleCmd.Flags().StringVarP(&bundleOutput, "output", "o", "",
		"archive path (default: crash-<pid>-<id>.tar.gz in the current directory)")
}

// resolveReport loads the report named by args, or the latest one.
func resolveReport(args []string) (*report.Report, string, error) {
	if len(args) == 1 {
		r, err := report.Load(args[0])
		return r, args[0], err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	return report.LoadLatest(cfg.Report.Dir)
}

func runReportList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths, err := report.List(cfg.Report.Dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if len(paths) == 0 {
		printf(cmd.OutOrStdout(), "No crash reports in %s\n", cfg.Report.Dir)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tPID\tCOMPLETE\tFILE")
	for _, p := range paths {
		r, err := report.Load(p)
		if err != nil {
			fmt.Fprintf(w, "-\t-\t-\t%s (unreadable)\n", filepath.Base(p))
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%t\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime), r.Client.PID, r.Snapshot.Complete(), filepath.Base(p))
	}
	return w.Flush()
}

func runReportShow(cmd *cobra.Command, args []string) error {
	r, path, err := resolveReport(args)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	out := io.MultiWriter(cmd.OutOrStdout(), &buf)
	switch reportFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(r)
	case "yaml":
		err = report.ExportYAML(out, r)
	case "summary":
		writeSummary(out, path, r)
	default:
		return fmt.Errorf("unknown format %q (use summary, json or yaml)", reportFormat)
	}
	if err != nil || !reportCopy {
		return err
	}

	res, err := newCopier().Copy(buf.String())
	if err != nil {
		return fmt.Errorf("copying report: %w", err)
	}
	if res.Method == clip.MethodFile {
		fmt.Fprintf(cmd.ErrOrStderr(), "No clipboard available, report saved to %s\n", res.FilePath)
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "Copied to clipboard (%s)\n", res.Method)
	}
	return nil
}

func runReportBundle(cmd *cobra.Command, args []string) error {
	r, path, err := resolveReport(args)
	if err != nil {
		return err
	}
	out := bundleOutput
	if out == "" {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		out = fmt.Sprintf("crash-%d-%s.tar.gz", r.Client.PID, id)
	}

	res, err := bundle.Export(path, out)
	if err != nil {
		return fmt.Errorf("bundling report: %w", err)
	}
	printf(cmd.OutOrStdout(), "Wrote %s (%d files", res.OutputPath, len(res.Manifest.Files))
	if !res.Manifest.DumpIncluded {
		printf(cmd.OutOrStdout(), ", dump not found")
	}
	printf(cmd.OutOrStdout(), ")\n")
	return nil
}

func runReportVerify(cmd *cobra.Command, args []string) error {
	m, err := bundle.Verify(args[0])
	if err != nil {
		return fmt.Errorf("invalid bundle: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "OK  report %s (pid %d), created %s\n",
		m.ReportID, m.ClientPID, m.CreatedAt.Local().Format(time.DateTime))
	for _, f := range m.Files {
		fmt.Fprintf(out, "    %-40s %10d  %s\n", f.Path, f.Size, f.SHA256[:12])
	}
	return nil
}

func runReportWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	out := cmd.OutOrStdout()
	printf(out, "Watching %s for crash reports (Ctrl-C to stop)\n", cfg.Report.Dir)
	return report.Watch(ctx, cfg.Report.Dir, func(path string) {
		r, err := report.Load(path)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "cannot read %s: %v\n", path, err)
			return
		}
		writeSummary(out, path, r)
		fmt.Fprintln(out)
	})
}

func writeSummary(out io.Writer, path string, r *report.Report) {
	fmt.Fprintf(out, "Report:   %s\n", path)
	fmt.Fprintf(out, "Created:  %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Client:   pid %d", r.Client.PID)
	if r.Client.Payload != "" {
		fmt.Fprintf(out, " (%s)", r.Client.Payload)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Dump:     %s\n", r.DumpPath)

	snap := r.Snapshot
	fmt.Fprintf(out, "Snapshot: collected in %s\n", snap.Duration.Round(time.Millisecond))
	for _, p := range snap.Probes {
		line := fmt.Sprintf("  %s %-10s %s", probeIcon(string(p.Status)), p.Probe, p.Status)
		if p.Error != "" {
			line += ": " + p.Error
		}
		fmt.Fprintln(out, line)
	}
	if h := snap.Hardware; h != nil {
		fmt.Fprintf(out, "Host:     %s %s/%s, %s (%d cores)\n", h.Hostname, h.OS, h.KernelArch, h.CPUModel, h.CPUCores)
	}
	if m := snap.Memory; m != nil {
		fmt.Fprintf(out, "Memory:   %.0f/%.0f MB used (%.1f%%)\n", m.UsedMB, m.TotalMB, m.UsedPercent)
	}
	if len(snap.Processes) > 0 {
		fmt.Fprintf(out, "Processes: %d\n", len(snap.Processes))
	}
	if len(snap.Warnings) > 0 {
		fmt.Fprintf(out, "Warnings: %s\n", strings.Join(snap.Warnings, "; "))
	}
}

func probeIcon(status string) string {
	if status == "ok" {
		return "✓"
	}
	return "✗"
}
