package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/config"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/diagnostics"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the configuration and the diagnostic probes",
	Long: `Validate the configuration, check that the channel and output directories
are usable, and run each diagnostic probe once, printing how it went.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	err  error
	note string
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Checking configuration...")
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "  ✗ %v\n", err)
		return fmt.Errorf("configuration check failed")
	}
	fmt.Fprintln(out, "  ✓ configuration valid")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Checking paths...")
	failed := printChecks(out, pathChecks(cfg))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Running diagnostic probes...")
	collector := diagnostics.NewCollector(
		diagnostics.NewHostSources(cfg.Collector.MaxProcesses),
		diagnostics.WithTimeout(config.Duration(cfg.Collector.Timeout, diagnostics.DefaultTimeout)),
		diagnostics.WithProbeTimeout(config.Duration(cfg.Collector.ProbeTimeout, diagnostics.DefaultProbeTimeout)),
	)
	snap := collector.Collect(context.Background())
	for _, p := range snap.Probes {
		line := fmt.Sprintf("  %s %-10s %s in %s", probeIcon(string(p.Status)), p.Probe, p.Status, p.Duration.Round(time.Millisecond))
		if p.Error != "" {
			line += ": " + p.Error
		}
		fmt.Fprintln(out, line)
	}
	if h := snap.Hardware; h != nil && len(h.GPUs) == 0 {
		fmt.Fprintln(out, "  ○ no GPU information available (optional)")
	}
	fmt.Fprintln(out)

	if failed {
		fmt.Fprintln(out, "Some checks failed")
		return fmt.Errorf("doctor found problems")
	}
	if !snap.Complete() {
		fmt.Fprintln(out, "Configuration usable, but crash reports will be missing some diagnostics")
		return nil
	}
	fmt.Fprintln(out, "All checks passed")
	return nil
}

func printChecks(out io.Writer, checks []doctorCheck) (failed bool) {
	for _, c := range checks {
		switch {
		case c.err != nil:
			failed = true
			fmt.Fprintf(out, "  ✗ %s: %v\n", c.name, c.err)
		case c.note != "":
			fmt.Fprintf(out, "  ✓ %s (%s)\n", c.name, c.note)
		default:
			fmt.Fprintf(out, "  ✓ %s\n", c.name)
		}
	}
	return failed
}

func pathChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		channelCheck(cfg.Server.Channel),
		{name: "dump dir " + cfg.Server.DumpDir, err: writableDir(cfg.Server.DumpDir)},
		{name: "report dir " + cfg.Report.Dir, err: writableDir(cfg.Report.Dir)},
	}
	if cfg.Store.Enabled {
		checks = append(checks, doctorCheck{
			name: "event store dir " + filepath.Dir(cfg.Store.Path),
			err:  writableDir(filepath.Dir(cfg.Store.Path)),
		})
	}
	if cfg.Server.DumpCommand != "" {
		prog := strings.Fields(cfg.Server.DumpCommand)[0]
		c := doctorCheck{name: "dump command " + prog}
		if p, err := exec.LookPath(prog); err != nil {
			c.err = err
		} else {
			c.note = p
		}
		checks = append(checks, c)
	} else {
		checks = append(checks, doctorCheck{name: "dump writer", note: "client crash context"})
	}
	return checks
}

func channelCheck(path string) doctorCheck {
	c := doctorCheck{name: "channel " + path}
	if err := writableDir(filepath.Dir(path)); err != nil {
		c.err = err
		return c
	}
	if _, err := os.Lstat(path); err == nil {
		conn, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			conn.Close()
			c.note = "a crash server is listening"
		} else {
			c.note = "stale socket, will be replaced"
		}
	}
	return c
}

// writableDir creates dir if needed and checks a file can be created in it.
func writableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
