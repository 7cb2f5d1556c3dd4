package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/config"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/fsutil"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration",
	Long: `Write .crashwatch.yaml with the default settings to the current
directory and create the dump and report directories.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing configuration")
}

func runInit(cmd *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	configPath := filepath.Join(cwd, ".crashwatch.yaml")
	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration already exists, use --force to overwrite")
	}

	if err := fsutil.WriteFileAtomic(configPath, []byte(config.DefaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	for _, dir := range []string{".crashwatch/dumps", ".crashwatch/reports"} {
		if err := os.MkdirAll(filepath.Join(cwd, dir), 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	out := cmd.OutOrStdout()
	printf(out, "Created %s\n", configPath)
	printf(out, "Created .crashwatch/dumps and .crashwatch/reports\n")
	printf(out, "\nNext: crashwatch doctor, then crashwatch run -- <program>\n")
	return nil
}
