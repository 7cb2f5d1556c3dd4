package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/generation"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/launcher"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Send a test dump request to a running crash server",
	Long: `Connect to the channel as a client, register this process and ask for a
dump, the same way a crashing program would. Prints the dump path.

A program started by 'crashwatch run' finds the channel in
CRASHWATCH_CHANNEL, which is used unless --channel is given.

Useful to check a deployment end to end: the server must be idle (or its
previous client must have exited) for the registration to be accepted.`,
	Args: cobra.NoArgs,
	RunE: runTrigger,
}

var (
	triggerPayload string
	triggerContext string
	triggerTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(triggerCmd)

	triggerCmd.Flags().StringVar(&triggerPayload, "payload", "crashwatch-trigger",
		"registration payload identifying the client")
	triggerCmd.Flags().StringVar(&triggerContext, "context", "manual dump request",
		"crash context sent with the dump request")
	triggerCmd.Flags().DurationVar(&triggerTimeout, "timeout", 60*time.Second,
		"how long to wait for the dump")
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	address := cfg.Server.Channel
	if v := os.Getenv(launcher.ChannelEnv); v != "" && !cmd.Flags().Changed("channel") {
		address = v
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := generation.Dial(ctx, address, generation.WithDumpTimeout(triggerTimeout))
	if err != nil {
		return fmt.Errorf("%s: %w", address, err)
	}
	defer c.Close()

	if err := c.Register([]byte(triggerPayload)); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	path, err := c.RequestDump([]byte(triggerContext))
	if err != nil {
		return fmt.Errorf("requesting dump: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
