package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/store"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded lifecycle events",
	Long: `List events from the event history, oldest first: server start and stop,
client registration, dump requests and their outcome, and client exits.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

var (
	eventsLimit int
	eventsType  string
	eventsPID   int
	eventsJSON  bool
)

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", store.DefaultListLimit,
		"show the newest N events")
	eventsCmd.Flags().StringVar(&eventsType, "type", "",
		"only events of this type (e.g. dump_completed)")
	eventsCmd.Flags().IntVar(&eventsPID, "pid", 0,
		"only events about this client")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false,
		"print events as JSON")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		printf(cmd.OutOrStdout(), "No event history at %s\n", cfg.Store.Path)
		return nil
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.List(cmd.Context(), store.ListOptions{
		Limit: eventsLimit,
		Type:  eventsType,
		PID:   eventsPID,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if eventsJSON {
		if recs == nil {
			recs = []store.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	if len(recs) == 0 {
		printf(out, "No events\n")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tPID\tDATA")
	for _, r := range recs {
		pid := "-"
		if r.PID != 0 {
			pid = fmt.Sprint(r.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.OccurredAt.Local().Format(time.DateTime+".000"), r.Type, pid, string(r.Data))
	}
	return w.Flush()
}
