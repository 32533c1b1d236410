package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasew/memstate"
	"github.com/lucasew/memstate/internal/errutil"
	"github.com/lucasew/memstate/internal/eventlog"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Prints recent evictions from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("journal")
		if path == "" {
			return fmt.Errorf("no journal configured (use --journal or MEMSTATE_JOURNAL)")
		}
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}

		db, err := eventlog.Open(path)
		if err != nil {
			return err
		}
		defer func() {
			errutil.LogMsg(db.Close(), "Failed to close journal")
		}()

		records, err := db.Recent(cmd.Context(), limit)
		if err != nil {
			return err
		}
		counts, err := db.Counts(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tSTORE\tREASON\tKEY")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Time.Format(time.RFC3339), r.Store, r.Reason, r.Key)
		}
		fmt.Fprintln(tw)
		for _, reason := range memstate.Reasons {
			fmt.Fprintf(tw, "%s\t%d\n", reason, counts[reason])
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().IntP("limit", "n", 20, "Number of events to show")
}
