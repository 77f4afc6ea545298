package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stayline/callwire/internal/history"
	"github.com/stayline/callwire/internal/util"
)

var (
	flagLimit   int
	flagSummary bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		rec, err := history.Open(util.ResolvePath(flagDataDir, cfg.History.DBPath))
		if err != nil {
			return err
		}
		defer rec.Close()

		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
		defer cancel()

		if flagSummary {
			st, err := rec.Summary(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Calls: %d total (%d ended, %d rejected, %d missed)\n",
				st.Total, st.Ended, st.Rejected, st.Missed)
			fmt.Printf("Talk time: %s\n", time.Duration(st.TotalSeconds)*time.Second)
			return nil
		}

		entries, err := rec.List(ctx, flagLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No calls recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tFROM\tTO\tKIND\tSTATUS\tDURATION")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.EndedAt.Local().Format("2006-01-02 15:04"),
				e.From, e.To, e.Kind, e.FinalStatus,
				time.Duration(e.DurationSeconds)*time.Second)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&flagLimit, "limit", "n", 50, "maximum entries to list")
	historyCmd.Flags().BoolVar(&flagSummary, "summary", false, "print aggregate counters instead of entries")
}
