package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/resilience"
	"github.com/sells-group/complaint-orchestrator/internal/store"
)

var (
	runsTenant string
	runsState  string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns(ctx, store.RunFilter{
			TenantID: runsTenant,
			State:    model.RunState(runsState),
			Limit:    runsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COMPLAINT\tTENANT\tSTATE\tSTAGE\tCAUSE\tAGE")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ComplaintID, r.TenantID, r.State, r.CurrentStage, r.Cause,
				time.Since(r.StartedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

var deadlettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List dead-lettered stage failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.ListDeadLetters(ctx, resilience.DeadLetterFilter{
			TenantID: runsTenant,
			Limit:    runsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COMPLAINT\tTENANT\tSTAGE\tTYPE\tRETRIES\tERROR")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				e.ComplaintID, e.TenantID, e.Stage, e.ErrorType, e.RetryCount, e.MaxRetries, e.Error)
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsTenant, "tenant", "", "filter by tenant id")
	runsCmd.Flags().StringVar(&runsState, "state", "", "filter by run state")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum rows")
	deadlettersCmd.Flags().StringVar(&runsTenant, "tenant", "", "filter by tenant id")
	deadlettersCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum rows")
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(deadlettersCmd)
}
