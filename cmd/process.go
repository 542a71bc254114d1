package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/complaint-orchestrator/internal/store"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
)

var processLookbackHours int

// processCmd resumes runs that were interrupted mid-flight, for example
// by a deploy or a crash. Completed stages are skipped via their
// persisted outputs, so a resumed run only pays for the remaining work.
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Resume interrupted pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.Store.ListRuns(ctx, store.RunFilter{
			CreatedAfter: time.Now().Add(-time.Duration(processLookbackHours) * time.Hour),
			Limit:        1000,
		})
		if err != nil {
			return err
		}

		resumed, failed := 0, 0
		for _, run := range runs {
			if run.State.Terminal() {
				continue
			}

			tc := tenant.Context{TenantID: run.TenantID, UserID: "system", Role: "system"}
			complaint, err := env.Store.GetComplaint(ctx, tc, run.ComplaintID)
			if err != nil || complaint == nil {
				zap.L().Warn("skipping run with unreadable complaint",
					zap.String("complaint_id", run.ComplaintID),
					zap.Error(err))
				failed++
				continue
			}
			// Risk scoring attributes history to the complainant.
			tc.UserID = complaint.UserID

			if err := env.Orchestrator.Run(ctx, tc, run.ComplaintID); err != nil {
				zap.L().Error("resume failed",
					zap.String("complaint_id", run.ComplaintID),
					zap.String("tenant_id", run.TenantID),
					zap.Error(err))
				failed++
				continue
			}
			resumed++
		}

		zap.L().Info("resume sweep complete",
			zap.Int("resumed", resumed),
			zap.Int("failed", failed),
			zap.Int("scanned", len(runs)))
		return nil
	},
}

func init() {
	processCmd.Flags().IntVar(&processLookbackHours, "lookback-hours", 24, "how far back to scan for interrupted runs")
	rootCmd.AddCommand(processCmd)
}
