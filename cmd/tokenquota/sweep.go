package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/tokenquota/pkg/cli"
	"mercator-hq/tokenquota/pkg/quota/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire abandoned reservations and prune old ones once",
	Long: `Run the reservation sweeper once. Reservations past their expiry are
marked expired, and resolved reservations older than sweeper.prune_after
are deleted. Usage records are never deleted.

The run command sweeps on sweeper.schedule; use this when the server runs
with the sweeper disabled, for example from an external cron job.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *engine) error {
			sw := sweeper.New(e.ledger, sweeper.Config{PruneAfter: e.config.Sweeper.PruneAfter}, nil, e.logger)
			res, err := sw.Sweep(cmd.Context())
			if err != nil {
				return cli.NewCommandError("sweep", err)
			}
			return printResult(cmd, sweepTable{res})
		})
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

type sweepTable struct {
	sweeper.Result
}

func (sweepTable) Header() []string { return []string{"EXPIRED", "PRUNED", "AT"} }

func (t sweepTable) Rows() [][]string {
	return [][]string{{strconv.Itoa(t.Expired), strconv.Itoa(t.Pruned), t.At.UTC().Format(time.RFC3339)}}
}
