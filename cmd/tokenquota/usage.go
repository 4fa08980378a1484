package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"mercator-hq/tokenquota/pkg/cli"
	"mercator-hq/tokenquota/pkg/quota"
)

var usageFlags struct {
	actor  string
	group  string
	model  string
	roles  []string
	window string
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show an actor's usage against the budget that applies",
	Long: `Show how much of a budget an actor has used.

The reported budget is the one a reservation would be charged to, or the
one that would deny it when every budget is exhausted.

Examples:
  tokenquota usage --actor alice --model gpt-4
  tokenquota usage --actor bob --group eng --roles lead --model gpt-4
  tokenquota usage --actor alice --model gpt-4 --window 7d -o json`,
	RunE: runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.Flags().StringVar(&usageFlags.actor, "actor", "", "actor ID (required)")
	usageCmd.Flags().StringVar(&usageFlags.group, "group", "", "group ID")
	usageCmd.Flags().StringVar(&usageFlags.model, "model", "", "model ID (required)")
	usageCmd.Flags().StringSliceVar(&usageFlags.roles, "roles", nil, "roles held in the group")
	usageCmd.Flags().StringVar(&usageFlags.window, "window", "", "override the budget window (e.g. 7d, 168h)")
	_ = usageCmd.MarkFlagRequired("actor")
	_ = usageCmd.MarkFlagRequired("model")
}

func runUsage(cmd *cobra.Command, args []string) error {
	window, err := quota.ParseWindow(usageFlags.window)
	if err != nil {
		return cli.NewConfigError("window", err.Error())
	}

	return withEngine(cmd.Context(), func(e *engine) error {
		report, err := e.controller.GetUsage(cmd.Context(), quota.UsageQuery{
			ActorID: usageFlags.actor,
			GroupID: usageFlags.group,
			ModelID: usageFlags.model,
			Roles:   usageFlags.roles,
			Window:  window,
		})
		if err != nil {
			return cli.NewCommandError("usage", err)
		}
		return printResult(cmd, usageTable{report})
	})
}

// usageTable renders usage reports.
type usageTable []*quota.UsageReport

func (usageTable) Header() []string {
	return []string{"SCOPE", "CHARGE_SOURCE", "USED", "RESERVED", "LIMIT", "REMAINING", "WINDOW"}
}

func (t usageTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		remaining := strconv.FormatInt(r.Remaining, 10)
		if r.Unlimited {
			remaining = "unlimited"
		}
		rows = append(rows, []string{
			r.Scope.Key,
			string(r.ChargeSource),
			strconv.FormatInt(r.Used, 10),
			strconv.FormatInt(r.Reserved, 10),
			r.Limit.String(),
			remaining,
			quota.FormatWindow(r.Window),
		})
	}
	return rows
}
