package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/tokenquota/pkg/cli"
	"mercator-hq/tokenquota/pkg/quota"
)

var limitFlags struct {
	operator  string
	model     string
	allModels bool
	remove    bool
}

var limitCmd = &cobra.Command{
	Use:   "limit",
	Short: "Change budgets",
	Long: `Change budgets. Every change is stored in the ledger as an override of
the policy file and recorded in the audit trail with the operator.

Limits are token counts, or "unlimited".

Examples:
  tokenquota limit set alice 200000 --model gpt-4
  tokenquota limit set alice unlimited --all-models
  tokenquota limit pool eng 5000000
  tokenquota limit member eng 250000 --model gpt-4
  tokenquota limit role eng lead 1000000
  tokenquota limit bypass eng carol
  tokenquota limit bypass eng carol --remove
  tokenquota limit default 100000 --model "*"`,
}

var limitSetCmd = &cobra.Command{
	Use:   "set ACTOR LIMIT",
	Short: "Set an actor's personal budget (fallback pool without --model)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := parseLimitArg(args[1])
		if err != nil {
			return err
		}
		if limitFlags.allModels && limitFlags.model != "" {
			return cli.NewConfigError("all-models", "cannot be combined with --model")
		}
		return mutate(cmd, func(e *engine, op string) error {
			if limitFlags.allModels {
				return e.controller.SetActorLimitAllModels(cmd.Context(), op, args[0], limit)
			}
			return e.controller.SetActorLimit(cmd.Context(), op, args[0], limitFlags.model, limit)
		})
	},
}

var limitPoolCmd = &cobra.Command{
	Use:   "pool GROUP LIMIT",
	Short: "Set a group's shared pool",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := parseLimitArg(args[1])
		if err != nil {
			return err
		}
		return mutate(cmd, func(e *engine, op string) error {
			return e.controller.SetGroupPoolLimit(cmd.Context(), op, args[0], limitFlags.model, limit)
		})
	},
}

var limitMemberCmd = &cobra.Command{
	Use:   "member GROUP LIMIT",
	Short: "Set the per-member budget inside a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := parseLimitArg(args[1])
		if err != nil {
			return err
		}
		return mutate(cmd, func(e *engine, op string) error {
			return e.controller.SetMemberLimit(cmd.Context(), op, args[0], limitFlags.model, limit)
		})
	},
}

var limitRoleCmd = &cobra.Command{
	Use:   "role GROUP ROLE LIMIT",
	Short: "Set the member budget for holders of a role",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := parseLimitArg(args[2])
		if err != nil {
			return err
		}
		return mutate(cmd, func(e *engine, op string) error {
			return e.controller.SetRoleLimit(cmd.Context(), op, args[0], args[1], limit)
		})
	},
}

var limitBypassCmd = &cobra.Command{
	Use:   "bypass GROUP ACTOR",
	Short: "Let an actor skip the member limit of a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, func(e *engine, op string) error {
			return e.controller.SetBypass(cmd.Context(), op, args[0], args[1], !limitFlags.remove)
		})
	},
}

var limitDefaultCmd = &cobra.Command{
	Use:   "default LIMIT",
	Short: `Set the default personal budget for a model ("*" for all)`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := parseLimitArg(args[0])
		if err != nil {
			return err
		}
		return mutate(cmd, func(e *engine, op string) error {
			return e.controller.SetDefaultLimit(cmd.Context(), op, limitFlags.model, limit)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset ACTOR",
	Short: "Start an actor's personal and member windows afresh",
	Long: `Start an actor's personal and member budget windows afresh. Usage
records are kept for reporting, and group pools are not affected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, func(e *engine, op string) error {
			return e.controller.ResetUsage(cmd.Context(), op, args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(limitCmd, resetCmd)
	limitCmd.AddCommand(limitSetCmd, limitPoolCmd, limitMemberCmd, limitRoleCmd, limitBypassCmd, limitDefaultCmd)

	defaultOperator := os.Getenv("USER")
	for _, c := range []*cobra.Command{limitCmd, resetCmd} {
		c.PersistentFlags().StringVar(&limitFlags.operator, "operator", defaultOperator, "operator recorded in the audit trail")
	}
	for _, c := range []*cobra.Command{limitSetCmd, limitPoolCmd, limitMemberCmd, limitDefaultCmd} {
		c.Flags().StringVar(&limitFlags.model, "model", "", "model the limit applies to (all models when empty)")
	}
	limitSetCmd.Flags().BoolVar(&limitFlags.allModels, "all-models", false, "set every known model and the fallback pool")
	limitBypassCmd.Flags().BoolVar(&limitFlags.remove, "remove", false, "remove the bypass instead of adding it")
}

func parseLimitArg(s string) (quota.Limit, error) {
	limit, err := quota.ParseLimit(s)
	if err != nil {
		return 0, cli.NewConfigError("limit", err.Error())
	}
	return limit, nil
}

// mutate runs one audited change and confirms it.
func mutate(cmd *cobra.Command, fn func(e *engine, operator string) error) error {
	return withEngine(cmd.Context(), func(e *engine) error {
		if err := fn(e, limitFlags.operator); err != nil {
			return cli.NewCommandError(cmd.CommandPath(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s applied\n", cmd.CommandPath())
		return nil
	})
}
