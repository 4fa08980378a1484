package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/tokenquota/pkg/cli"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "tokenquota",
	Short: "Layered token quota accounting and admission control",
	Long: `Tokenquota admits model calls against layered token budgets and keeps a
durable ledger of what every actor, group and model consumed.

Budgets are checked in order: the group pool together with the member or
role limit, then the actor's personal budget. Reservations hold an estimate
until the caller commits real usage, releases it, or it expires.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with a status derived from the
// error, see cli.ExitCode.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults plus TOKENQUOTA_* environment when empty)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, json, csv)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// printResult writes data in the --output format.
func printResult(cmd *cobra.Command, data any) error {
	format, err := cli.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), data)
}
