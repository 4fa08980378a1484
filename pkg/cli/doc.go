/*
Package cli provides command-line helpers for the tokenquota command.

Output Formatting:

Results are written as text, JSON or CSV. Values implementing Table render
as aligned columns in text mode and as rows in CSV mode:

	formatter := cli.NewFormatter(cli.FormatCSV)
	if err := formatter.FormatTo(os.Stdout, usageTable); err != nil {
		return err
	}

Exit Codes:

ExitCode maps engine errors to process exit statuses, so scripts can tell a
denial (3) from an unreachable ledger (4) or a bad argument (2).

Signal Handling:

For graceful shutdown on SIGINT/SIGTERM:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()
*/
package cli
