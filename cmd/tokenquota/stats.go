package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/tokenquota/pkg/cli"
	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/analytics"
	"mercator-hq/tokenquota/pkg/quota/ledger"
)

var statsFlags struct {
	timeRange    string
	from         string
	to           string
	actor        string
	group        string
	channel      string
	model        string
	chargeSource string
	by           string
	top          int
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report token usage statistics",
	Long: `Report token usage from the ledger.

Without --by the full report is produced: totals, top actors and groups,
per-model and per-charge-source breakdowns and a daily series. Text and
CSV output show the totals; use --by for a single breakdown or -o json for
everything.

Time Range Format:
  "start/end" with RFC 3339 timestamps or YYYY-MM-DD dates

Examples:
  tokenquota stats --time-range 2026-03-01/2026-03-31
  tokenquota stats --group eng --by actor --top 20
  tokenquota stats --by day -o csv`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	f := statsCmd.Flags()
	f.StringVar(&statsFlags.timeRange, "time-range", "", `time range "start/end"`)
	f.StringVar(&statsFlags.from, "from", "", "start time (RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&statsFlags.to, "to", "", "end time (RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&statsFlags.actor, "actor", "", "filter by actor")
	f.StringVar(&statsFlags.group, "group", "", "filter by group")
	f.StringVar(&statsFlags.channel, "channel", "", "filter by channel")
	f.StringVar(&statsFlags.model, "model", "", "filter by model")
	f.StringVar(&statsFlags.chargeSource, "charge-source", "", "filter by charge source")
	f.StringVar(&statsFlags.by, "by", "", "single breakdown: actor, group, model, channel, charge_source, day")
	f.IntVar(&statsFlags.top, "top", analytics.DefaultTopN, "number of leaders for actor and group breakdowns")
}

func runStats(cmd *cobra.Command, args []string) error {
	from, to, err := parseRange(statsFlags.timeRange, statsFlags.from, statsFlags.to)
	if err != nil {
		return err
	}
	filter := ledger.Filter{
		ActorID:      statsFlags.actor,
		GroupID:      statsFlags.group,
		ChannelID:    statsFlags.channel,
		ModelID:      statsFlags.model,
		ChargeSource: quota.ChargeSource(statsFlags.chargeSource),
		From:         from,
		To:           to,
	}

	return withEngine(cmd.Context(), func(e *engine) error {
		ctx := cmd.Context()
		r := e.reporter

		var buckets []ledger.Bucket
		switch by := ledger.Dimension(statsFlags.by); by {
		case "":
			stats, err := r.GetStatistics(ctx, filter, statsFlags.top)
			if err != nil {
				return cli.NewCommandError("stats", err)
			}
			if outputFormat == string(cli.FormatJSON) {
				return printResult(cmd, stats)
			}
			return printResult(cmd, totalsTable{stats.Totals})
		case ledger.ByActor:
			buckets, err = r.TopActors(ctx, filter, statsFlags.top)
		case ledger.ByGroup:
			buckets, err = r.TopGroups(ctx, filter, statsFlags.top)
		case ledger.ByModel:
			var models []analytics.ModelUsage
			if models, err = r.ByModel(ctx, filter); err == nil {
				for _, m := range models {
					buckets = append(buckets, m.Bucket)
				}
			}
		case ledger.ByChargeSource:
			buckets, err = r.ByChargeSource(ctx, filter)
		case ledger.ByDay:
			buckets, err = r.Daily(ctx, filter)
		case ledger.ByChannel:
			buckets, err = e.ledger.Aggregate(ctx, ledger.AggregateQuery{Filter: filter, By: by})
		default:
			return cli.NewConfigError("by", fmt.Sprintf("unknown breakdown %q", statsFlags.by))
		}
		if err != nil {
			return cli.NewCommandError("stats", err)
		}
		return printResult(cmd, bucketTable{key: strings.ToUpper(statsFlags.by), buckets: buckets})
	})
}

// parseRange combines --time-range with --from/--to; the explicit flags
// win.
func parseRange(timeRange, fromFlag, toFlag string) (time.Time, time.Time, error) {
	if timeRange != "" {
		start, end, ok := strings.Cut(timeRange, "/")
		if !ok {
			return time.Time{}, time.Time{}, cli.NewConfigError("time-range", `expected "start/end"`)
		}
		if fromFlag == "" {
			fromFlag = start
		}
		if toFlag == "" {
			toFlag = end
		}
	}

	from, err := parseTime(fromFlag, false)
	if err != nil {
		return time.Time{}, time.Time{}, cli.NewConfigError("from", err.Error())
	}
	to, err := parseTime(toFlag, true)
	if err != nil {
		return time.Time{}, time.Time{}, cli.NewConfigError("to", err.Error())
	}
	return from, to, nil
}

// parseTime accepts RFC 3339 and YYYY-MM-DD. A date used as an end bound
// covers the whole day.
func parseTime(v string, end bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", v)
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

type totalsTable struct {
	*ledger.Totals
}

func (totalsTable) Header() []string { return []string{"METRIC", "VALUE"} }

func (t totalsTable) Rows() [][]string {
	rows := [][]string{
		{"calls", strconv.FormatInt(t.Calls, 10)},
		{"prompt_tokens", strconv.FormatInt(t.PromptTokens, 10)},
		{"completion_tokens", strconv.FormatInt(t.CompletionTokens, 10)},
		{"total_tokens", strconv.FormatInt(t.TotalTokens, 10)},
		{"unique_actors", strconv.FormatInt(t.UniqueActors, 10)},
		{"unique_groups", strconv.FormatInt(t.UniqueGroups, 10)},
	}
	if !t.FirstSeen.IsZero() {
		rows = append(rows,
			[]string{"first_seen", t.FirstSeen.UTC().Format(time.RFC3339)},
			[]string{"last_seen", t.LastSeen.UTC().Format(time.RFC3339)},
		)
	}
	return rows
}

type bucketTable struct {
	key     string
	buckets []ledger.Bucket
}

func (t bucketTable) Header() []string {
	return []string{t.key, "CALLS", "PROMPT", "COMPLETION", "TOTAL", "ACTORS"}
}

func (t bucketTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.buckets))
	for _, b := range t.buckets {
		rows = append(rows, []string{
			b.Key,
			strconv.FormatInt(b.Calls, 10),
			strconv.FormatInt(b.PromptTokens, 10),
			strconv.FormatInt(b.CompletionTokens, 10),
			strconv.FormatInt(b.TotalTokens, 10),
			strconv.FormatInt(b.UniqueActors, 10),
		})
	}
	return rows
}

// MarshalJSON writes only the buckets.
func (t bucketTable) MarshalJSON() ([]byte, error) {
	if t.buckets == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.buckets)
}
