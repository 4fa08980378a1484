package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/tokenquota/pkg/cli"
	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/ledger"
)

var auditFlags struct {
	kind       string
	entityType string
	entity     string
	timeRange  string
	from       string
	to         string
	limit      int
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List configuration changes, newest first",
	Long: `List configuration changes recorded in the ledger: limit changes,
bypasses, usage resets and policy reloads.

Examples:
  tokenquota audit --limit 20
  tokenquota audit --entity-type group --entity eng
  tokenquota audit --kind reset_usage --time-range 2026-03-01/2026-03-31 -o csv`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	f := auditCmd.Flags()
	f.StringVar(&auditFlags.kind, "kind", "", "event kind (e.g. set_actor_limit, reset_usage, policy_reload)")
	f.StringVar(&auditFlags.entityType, "entity-type", "", "actor, group or default")
	f.StringVar(&auditFlags.entity, "entity", "", "entity ID")
	f.StringVar(&auditFlags.timeRange, "time-range", "", `time range "start/end"`)
	f.StringVar(&auditFlags.from, "from", "", "start time (RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&auditFlags.to, "to", "", "end time (RFC 3339 or YYYY-MM-DD)")
	f.IntVar(&auditFlags.limit, "limit", 50, "maximum events (0 for all)")
}

func runAudit(cmd *cobra.Command, args []string) error {
	from, to, err := parseRange(auditFlags.timeRange, auditFlags.from, auditFlags.to)
	if err != nil {
		return err
	}

	return withEngine(cmd.Context(), func(e *engine) error {
		events, err := e.reporter.AuditTrail(cmd.Context(), ledger.EventQuery{
			Kind:       quota.EventKind(auditFlags.kind),
			EntityType: quota.EntityType(auditFlags.entityType),
			EntityID:   auditFlags.entity,
			From:       from,
			To:         to,
			Limit:      auditFlags.limit,
		})
		if err != nil {
			return cli.NewCommandError("audit", err)
		}
		if events == nil {
			events = []*quota.ConfigEvent{}
		}
		return printResult(cmd, auditTable(events))
	})
}

type auditTable []*quota.ConfigEvent

func (auditTable) Header() []string {
	return []string{"TIME", "KIND", "ENTITY", "MODEL", "KEY", "VALUE", "OPERATOR"}
}

func (t auditTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, e := range t {
		value := strconv.FormatInt(e.Value, 10)
		switch e.Kind {
		case quota.EventResetUsage:
			value = ""
		case quota.EventSetBypass:
			value = strconv.FormatBool(e.Value == 1)
		case quota.EventPolicyReload:
			value = "v" + value
		default:
			value = quota.Limit(e.Value).String()
		}
		rows = append(rows, []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.Kind),
			string(e.EntityType) + ":" + e.EntityID,
			e.ModelID,
			e.Key,
			value,
			e.Operator,
		})
	}
	return rows
}
