//go:build integration

package admission

import (
	"context"
	"os"

	"mercator-hq/tokenquota/pkg/quota/ledger"
)

func init() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return
	}
	ledgerBackends = append(ledgerBackends, ledgerBackend{"postgres", func(string) (ledger.Store, error) {
		s, err := ledger.Open(ledger.Config{Backend: "postgres", DSN: dsn}, nil)
		if err != nil {
			return nil, err
		}
		_, err = s.(*ledger.SQLStore).DB().ExecContext(context.Background(),
			`TRUNCATE usage_records, usage_charges, reservations, reservation_scopes, policy_entries, config_events`)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}})
}
