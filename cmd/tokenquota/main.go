// Tokenquota enforces layered token budgets for shared model access.
//
// Callers reserve an estimate before a model call, then commit the real
// usage or release the reservation. Budgets are layered: a group pool, a
// per-member or per-role limit inside the group, and a personal budget the
// caller falls back to when the group is exhausted.
//
// Usage:
//
//	# Serve the HTTP API with the reservation sweeper and policy watcher
//	tokenquota run --config /etc/tokenquota/config.yaml
//
//	# Show an actor's budget on a model
//	tokenquota usage --actor alice --model gpt-4
//
//	# Raise a group's shared pool
//	tokenquota limit pool eng 5000000
//
//	# Usage statistics for March, as CSV
//	tokenquota stats --time-range 2026-03-01/2026-03-31 -o csv
package main

func main() {
	Execute()
}
