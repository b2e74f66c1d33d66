// Package oracles holds the SQL invariant checks the stress harness runs
// while actors are hammering the ledger. Every query returns rows only when
// its invariant is violated.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_balance_nonnegative",
			SQL: `SELECT project_id,
                         COALESCE(SUM(amount) FILTER (WHERE entry_type = 'deposit' AND status = 'completed'), 0)
                       - COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('release','milestone_release') AND status = 'completed'), 0)
                       - COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('refund','partial_refund') AND status = 'completed'), 0) AS available
                  FROM escrow_entries
                  GROUP BY project_id
                  HAVING COALESCE(SUM(amount) FILTER (WHERE entry_type = 'deposit' AND status = 'completed'), 0)
                       - COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('release','milestone_release') AND status = 'completed'), 0)
                       - COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('refund','partial_refund') AND status = 'completed'), 0) < 0`,
		},
		{
			Name: "O2_released_percentage_bound",
			SQL: `SELECT id, released_percentage FROM escrow_entries
                  WHERE entry_type = 'deposit' AND released_percentage > 100`,
		},
		{
			Name: "O3_gateway_reference_unique",
			SQL: `SELECT gateway_reference, COUNT(*) FROM escrow_entries
                  WHERE gateway_reference IS NOT NULL
                  GROUP BY gateway_reference HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_payout_traces_deposit",
			SQL: `SELECT id, entry_type FROM escrow_entries
                  WHERE entry_type IN ('release','milestone_release','refund','partial_refund')
                    AND parent_entry_id IS NULL`,
		},
		{
			Name: "O5_dispute_state_consistent",
			SQL: `SELECT id, status, dispute_status FROM escrow_entries
                  WHERE (status = 'disputed' AND dispute_status <> 'pending')
                     OR (status <> 'disputed' AND dispute_status = 'pending')`,
		},
		{
			Name: "O6_refund_reason_present",
			SQL: `SELECT id FROM escrow_entries
                  WHERE entry_type IN ('refund','partial_refund') AND refund_reason IS NULL`,
		},
		{
			Name: "O7_milestone_budget",
			SQL: `SELECT project_id, SUM(target_release_percentage) FROM milestones
                  GROUP BY project_id HAVING SUM(target_release_percentage) > 100`,
		},
		{
			Name: "O8_ownership_budget",
			SQL: `SELECT project_id, SUM(percentage_owned) FROM share_ownerships
                  GROUP BY project_id HAVING SUM(percentage_owned) > 100`,
		},
		{
			Name: "O9_distribution_sum_exact",
			SQL: `SELECT e.id, e.amount, COALESCE(SUM(d.amount) FILTER (WHERE d.status = 'completed'), 0) AS paid
                  FROM revenue_events e
                  LEFT JOIN distributions d ON d.revenue_event_id = e.id
                  WHERE e.is_distributed
                  GROUP BY e.id, e.amount
                  HAVING COALESCE(SUM(d.amount) FILTER (WHERE d.status = 'completed'), 0) <> e.amount`,
		},
		{
			Name: "O10_recipient_paid_once",
			SQL: `SELECT revenue_event_id, recipient_id, COUNT(*) FROM distributions
                  WHERE status = 'completed'
                  GROUP BY revenue_event_id, recipient_id HAVING COUNT(*) > 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
