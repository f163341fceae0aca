// Package oracles defines SQL invariant queries run directly against a
// service's own SQLite file after an actors run, grounded on the teacher's
// test/oracles/queries.go pattern: each oracle is a named SELECT that
// should return zero rows, and Run reports the first one that doesn't.
// The teacher's oracles join several domain tables in one Postgres
// database; this platform keeps one SQLite file per service, so the set is
// split three ways (Bank, Board, Court) and run separately against each.
package oracles

import (
	"context"
	"database/sql"
	"fmt"
)

// Oracle is one invariant check: SQL should return zero rows when the
// invariant holds.
type Oracle struct {
	Name string
	SQL  string
}

// BankOracles checks escrow/ledger invariants (spec.md §4.2).
func BankOracles() []Oracle {
	return []Oracle{
		{
			Name: "B1_no_negative_balance",
			SQL:  `SELECT account_id FROM accounts WHERE balance < 0`,
		},
		{
			Name: "B2_resolved_escrow_has_timestamp",
			SQL:  `SELECT escrow_id FROM escrows WHERE status IN ('released','split') AND resolved_at IS NULL`,
		},
		{
			Name: "B3_locked_escrow_has_no_timestamp",
			SQL:  `SELECT escrow_id FROM escrows WHERE status = 'locked' AND resolved_at IS NOT NULL`,
		},
		{
			Name: "B4_one_escrow_per_task_per_payer",
			SQL: `SELECT payer_account_id, task_id, COUNT(*) FROM escrows
			      GROUP BY payer_account_id, task_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "B5_transaction_reference_unique_per_account",
			SQL: `SELECT account_id, reference, COUNT(*) FROM transactions
			      GROUP BY account_id, reference HAVING COUNT(*) > 1`,
		},
		{
			Name: "B6_balance_matches_last_transaction",
			SQL: `SELECT a.account_id FROM accounts a
			      WHERE a.balance != COALESCE((
			          SELECT t.balance_after FROM transactions t
			          WHERE t.account_id = a.account_id
			          ORDER BY t.timestamp DESC, t.tx_id DESC LIMIT 1
			      ), 0)`,
		},
	}
}

// BoardOracles checks task state-machine invariants (spec.md §4.3).
func BoardOracles() []Oracle {
	return []Oracle{
		{
			Name: "T1_at_most_one_accepted_bid",
			SQL: `SELECT task_id FROM tasks
			      WHERE accepted_bid_id IS NOT NULL
			      GROUP BY task_id, accepted_bid_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "T2_accepted_bid_belongs_to_task",
			SQL: `SELECT t.task_id FROM tasks t
			      JOIN bids b ON b.bid_id = t.accepted_bid_id
			      WHERE b.task_id != t.task_id`,
		},
		{
			Name: "T3_terminal_status_has_no_worker_without_acceptance",
			SQL: `SELECT task_id FROM tasks
			      WHERE status IN ('submitted','approved','disputed','ruled')
			        AND (worker_id IS NULL OR accepted_bid_id IS NULL)`,
		},
		{
			Name: "T4_ruled_task_has_worker_pct",
			SQL:  `SELECT task_id FROM tasks WHERE status = 'ruled' AND worker_pct IS NULL`,
		},
		{
			Name: "T5_bid_count_matches_bids_table",
			SQL: `SELECT t.task_id FROM tasks t
			      WHERE t.bid_count != (SELECT COUNT(*) FROM bids b WHERE b.task_id = t.task_id)`,
		},
		{
			Name: "T6_one_bid_per_bidder_per_task",
			SQL: `SELECT task_id, bidder_id, COUNT(*) FROM bids
			      GROUP BY task_id, bidder_id HAVING COUNT(*) > 1`,
		},
	}
}

// CourtOracles checks dispute and ruling invariants (spec.md §4.4).
func CourtOracles() []Oracle {
	return []Oracle{
		{
			Name: "D1_at_most_one_dispute_per_task",
			SQL:  `SELECT task_id, COUNT(*) FROM disputes GROUP BY task_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "D2_ruled_dispute_has_worker_pct_and_timestamp",
			SQL:  `SELECT dispute_id FROM disputes WHERE status = 'ruled' AND (worker_pct IS NULL OR ruled_at IS NULL)`,
		},
		{
			Name: "D3_no_dispute_stuck_in_judging",
			SQL:  `SELECT dispute_id FROM disputes WHERE status = 'judging'`,
		},
		{
			Name: "D4_ruled_dispute_has_odd_vote_count",
			SQL: `SELECT d.dispute_id FROM disputes d
			      WHERE d.status = 'ruled'
			        AND (SELECT COUNT(*) FROM votes v WHERE v.dispute_id = d.dispute_id) % 2 = 0`,
		},
		{
			Name: "D5_vote_worker_pct_in_range",
			SQL:  `SELECT vote_id FROM votes WHERE worker_pct < 0 OR worker_pct > 100`,
		},
		{
			// A ruling may land before any rebuttal is filed (spec.md's
			// rebuttal window is advisory, not a precondition), so only
			// rebuttal_submitted itself is required to carry rebuttal text.
			Name: "D6_rebuttal_submitted_implies_rebuttal_text",
			SQL:  `SELECT dispute_id FROM disputes WHERE status = 'rebuttal_submitted' AND rebuttal IS NULL`,
		},
	}
}

// Run executes oracles in order against db and returns the first one that
// produced a row (its name and a text rendering of the row), or an empty
// name if every oracle passed.
func Run(ctx context.Context, db *sql.DB, checks []Oracle) (name string, sample string, err error) {
	for _, o := range checks {
		rows, queryErr := db.QueryContext(ctx, o.SQL)
		if queryErr != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, queryErr)
		}
		sample, hasRow, scanErr := firstRowText(rows)
		if scanErr != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, scanErr)
		}
		if hasRow {
			return o.Name, sample, nil
		}
	}
	return "", "", nil
}

func firstRowText(rows *sql.Rows) (string, bool, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return "", false, err
	}
	if !rows.Next() {
		return "", false, rows.Err()
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return "", false, err
	}
	return fmt.Sprintf("%v", vals), true, nil
}
