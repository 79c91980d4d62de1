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
			Name: "O1_single_accepted_quote",
			SQL: `SELECT request_id, COUNT(*) FROM quotes
                  WHERE status = 'accepted'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_ledger_record",
			SQL: `SELECT request_id, COUNT(*) FROM accepted_quotes
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_ledger_backs_waiting_request",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'waiting_for_rating'
                    AND NOT EXISTS (SELECT 1 FROM accepted_quotes aq WHERE aq.request_id = r.id)`,
		},
		{
			Name: "O4_ledger_quote_match",
			SQL: `SELECT aq.id FROM accepted_quotes aq
                  JOIN quotes q ON q.id = aq.quote_id
                  WHERE q.request_id <> aq.request_id`,
		},
		{
			Name: "O5_referral_unique_pair",
			SQL: `SELECT user_id, professional_id, COUNT(*) FROM referrals
                  GROUP BY user_id, professional_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_payment_method_recorded",
			SQL:  `SELECT id FROM accepted_quotes WHERE payment_method NOT IN ('cash', 'credit')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and a sample
// row) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
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
