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

// All returns the projection invariants as queries whose result set must
// stay empty. Any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_canonical_pair_order",
			SQL:  `SELECT id, user1_id, user2_id FROM friendships WHERE user1_id >= user2_id`,
		},
		{
			Name: "O2_friendship_pair_unique",
			SQL: `SELECT user1_id, user2_id, COUNT(*) FROM friendships
                  GROUP BY user1_id, user2_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_referral_pair_unique",
			SQL: `SELECT referrer_id, referred_id, COUNT(*) FROM referrals
                  GROUP BY referrer_id, referred_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_user_name_unique",
			SQL: `SELECT name, COUNT(*) FROM users
                  GROUP BY name HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_friendship_status_domain",
			SQL:  `SELECT id, status FROM friendships WHERE status NOT IN ('ACTIVE','INACTIVE')`,
		},
		{
			Name: "O6_log_subject_resolves",
			SQL: `SELECT l.id FROM transaction_logs l
                  LEFT JOIN users u ON u.id = l.user_id
                  WHERE l.user_id IS NOT NULL AND u.id IS NULL`,
		},
		{
			Name: "O7_referral_endpoints_exist",
			SQL: `SELECT r.id FROM referrals r
                  LEFT JOIN users a ON a.id = r.referrer_id
                  LEFT JOIN users b ON b.id = r.referred_id
                  WHERE a.id IS NULL OR b.id IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or empty name if all pass.
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
