package db

import (
	"context"
	"fmt"
)

// TableCount is the approximate number of live rows in one table.
type TableCount struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// TableCounts lists the tables of the shop schema with their row estimates
// from pg_stat_user_tables.
func (d *Database) TableCounts(ctx context.Context) ([]TableCount, error) {
	rows, err := d.Pool.Query(ctx, `
		SELECT t.table_name, COALESCE(s.n_live_tup, 0)::bigint
		FROM information_schema.tables t
		LEFT JOIN pg_stat_user_tables s
		  ON s.schemaname = t.table_schema AND s.relname = t.table_name
		WHERE t.table_schema = $1 AND t.table_type = 'BASE TABLE'
		ORDER BY t.table_name
	`, d.Schema)
	if err != nil {
		return nil, fmt.Errorf("query table counts: %w", err)
	}
	defer rows.Close()

	counts := []TableCount{}
	for rows.Next() {
		var tc TableCount
		if err := rows.Scan(&tc.Name, &tc.Rows); err != nil {
			return nil, fmt.Errorf("scan table count: %w", err)
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}
