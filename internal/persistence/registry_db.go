package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresTradeChecker is the durable tier of the trade-id registry. The
// in-memory LRU catches the hot window; anything that ages out of it falls
// through to this lookup.
type PostgresTradeChecker struct {
	db *sql.DB
}

func NewPostgresTradeChecker(db *sql.DB) *PostgresTradeChecker {
	return &PostgresTradeChecker{db: db}
}

// Seen reports whether the trade id exists in guard.trade_registry. A DB
// error is returned as-is; the registry fails closed on it rather than
// risking a double-counted fill.
func (c *PostgresTradeChecker) Seen(tradeID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM guard.trade_registry
        WHERE trade_id = $1
        LIMIT 1
    `

	var exists int
	err := c.db.QueryRowContext(ctx, query, tradeID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
