package cursor

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore keeps cursors in the indexer_cursors table so they live next
// to the projected data.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Load(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT event_type, cursor FROM indexer_cursors`)
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var eventType, c string
		if err := rows.Scan(&eventType, &c); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		if c != "" {
			out[eventType] = c
		}
	}
	return out, rows.Err()
}

func (p *PostgresStore) Save(ctx context.Context, eventType, cursor string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO indexer_cursors (event_type, cursor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_type) DO UPDATE
		SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at
	`, eventType, cursor)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", eventType, err)
	}
	return nil
}
