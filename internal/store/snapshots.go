package store

import (
	"database/sql"
	"fmt"
	"time"
)

// QuoteSnapshot is one freshly fetched quote, kept for history queries.
type QuoteSnapshot struct {
	ID        int64    `json:"id"`
	TS        int64    `json:"ts"`
	Symbol    string   `json:"symbol"`
	Bid       float64  `json:"bid"`
	Ask       float64  `json:"ask"`
	BidSize   int64    `json:"bid_size"`
	AskSize   int64    `json:"ask_size"`
	Last      *float64 `json:"last,omitempty"`
	Source    string   `json:"source"`
	CreatedAt string   `json:"created_at"`
}

func (s *Store) InsertQuoteSnapshot(q QuoteSnapshot) error {
	if s == nil || s.db == nil {
		return nil
	}
	if q.CreatedAt == "" {
		q.CreatedAt = time.Now().Format(time.RFC3339)
	}
	var last sql.NullFloat64
	if q.Last != nil {
		last = sql.NullFloat64{Float64: *q.Last, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO quote_snapshot (ts, symbol, bid, ask, bid_size, ask_size, last, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.TS, q.Symbol, q.Bid, q.Ask, q.BidSize, q.AskSize, last, q.Source, q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert quote snapshot: %w", err)
	}
	return nil
}

// QueryQuoteSnapshots lists newest first. An empty symbol lists all symbols.
func (s *Store) QueryQuoteSnapshots(symbol string, limit int, offset int) ([]QuoteSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = clampPage(limit, offset)
	query := `SELECT id, ts, symbol, bid, ask, bid_size, ask_size, last, source, created_at FROM quote_snapshot`
	var args []any
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query quote snapshot: %w", err)
	}
	defer rows.Close()
	var out []QuoteSnapshot
	for rows.Next() {
		var q QuoteSnapshot
		var last sql.NullFloat64
		var source, created sql.NullString
		if err := rows.Scan(&q.ID, &q.TS, &q.Symbol, &q.Bid, &q.Ask, &q.BidSize, &q.AskSize, &last, &source, &created); err != nil {
			return nil, fmt.Errorf("scan quote snapshot: %w", err)
		}
		if last.Valid {
			v := last.Float64
			q.Last = &v
		}
		q.Source, q.CreatedAt = source.String, created.String
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows quote snapshot: %w", err)
	}
	return out, nil
}

// PruneQuoteSnapshots deletes snapshots with ts (unix millis) before the cutoff.
func (s *Store) PruneQuoteSnapshots(before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.Exec(`DELETE FROM quote_snapshot WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune quote snapshot: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
