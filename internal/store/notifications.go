package store

import (
	"fmt"
	"time"
)

type NotificationRecord struct {
	TS        int64  `json:"ts"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	DedupKey  string `json:"dedup_key"`
	Status    string `json:"status"`
	Channel   string `json:"channel"`
	ErrCode   int    `json:"errcode"`
	ErrMsg    string `json:"errmsg"`
	PayloadMD string `json:"payload_md"`
	CreatedAt string `json:"created_at"`
}

func (s *Store) InsertNotification(n NotificationRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if n.CreatedAt == "" {
		n.CreatedAt = time.Now().Format(time.RFC3339)
	}
	_, err := s.db.Exec(
		`INSERT INTO notifications (ts, kind, title, dedup_key, status, channel, errcode, errmsg, payload_md, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.TS, n.Kind, n.Title, n.DedupKey, n.Status, n.Channel, n.ErrCode, n.ErrMsg, n.PayloadMD, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *Store) QueryNotificationsByDedupKey(key string) ([]NotificationRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	rows, err := s.db.Query(
		`SELECT ts, kind, title, dedup_key, status, channel, errcode, errmsg, payload_md, created_at
		FROM notifications WHERE dedup_key = ? ORDER BY ts DESC`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications dedup: %w", err)
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var n NotificationRecord
		if err := rows.Scan(&n.TS, &n.Kind, &n.Title, &n.DedupKey, &n.Status, &n.Channel, &n.ErrCode, &n.ErrMsg, &n.PayloadMD, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows notification: %w", err)
	}
	return out, nil
}
