package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// maxErrorLen bounds stored failure messages.
const maxErrorLen = 512

// AlertEnqueueParams describes a queue entry to create.
type AlertEnqueueParams struct {
	AlertType       string
	Symbol          string
	Timestamp       int64
	TriggerSource   string
	TriggerZScore   float64
	ZScore          float64
	Delta           float64
	DeltaZScore     float64
	Threshold       float64
	CumulativeValue float64
	Payload         []byte
}

// AlertQueueRecord is one row of the durable alert queue.
type AlertQueueRecord struct {
	ID              int64
	AlertType       string
	Symbol          string
	Timestamp       int64
	TriggerSource   string
	TriggerZScore   float64
	ZScore          float64
	Delta           float64
	DeltaZScore     float64
	Threshold       float64
	CumulativeValue float64
	Payload         []byte
	AttemptCount    int
	LastError       string
	ProcessedAt     *int64
	CreatedAt       int64
}

// EnqueueAlert appends a pending entry and returns its id.
func (s *Store) EnqueueAlert(ctx context.Context, p AlertEnqueueParams) (int64, error) {
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO alert_queue
				(alert_type, symbol, timestamp, trigger_source, trigger_z_score, z_score,
				 delta, delta_z_score, threshold, cumulative_value, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.AlertType, p.Symbol, p.Timestamp, p.TriggerSource, p.TriggerZScore, p.ZScore,
			p.Delta, p.DeltaZScore, p.Threshold, p.CumulativeValue, string(payload), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("enqueue alert: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// GetPendingAlerts returns unprocessed entries in (timestamp, id) order.
func (s *Store) GetPendingAlerts(ctx context.Context, limit int) ([]AlertQueueRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx, `
		SELECT id, alert_type, symbol, timestamp, trigger_source, trigger_z_score, z_score,
		       delta, delta_z_score, threshold, cumulative_value, payload, attempt_count,
		       COALESCE(last_error, ''), processed_at, created_at
		FROM alert_queue
		WHERE processed_at IS NULL
		ORDER BY timestamp ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AlertQueueRecord
	for rows.Next() {
		rec, err := scanAlertRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetAlert reads a single queue entry by id; nil when absent.
func (s *Store) GetAlert(ctx context.Context, id int64) (*AlertQueueRecord, error) {
	rows, err := s.query(ctx, `
		SELECT id, alert_type, symbol, timestamp, trigger_source, trigger_z_score, z_score,
		       delta, delta_z_score, threshold, cumulative_value, payload, attempt_count,
		       COALESCE(last_error, ''), processed_at, created_at
		FROM alert_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanAlertRecord(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanAlertRecord(rows *sql.Rows) (AlertQueueRecord, error) {
	var (
		rec       AlertQueueRecord
		payload   string
		processed sql.NullInt64
	)
	if err := rows.Scan(&rec.ID, &rec.AlertType, &rec.Symbol, &rec.Timestamp, &rec.TriggerSource,
		&rec.TriggerZScore, &rec.ZScore, &rec.Delta, &rec.DeltaZScore, &rec.Threshold,
		&rec.CumulativeValue, &payload, &rec.AttemptCount, &rec.LastError, &processed, &rec.CreatedAt); err != nil {
		return AlertQueueRecord{}, err
	}
	rec.Payload = []byte(payload)
	if processed.Valid {
		v := processed.Int64
		rec.ProcessedAt = &v
	}
	return rec, nil
}

// MarkAlertAttempt increments the attempt counter before a dispatch try.
func (s *Store) MarkAlertAttempt(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE alert_queue SET attempt_count = attempt_count + 1 WHERE id = ?`, id)
		return err
	})
}

// MarkAlertProcessed settles an entry. clearError=true on success wipes any
// recorded failure; terminal failures keep last_error for forensics.
func (s *Store) MarkAlertProcessed(ctx context.Context, id int64, clearError bool) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if clearError {
			_, err := tx.ExecContext(ctx,
				`UPDATE alert_queue SET processed_at = ?, last_error = NULL WHERE id = ?`, now, id)
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE alert_queue SET processed_at = ? WHERE id = ?`, now, id)
		return err
	})
}

// MarkAlertFailure records a failed attempt, truncating the message.
func (s *Store) MarkAlertFailure(ctx context.Context, id int64, message string) error {
	if len(message) > maxErrorLen {
		message = message[:maxErrorLen]
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE alert_queue SET last_error = ? WHERE id = ?`, message, id)
		return err
	})
}

// HasRecentAlertOrPending implements the suppression check: true when a
// pending queue entry exists for (type, symbol), or the history shows a
// dispatch at or after sinceTs.
func (s *Store) HasRecentAlertOrPending(ctx context.Context, alertType, symbol string, sinceTs int64) (bool, error) {
	var pending int64
	if err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM alert_queue
		WHERE alert_type = ? AND symbol = ? AND processed_at IS NULL`,
		alertType, symbol).Scan(&pending); err != nil {
		return false, err
	}
	if pending > 0 {
		return true, nil
	}
	var recent int64
	if err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM alert_history
		WHERE alert_type = ? AND symbol = ? AND timestamp >= ?`,
		alertType, symbol, sinceTs).Scan(&recent); err != nil {
		return false, err
	}
	return recent > 0, nil
}

// AlertHistoryParams describes a successfully dispatched alert.
type AlertHistoryParams struct {
	AlertType     string
	Symbol        string
	Timestamp     int64
	TriggerSource string
	TriggerZScore float64
	Payload       []byte
}

// InsertAlertHistory appends to the permanent dispatch log.
func (s *Store) InsertAlertHistory(ctx context.Context, p AlertHistoryParams) error {
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alert_history
				(alert_type, symbol, timestamp, trigger_source, trigger_z_score, payload, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.AlertType, p.Symbol, p.Timestamp, p.TriggerSource, p.TriggerZScore,
			string(payload), time.Now().UnixMilli())
		return err
	})
}
