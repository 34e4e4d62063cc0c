package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/queue.report/internal/queue"
)

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// fromUnix rounds to the microsecond, the precision a float64 of unix
// seconds keeps.
func fromUnix(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3).UTC()
}

func seconds(d time.Duration) float64 { return d.Seconds() }

func fromSeconds(s float64) time.Duration {
	return time.Duration(math.Round(s*1e6)) * time.Microsecond
}

// InsertServiceRecord stores one completed service.
func (db *DB) InsertServiceRecord(ctx context.Context, sessionID string, r queue.ServiceRecord) error {
	_, err := db.ExecContext(ctx, `INSERT INTO service_records (
			session_id, counter_id, track_id, lane, entry_unix, start_unix, end_unix, service_s, wait_s
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, r.CounterID, r.TrackID, string(r.Lane),
		toUnix(r.EntryAt), toUnix(r.StartAt), toUnix(r.EndAt),
		seconds(r.ServiceDuration), seconds(r.WaitDuration),
	)
	if err != nil {
		return fmt.Errorf("insert service record: %w", err)
	}
	return nil
}

// RecordFilter narrows ServiceRecords. Zero values match everything; Limit
// defaults to 500.
type RecordFilter struct {
	CounterID int
	Since     time.Time
	Limit     int
}

// ServiceRecords returns stored records, newest first.
func (db *DB) ServiceRecords(ctx context.Context, f RecordFilter) ([]queue.ServiceRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 500
	}
	rows, err := db.QueryContext(ctx, `SELECT counter_id, track_id, lane, entry_unix, start_unix, end_unix, service_s, wait_s
		FROM service_records
		WHERE (? = 0 OR counter_id = ?) AND end_unix >= ?
		ORDER BY end_unix DESC, record_id DESC
		LIMIT ?`,
		f.CounterID, f.CounterID, sinceUnix(f.Since), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query service records: %w", err)
	}
	defer rows.Close()

	var out []queue.ServiceRecord
	for rows.Next() {
		var (
			r                 queue.ServiceRecord
			lane              string
			entry, start, end float64
			serviceS, waitS   float64
		)
		if err := rows.Scan(&r.CounterID, &r.TrackID, &lane, &entry, &start, &end, &serviceS, &waitS); err != nil {
			return nil, err
		}
		r.Lane = queue.LaneType(lane)
		r.EntryAt, r.StartAt, r.EndAt = fromUnix(entry), fromUnix(start), fromUnix(end)
		r.ServiceDuration, r.WaitDuration = fromSeconds(serviceS), fromSeconds(waitS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func sinceUnix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return toUnix(t)
}

// RecordAlertTransition stores a raised alert or marks a stored one
// cleared. Alerts are keyed by session and id; a clear for an unknown id
// inserts the full alert.
func (db *DB) RecordAlertTransition(ctx context.Context, sessionID string, tr queue.AlertTransition) error {
	a := tr.Alert
	var cleared sql.NullFloat64
	if a.ClearedAt != nil {
		cleared = sql.NullFloat64{Float64: toUnix(*a.ClearedAt), Valid: true}
	}
	_, err := db.ExecContext(ctx, `INSERT INTO alerts (
			alert_id, session_id, kind, counter_id, track_id, raised_unix, cleared_unix, value, threshold, message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, alert_id) DO UPDATE SET cleared_unix = excluded.cleared_unix`,
		a.ID, sessionID, string(a.Kind), a.CounterID, a.TrackID,
		toUnix(a.RaisedAt), cleared, a.Value, a.Threshold, a.Message,
	)
	if err != nil {
		return fmt.Errorf("record alert %s: %w", tr.Type, err)
	}
	return nil
}

// Alerts returns stored alerts, most recently raised first. With activeOnly
// set, cleared alerts are skipped.
func (db *DB) Alerts(ctx context.Context, activeOnly bool, limit int) ([]queue.Alert, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx, `SELECT alert_id, kind, counter_id, track_id, raised_unix, cleared_unix, value, threshold, message
		FROM alerts
		WHERE (? = 0 OR cleared_unix IS NULL)
		ORDER BY raised_unix DESC, alert_id
		LIMIT ?`, activeOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []queue.Alert
	for rows.Next() {
		var (
			a       queue.Alert
			kind    string
			raised  float64
			cleared sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &kind, &a.CounterID, &a.TrackID, &raised, &cleared, &a.Value, &a.Threshold, &a.Message); err != nil {
			return nil, err
		}
		a.Kind = queue.AlertKind(kind)
		a.RaisedAt = fromUnix(raised)
		if cleared.Valid {
			t := fromUnix(cleared.Float64)
			a.ClearedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertBucket stores a finalized bucket, replacing an earlier copy of the
// same window.
func (db *DB) InsertBucket(ctx context.Context, sessionID string, b *queue.MetricBucket) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bucket: %w", err)
	}
	agg := b.Aggregate
	if agg == nil {
		agg = &queue.ServiceStats{}
	}
	_, err = db.ExecContext(ctx, `INSERT OR REPLACE INTO metric_buckets (
			session_id, granularity_s, start_unix, end_unix, completions,
			avg_service_s, p95_service_s, throughput_per_h, abandoned, bucket_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, int64(b.Granularity/time.Second), toUnix(b.Start), toUnix(b.End), agg.Count,
		seconds(agg.AvgService), seconds(agg.P95Service), b.Throughput, b.Abandoned, string(body),
	)
	if err != nil {
		return fmt.Errorf("insert bucket: %w", err)
	}
	return nil
}

// Buckets returns stored buckets of one granularity, newest first.
func (db *DB) Buckets(ctx context.Context, granularity time.Duration, limit int) ([]*queue.MetricBucket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT bucket_json FROM metric_buckets
		WHERE granularity_s = ?
		ORDER BY start_unix DESC
		LIMIT ?`, int64(granularity/time.Second), limit)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var out []*queue.MetricBucket
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var b queue.MetricBucket
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, fmt.Errorf("decode bucket: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// Record persists one outbound engine event.
func (db *DB) Record(ctx context.Context, ev queue.Event) error {
	switch ev.Kind {
	case queue.EventServiceRecord:
		if ev.Record != nil {
			return db.InsertServiceRecord(ctx, ev.SessionID, *ev.Record)
		}
	case queue.EventAlert:
		if ev.Alert != nil {
			return db.RecordAlertTransition(ctx, ev.SessionID, *ev.Alert)
		}
	case queue.EventBucket:
		if ev.Bucket != nil {
			return db.InsertBucket(ctx, ev.SessionID, ev.Bucket)
		}
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}
