// Package sqlite is the durable store.Store backend, built on the pure-Go
// modernc.org/sqlite driver. Timestamps are stored as Unix nanoseconds and
// structured fields as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/store"
)

// maxOpenConns bounds the pool. WAL lets reads proceed while one writer
// holds the lock; writers queue on busy_timeout.
const maxOpenConns = 8

// Store implements store.Store on a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create db directory: %w", err)
	}
	// Pragmas go in the DSN so every pooled connection gets them. Immediate
	// transactions take the write lock up front, which keeps read-modify-write
	// claims from failing on lock upgrade while WAL readers run alongside.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- encoding helpers -------------------------------------------------------

func ts(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromTS(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullTS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts(*t), Valid: true}
}

func fromNullTS(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromTS(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- samples ----------------------------------------------------------------

func (s *Store) AppendSample(ctx context.Context, smp model.Sample) error {
	c, err := encode(smp.Context)
	if err != nil {
		return fmt.Errorf("sqlite: encode sample context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO samples
		(id, operation_type, duration_micros, started_at, ended_at, recorded_at, context)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		smp.ID, smp.OperationType, smp.DurationMicros, ts(smp.StartedAt), ts(smp.EndedAt), ts(smp.RecordedAt), c)
	if err != nil {
		return fmt.Errorf("sqlite: insert sample: %w", err)
	}
	return nil
}

func (s *Store) Samples(ctx context.Context, op string, from, to time.Time) ([]model.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, operation_type, duration_micros, started_at, ended_at, recorded_at, context
		FROM samples WHERE operation_type = ? AND ended_at >= ? AND ended_at < ?
		ORDER BY ended_at, id`, op, ts(from), ts(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite: query samples: %w", err)
	}
	defer rows.Close()

	var out []model.Sample
	for rows.Next() {
		var (
			smp                      model.Sample
			started, ended, recorded int64
			rawContext               string
		)
		if err := rows.Scan(&smp.ID, &smp.OperationType, &smp.DurationMicros, &started, &ended, &recorded, &rawContext); err != nil {
			return nil, fmt.Errorf("sqlite: scan sample: %w", err)
		}
		smp.StartedAt, smp.EndedAt, smp.RecordedAt = fromTS(started), fromTS(ended), fromTS(recorded)
		if err := json.Unmarshal([]byte(rawContext), &smp.Context); err != nil {
			return nil, fmt.Errorf("sqlite: decode sample context: %w", err)
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *Store) OperationTypes(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT operation_type FROM samples
		WHERE ended_at >= ? ORDER BY operation_type`, ts(since))
	if err != nil {
		return nil, fmt.Errorf("sqlite: query operation types: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) PurgeSamples(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM samples WHERE ended_at < ?`, ts(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge samples: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- baselines --------------------------------------------------------------

const baselineColumns = `id, operation_type, p50, p75, p90, p95, p99, min, max, mean, stddev,
	sample_count, alert_multiplier, active, computed_at`

func scanBaseline(row scanner) (model.Baseline, error) {
	var (
		b        model.Baseline
		active   int
		computed int64
	)
	err := row.Scan(&b.ID, &b.OperationType, &b.P50, &b.P75, &b.P90, &b.P95, &b.P99, &b.Min, &b.Max,
		&b.Mean, &b.StdDev, &b.SampleCount, &b.AlertMultiplier, &active, &computed)
	b.Active = active == 1
	b.ComputedAt = fromTS(computed)
	return b, err
}

func (s *Store) ActiveBaseline(ctx context.Context, op string) (model.Baseline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+baselineColumns+` FROM baselines
		WHERE operation_type = ? AND active = 1`, op)
	b, err := scanBaseline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Baseline{}, fmt.Errorf("sqlite: active baseline %q: %w", op, model.ErrNotFound)
	}
	if err != nil {
		return model.Baseline{}, fmt.Errorf("sqlite: active baseline %q: %w", op, err)
	}
	return b, nil
}

func (s *Store) ActiveBaselines(ctx context.Context) ([]model.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+baselineColumns+` FROM baselines
		WHERE active = 1 ORDER BY operation_type`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query baselines: %w", err)
	}
	defer rows.Close()
	var out []model.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan baseline: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceBaseline(ctx context.Context, b model.Baseline, change model.BaselineChange) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE baselines SET active = 0
			WHERE operation_type = ? AND active = 1`, b.OperationType); err != nil {
			return fmt.Errorf("sqlite: deactivate baseline: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO baselines (`+baselineColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			b.ID, b.OperationType, b.P50, b.P75, b.P90, b.P95, b.P99, b.Min, b.Max, b.Mean, b.StdDev,
			b.SampleCount, b.AlertMultiplier, ts(b.ComputedAt)); err != nil {
			return fmt.Errorf("sqlite: insert baseline: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO baseline_changes
			(operation_type, previous_id, new_id, previous_p99, new_p99, delta_pct, forced, changed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			change.OperationType, change.PreviousID, change.NewID, change.PreviousP99, change.NewP99,
			change.DeltaPct, boolInt(change.Forced), ts(change.ChangedAt)); err != nil {
			return fmt.Errorf("sqlite: insert baseline change: %w", err)
		}
		return nil
	})
}

func (s *Store) BaselineHistory(ctx context.Context, op string) ([]model.BaselineChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT operation_type, previous_id, new_id, previous_p99, new_p99,
		delta_pct, forced, changed_at FROM baseline_changes WHERE operation_type = ? ORDER BY seq`, op)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query baseline history: %w", err)
	}
	defer rows.Close()
	var out []model.BaselineChange
	for rows.Next() {
		var (
			c       model.BaselineChange
			forced  int
			changed int64
		)
		if err := rows.Scan(&c.OperationType, &c.PreviousID, &c.NewID, &c.PreviousP99, &c.NewP99,
			&c.DeltaPct, &forced, &changed); err != nil {
			return nil, fmt.Errorf("sqlite: scan baseline change: %w", err)
		}
		c.Forced = forced == 1
		c.ChangedAt = fromTS(changed)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- job claims -------------------------------------------------------------

func (s *Store) ClaimJob(ctx context.Context, job, key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO job_leases (job, lease_key, holder, until)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job, lease_key) DO UPDATE SET holder = excluded.holder, until = excluded.until
		WHERE job_leases.holder = excluded.holder OR job_leases.until <= ?`,
		job, key, holder, ts(now.Add(ttl)), ts(now))
	if err != nil {
		return false, fmt.Errorf("sqlite: claim job %s/%s: %w", job, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReleaseJob(ctx context.Context, job, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_leases WHERE job = ? AND lease_key = ? AND holder = ?`,
		job, key, holder)
	if err != nil {
		return fmt.Errorf("sqlite: release job %s/%s: %w", job, key, err)
	}
	return nil
}

// --- detections -------------------------------------------------------------

func (s *Store) InsertDetection(ctx context.Context, d model.Detection) error {
	ops, err := encode(d.OperationTypes)
	if err != nil {
		return fmt.Errorf("sqlite: encode detection operations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO detections
		(id, operation_types, kind, severity, z_score, degradation_pct, correlation, confidence, value,
		 sample_id, message, detected_at, alert_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, ops, string(d.Kind), string(d.Severity), d.ZScore, d.DegradationPct, d.Correlation,
		d.Confidence, d.Value, d.SampleID, d.Message, ts(d.DetectedAt), d.AlertID)
	if err != nil {
		return fmt.Errorf("sqlite: insert detection: %w", err)
	}
	return nil
}

func (s *Store) LinkDetection(ctx context.Context, detectionID, alertID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE detections SET alert_id = ? WHERE id = ?`, alertID, detectionID)
	if err != nil {
		return fmt.Errorf("sqlite: link detection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: detection %q: %w", detectionID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) Detections(ctx context.Context, since time.Time) ([]model.Detection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, operation_types, kind, severity, z_score, degradation_pct,
		correlation, confidence, value, sample_id, message, detected_at, alert_id
		FROM detections WHERE detected_at >= ? ORDER BY detected_at DESC, id`, ts(since))
	if err != nil {
		return nil, fmt.Errorf("sqlite: query detections: %w", err)
	}
	defer rows.Close()
	var out []model.Detection
	for rows.Next() {
		var (
			d              model.Detection
			ops, kind, sev string
			detected       int64
		)
		if err := rows.Scan(&d.ID, &ops, &kind, &sev, &d.ZScore, &d.DegradationPct, &d.Correlation,
			&d.Confidence, &d.Value, &d.SampleID, &d.Message, &detected, &d.AlertID); err != nil {
			return nil, fmt.Errorf("sqlite: scan detection: %w", err)
		}
		if err := json.Unmarshal([]byte(ops), &d.OperationTypes); err != nil {
			return nil, fmt.Errorf("sqlite: decode detection operations: %w", err)
		}
		d.Kind, d.Severity, d.DetectedAt = model.Kind(kind), model.Severity(sev), fromTS(detected)
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- correlations -----------------------------------------------------------

func (s *Store) UpsertCorrelation(ctx context.Context, c model.CorrelationResult) error {
	c.OperationA, c.OperationB = model.CanonicalPair(c.OperationA, c.OperationB)
	_, err := s.db.ExecContext(ctx, `INSERT INTO correlations
		(operation_a, operation_b, coefficient, aligned_buckets, confidence, category, remediation, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation_a, operation_b) DO UPDATE SET
			coefficient = excluded.coefficient, aligned_buckets = excluded.aligned_buckets,
			confidence = excluded.confidence, category = excluded.category,
			remediation = excluded.remediation, analyzed_at = excluded.analyzed_at`,
		c.OperationA, c.OperationB, c.Coefficient, c.AlignedBuckets, c.Confidence, c.Category,
		c.Remediation, ts(c.AnalyzedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert correlation: %w", err)
	}
	return nil
}

func (s *Store) Correlations(ctx context.Context) ([]model.CorrelationResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT operation_a, operation_b, coefficient, aligned_buckets,
		confidence, category, remediation, analyzed_at FROM correlations ORDER BY operation_a, operation_b`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query correlations: %w", err)
	}
	defer rows.Close()
	var out []model.CorrelationResult
	for rows.Next() {
		var (
			c        model.CorrelationResult
			analyzed int64
		)
		if err := rows.Scan(&c.OperationA, &c.OperationB, &c.Coefficient, &c.AlignedBuckets, &c.Confidence,
			&c.Category, &c.Remediation, &analyzed); err != nil {
			return nil, fmt.Errorf("sqlite: scan correlation: %w", err)
		}
		c.AnalyzedAt = fromTS(analyzed)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) PurgeCorrelations(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM correlations WHERE analyzed_at < ?`, ts(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge correlations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- alerts -----------------------------------------------------------------

const alertColumns = `id, detection_id, operation_type, kind, severity, state, escalated, suppressed,
	message, value, threshold, recommendation, context, notes, created_at, acknowledged_at,
	acknowledged_by, resolved_at`

func alertArgs(a model.Alert) ([]any, error) {
	c, err := encode(a.Context)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode alert context: %w", err)
	}
	return []any{a.ID, a.DetectionID, a.OperationType, string(a.Kind), string(a.Severity), string(a.State),
		boolInt(a.Escalated), boolInt(a.Suppressed), a.Message, a.Value, a.Threshold, a.Recommendation,
		c, a.Notes, ts(a.CreatedAt), nullTS(a.AcknowledgedAt), a.AcknowledgedBy, nullTS(a.ResolvedAt)}, nil
}

func scanAlert(row scanner) (model.Alert, error) {
	var (
		a                       model.Alert
		kind, sev, state, rawCx string
		escalated, suppressed   int
		created                 int64
		acked, resolved         sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.DetectionID, &a.OperationType, &kind, &sev, &state, &escalated, &suppressed,
		&a.Message, &a.Value, &a.Threshold, &a.Recommendation, &rawCx, &a.Notes, &created, &acked,
		&a.AcknowledgedBy, &resolved); err != nil {
		return model.Alert{}, err
	}
	if err := json.Unmarshal([]byte(rawCx), &a.Context); err != nil {
		return model.Alert{}, fmt.Errorf("decode alert context: %w", err)
	}
	a.Kind, a.Severity, a.State = model.Kind(kind), model.Severity(sev), model.AlertState(state)
	a.Escalated, a.Suppressed = escalated == 1, suppressed == 1
	a.CreatedAt = fromTS(created)
	a.AcknowledgedAt, a.ResolvedAt = fromNullTS(acked), fromNullTS(resolved)
	return a, nil
}

func (s *Store) InsertAlert(ctx context.Context, a model.Alert) error {
	args, err := alertArgs(a)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return fmt.Errorf("sqlite: insert alert %q: %w", a.ID, err)
	}
	return nil
}

func (s *Store) UpdateAlert(ctx context.Context, a model.Alert) error {
	args, err := alertArgs(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET detection_id = ?, operation_type = ?, kind = ?,
		severity = ?, state = ?, escalated = ?, suppressed = ?, message = ?, value = ?, threshold = ?,
		recommendation = ?, context = ?, notes = ?, created_at = ?, acknowledged_at = ?,
		acknowledged_by = ?, resolved_at = ? WHERE id = ?`, append(args[1:], a.ID)...)
	if err != nil {
		return fmt.Errorf("sqlite: update alert %q: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: alert %q: %w", a.ID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) Alert(ctx context.Context, id string) (model.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, fmt.Errorf("sqlite: alert %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Alert{}, fmt.Errorf("sqlite: alert %q: %w", id, err)
	}
	return a, nil
}

func (s *Store) Alerts(ctx context.Context, state model.AlertState) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE ? = '' OR state = ? ORDER BY created_at DESC, id DESC`, string(state), string(state))
	if err != nil {
		return nil, fmt.Errorf("sqlite: query alerts: %w", err)
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CountAlertsSince(ctx context.Context, op string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE operation_type = ? AND created_at >= ?`,
		op, ts(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count alerts: %w", err)
	}
	return n, nil
}

// --- snoozes ----------------------------------------------------------------

func (s *Store) InsertSnooze(ctx context.Context, z model.Snooze) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO snoozes
		(id, operation_type, kind, expires_at, reason, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		z.ID, z.OperationType, z.Kind, ts(z.ExpiresAt), z.Reason, z.CreatedBy, ts(z.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert snooze: %w", err)
	}
	return nil
}

func (s *Store) Snoozes(ctx context.Context) ([]model.Snooze, error) {
	return s.querySnoozes(ctx, `SELECT id, operation_type, kind, expires_at, reason, created_by, created_at
		FROM snoozes ORDER BY created_at, id`)
}

func (s *Store) ActiveSnoozes(ctx context.Context, now time.Time) ([]model.Snooze, error) {
	return s.querySnoozes(ctx, `SELECT id, operation_type, kind, expires_at, reason, created_by, created_at
		FROM snoozes WHERE expires_at > ? ORDER BY created_at, id`, ts(now))
}

func (s *Store) querySnoozes(ctx context.Context, query string, args ...any) ([]model.Snooze, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query snoozes: %w", err)
	}
	defer rows.Close()
	var out []model.Snooze
	for rows.Next() {
		var (
			z                model.Snooze
			expires, created int64
		)
		if err := rows.Scan(&z.ID, &z.OperationType, &z.Kind, &expires, &z.Reason, &z.CreatedBy, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan snooze: %w", err)
		}
		z.ExpiresAt, z.CreatedAt = fromTS(expires), fromTS(created)
		out = append(out, z)
	}
	return out, rows.Err()
}

// --- delivery items ---------------------------------------------------------

const itemColumns = `id, alert_id, destination_id, payload, status, attempts, max_attempts,
	next_eligible_at, priority, created_at, updated_at, claimed_by, claimed_until, last_error,
	failure_reason`

func scanItem(row scanner) (model.DeliveryItem, error) {
	var (
		it                                 model.DeliveryItem
		payload, status                    string
		next, created, updated, claimedTil int64
	)
	if err := row.Scan(&it.ID, &it.AlertID, &it.DestinationID, &payload, &status, &it.Attempts,
		&it.MaxAttempts, &next, &it.Priority, &created, &updated, &it.ClaimedBy, &claimedTil,
		&it.LastError, &it.FailureReason); err != nil {
		return model.DeliveryItem{}, err
	}
	if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
		return model.DeliveryItem{}, fmt.Errorf("decode payload: %w", err)
	}
	it.Status = model.DeliveryStatus(status)
	it.NextEligibleAt, it.CreatedAt, it.UpdatedAt = fromTS(next), fromTS(created), fromTS(updated)
	it.ClaimedUntil = fromTS(claimedTil)
	return it, nil
}

func (s *Store) EnqueueItem(ctx context.Context, it model.DeliveryItem) error {
	payload, err := encode(it.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO delivery_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.AlertID, it.DestinationID, payload, string(it.Status), it.Attempts, it.MaxAttempts,
		ts(it.NextEligibleAt), it.Priority, ts(it.CreatedAt), ts(it.UpdatedAt), it.ClaimedBy,
		ts(it.ClaimedUntil), it.LastError, it.FailureReason)
	if err != nil {
		return fmt.Errorf("sqlite: enqueue item %q: %w", it.ID, err)
	}
	return nil
}

func (s *Store) ClaimNextItem(ctx context.Context, worker string, now time.Time, ttl time.Duration) (model.DeliveryItem, bool, error) {
	var (
		it    model.DeliveryItem
		found bool
	)
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM delivery_items
			WHERE status IN (?, ?) AND next_eligible_at <= ?
			  AND (claimed_by = '' OR claimed_until <= ?)
			ORDER BY priority DESC, created_at, id LIMIT 1`,
			string(model.StatusPending), string(model.StatusRetrying), ts(now), ts(now))
		var err error
		it, err = scanItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		it.ClaimedBy, it.ClaimedUntil = worker, now.Add(ttl)
		res, err := tx.ExecContext(ctx, `UPDATE delivery_items SET claimed_by = ?, claimed_until = ?
			WHERE id = ? AND (claimed_by = '' OR claimed_until <= ?)`,
			it.ClaimedBy, ts(it.ClaimedUntil), it.ID, ts(now))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		found = n == 1
		return nil
	})
	if err != nil {
		return model.DeliveryItem{}, false, fmt.Errorf("sqlite: claim next item: %w", err)
	}
	if !found {
		return model.DeliveryItem{}, false, nil
	}
	return it, true, nil
}

func (s *Store) ReleaseItem(ctx context.Context, id, worker string, nextEligible time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE delivery_items SET claimed_by = '', claimed_until = 0,
		next_eligible_at = ? WHERE id = ? AND claimed_by = ?`, ts(nextEligible), id, worker)
	if err != nil {
		return fmt.Errorf("sqlite: release item %q: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("sqlite: release item %q: %w", id, err)
	} else if n == 1 {
		return nil
	}
	var holder string
	err = s.db.QueryRowContext(ctx, `SELECT claimed_by FROM delivery_items WHERE id = ?`, id).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: delivery item %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: release item %q: %w", id, err)
	}
	return fmt.Errorf("sqlite: release %q by %q: %w", id, worker, model.ErrAlreadyClaimed)
}

func (s *Store) UpdateItem(ctx context.Context, it model.DeliveryItem) error {
	payload, err := encode(it.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: encode payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE delivery_items SET alert_id = ?, destination_id = ?, payload = ?,
		status = ?, attempts = ?, max_attempts = ?, next_eligible_at = ?, priority = ?, created_at = ?,
		updated_at = ?, claimed_by = '', claimed_until = 0, last_error = ?, failure_reason = ?
		WHERE id = ?`,
		it.AlertID, it.DestinationID, payload, string(it.Status), it.Attempts, it.MaxAttempts,
		ts(it.NextEligibleAt), it.Priority, ts(it.CreatedAt), ts(it.UpdatedAt), it.LastError,
		it.FailureReason, it.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update item %q: %w", it.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: delivery item %q: %w", it.ID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) Item(ctx context.Context, id string) (model.DeliveryItem, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM delivery_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryItem{}, fmt.Errorf("sqlite: delivery item %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.DeliveryItem{}, fmt.Errorf("sqlite: delivery item %q: %w", id, err)
	}
	return it, nil
}

func (s *Store) Items(ctx context.Context, status model.DeliveryStatus) ([]model.DeliveryItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM delivery_items
		WHERE ? = '' OR status = ? ORDER BY created_at, id`, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlite: query items: %w", err)
	}
	defer rows.Close()
	var out []model.DeliveryItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) PendingDepth(ctx context.Context, destination string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_items
		WHERE destination_id = ? AND status IN (?, ?)`,
		destination, string(model.StatusPending), string(model.StatusRetrying)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: pending depth: %w", err)
	}
	return n, nil
}

func (s *Store) FailStale(ctx context.Context, cutoff, now time.Time) ([]model.DeliveryItem, error) {
	var out []model.DeliveryItem
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM delivery_items
			WHERE status IN (?, ?) AND created_at < ? AND (claimed_by = '' OR claimed_until <= ?)
			ORDER BY created_at, id`,
			string(model.StatusPending), string(model.StatusRetrying), ts(cutoff), ts(now))
		if err != nil {
			return err
		}
		for rows.Next() {
			it, err := scanItem(rows)
			if err != nil {
				rows.Close()
				return err
			}
			it.Status, it.FailureReason, it.UpdatedAt = model.StatusFailed, model.ReasonStale, now
			it.ClaimedBy, it.ClaimedUntil = "", time.Time{}
			out = append(out, it)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, it := range out {
			if _, err := tx.ExecContext(ctx, `UPDATE delivery_items SET status = ?, failure_reason = ?,
				updated_at = ?, claimed_by = '', claimed_until = 0 WHERE id = ?`,
				string(it.Status), it.FailureReason, ts(now), it.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: fail stale items: %w", err)
	}
	return out, nil
}

// --- destination health -----------------------------------------------------

const healthColumns = `destination_id, success_count, failure_count, consecutive_failures,
	latency_p50, latency_p95, latency_p99, score, classification, outcomes, updated_at`

func scanHealth(row scanner) (model.DestinationHealth, error) {
	var (
		h             model.DestinationHealth
		class, window string
		updated       int64
	)
	if err := row.Scan(&h.DestinationID, &h.SuccessCount, &h.FailureCount, &h.ConsecutiveFailures,
		&h.LatencyP50, &h.LatencyP95, &h.LatencyP99, &h.Score, &class, &window, &updated); err != nil {
		return model.DestinationHealth{}, err
	}
	if err := json.Unmarshal([]byte(window), &h.Window); err != nil {
		return model.DestinationHealth{}, fmt.Errorf("decode outcomes: %w", err)
	}
	h.Classification, h.UpdatedAt = model.HealthClass(class), fromTS(updated)
	return h, nil
}

func (s *Store) UpdateHealth(ctx context.Context, destination string, fn func(*model.DestinationHealth)) (model.DestinationHealth, error) {
	var h model.DestinationHealth
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		h, err = scanHealth(tx.QueryRowContext(ctx, `SELECT `+healthColumns+`
			FROM destination_health WHERE destination_id = ?`, destination))
		if errors.Is(err, sql.ErrNoRows) {
			h = model.DestinationHealth{DestinationID: destination, Classification: model.HealthHealthy}
		} else if err != nil {
			return err
		}
		fn(&h)
		h.DestinationID = destination
		window, err := encode(h.Window)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO destination_health (`+healthColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (destination_id) DO UPDATE SET
				success_count = excluded.success_count, failure_count = excluded.failure_count,
				consecutive_failures = excluded.consecutive_failures, latency_p50 = excluded.latency_p50,
				latency_p95 = excluded.latency_p95, latency_p99 = excluded.latency_p99,
				score = excluded.score, classification = excluded.classification,
				outcomes = excluded.outcomes, updated_at = excluded.updated_at`,
			h.DestinationID, h.SuccessCount, h.FailureCount, h.ConsecutiveFailures, h.LatencyP50,
			h.LatencyP95, h.LatencyP99, h.Score, string(h.Classification), window, ts(h.UpdatedAt))
		return err
	})
	if err != nil {
		return model.DestinationHealth{}, fmt.Errorf("sqlite: update health %q: %w", destination, err)
	}
	return h, nil
}

func (s *Store) Health(ctx context.Context, destination string) (model.DestinationHealth, error) {
	h, err := scanHealth(s.db.QueryRowContext(ctx, `SELECT `+healthColumns+`
		FROM destination_health WHERE destination_id = ?`, destination))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DestinationHealth{}, fmt.Errorf("sqlite: health %q: %w", destination, model.ErrNotFound)
	}
	if err != nil {
		return model.DestinationHealth{}, fmt.Errorf("sqlite: health %q: %w", destination, err)
	}
	return h, nil
}

func (s *Store) Healths(ctx context.Context) ([]model.DestinationHealth, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+healthColumns+` FROM destination_health ORDER BY destination_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query health: %w", err)
	}
	defer rows.Close()
	var out []model.DestinationHealth
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan health: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- rate and backpressure audit --------------------------------------------

func (s *Store) AppendRateChange(ctx context.Context, c model.RateChange) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rate_changes
		(destination_id, previous_rate, new_rate, reason, forced, changed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.DestinationID, c.PreviousRate, c.NewRate, c.Reason, boolInt(c.Forced), ts(c.ChangedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert rate change: %w", err)
	}
	return nil
}

func (s *Store) RateChanges(ctx context.Context, destination string) ([]model.RateChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT destination_id, previous_rate, new_rate, reason, forced, changed_at
		FROM rate_changes WHERE ? = '' OR destination_id = ? ORDER BY seq`, destination, destination)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query rate changes: %w", err)
	}
	defer rows.Close()
	var out []model.RateChange
	for rows.Next() {
		var (
			c       model.RateChange
			forced  int
			changed int64
		)
		if err := rows.Scan(&c.DestinationID, &c.PreviousRate, &c.NewRate, &c.Reason, &forced, &changed); err != nil {
			return nil, fmt.Errorf("sqlite: scan rate change: %w", err)
		}
		c.Forced, c.ChangedAt = forced == 1, fromTS(changed)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AppendBackpressure(ctx context.Context, sig model.BackpressureSignal) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO backpressure_signals
		(destination_id, depth, queue_limit, utilization, signal_action, acceptance_rate, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.DestinationID, sig.Depth, sig.Limit, sig.Utilization, sig.Action, sig.AcceptanceRate, ts(sig.RecordedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert backpressure signal: %w", err)
	}
	return nil
}

func (s *Store) BackpressureSignals(ctx context.Context, destination string) ([]model.BackpressureSignal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT destination_id, depth, queue_limit, utilization, signal_action,
		acceptance_rate, recorded_at FROM backpressure_signals
		WHERE ? = '' OR destination_id = ? ORDER BY seq`, destination, destination)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query backpressure signals: %w", err)
	}
	defer rows.Close()
	var out []model.BackpressureSignal
	for rows.Next() {
		var (
			sig      model.BackpressureSignal
			recorded int64
		)
		if err := rows.Scan(&sig.DestinationID, &sig.Depth, &sig.Limit, &sig.Utilization, &sig.Action,
			&sig.AcceptanceRate, &recorded); err != nil {
			return nil, fmt.Errorf("sqlite: scan backpressure signal: %w", err)
		}
		sig.RecordedAt = fromTS(recorded)
		out = append(out, sig)
	}
	return out, rows.Err()
}

var _ store.Store = (*Store)(nil)
