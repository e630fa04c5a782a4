package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
)

type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "initial schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS samples (
				id              TEXT PRIMARY KEY,
				operation_type  TEXT NOT NULL,
				duration_micros INTEGER NOT NULL,
				started_at      INTEGER NOT NULL,
				ended_at        INTEGER NOT NULL,
				recorded_at     INTEGER NOT NULL,
				context         TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE INDEX IF NOT EXISTS samples_op_ended ON samples (operation_type, ended_at)`,
			`CREATE TABLE IF NOT EXISTS baselines (
				id               TEXT PRIMARY KEY,
				operation_type   TEXT NOT NULL,
				p50              REAL NOT NULL,
				p75              REAL NOT NULL,
				p90              REAL NOT NULL,
				p95              REAL NOT NULL,
				p99              REAL NOT NULL,
				min              REAL NOT NULL,
				max              REAL NOT NULL,
				mean             REAL NOT NULL,
				stddev           REAL NOT NULL,
				sample_count     INTEGER NOT NULL,
				alert_multiplier REAL NOT NULL,
				active           INTEGER NOT NULL,
				computed_at      INTEGER NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS baselines_one_active ON baselines (operation_type) WHERE active = 1`,
			`CREATE TABLE IF NOT EXISTS baseline_changes (
				seq            INTEGER PRIMARY KEY AUTOINCREMENT,
				operation_type TEXT NOT NULL,
				previous_id    TEXT NOT NULL,
				new_id         TEXT NOT NULL,
				previous_p99   REAL NOT NULL,
				new_p99        REAL NOT NULL,
				delta_pct      REAL NOT NULL,
				forced         INTEGER NOT NULL,
				changed_at     INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS job_leases (
				job       TEXT NOT NULL,
				lease_key TEXT NOT NULL,
				holder    TEXT NOT NULL,
				until     INTEGER NOT NULL,
				PRIMARY KEY (job, lease_key)
			)`,
			`CREATE TABLE IF NOT EXISTS detections (
				id              TEXT PRIMARY KEY,
				operation_types TEXT NOT NULL,
				kind            TEXT NOT NULL,
				severity        TEXT NOT NULL,
				z_score         REAL NOT NULL,
				degradation_pct REAL NOT NULL,
				correlation     REAL NOT NULL,
				confidence      REAL NOT NULL,
				value           REAL NOT NULL,
				sample_id       TEXT NOT NULL,
				message         TEXT NOT NULL,
				detected_at     INTEGER NOT NULL,
				alert_id        TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS correlations (
				operation_a     TEXT NOT NULL,
				operation_b     TEXT NOT NULL,
				coefficient     REAL NOT NULL,
				aligned_buckets INTEGER NOT NULL,
				confidence      REAL NOT NULL,
				category        TEXT NOT NULL,
				remediation     TEXT NOT NULL,
				analyzed_at     INTEGER NOT NULL,
				PRIMARY KEY (operation_a, operation_b)
			)`,
			`CREATE TABLE IF NOT EXISTS alerts (
				id              TEXT PRIMARY KEY,
				detection_id    TEXT NOT NULL,
				operation_type  TEXT NOT NULL,
				kind            TEXT NOT NULL,
				severity        TEXT NOT NULL,
				state           TEXT NOT NULL,
				escalated       INTEGER NOT NULL,
				suppressed      INTEGER NOT NULL,
				message         TEXT NOT NULL,
				value           REAL NOT NULL,
				threshold       REAL NOT NULL,
				recommendation  TEXT NOT NULL,
				context         TEXT NOT NULL DEFAULT '{}',
				notes           TEXT NOT NULL,
				created_at      INTEGER NOT NULL,
				acknowledged_at INTEGER,
				acknowledged_by TEXT NOT NULL,
				resolved_at     INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS alerts_op_created ON alerts (operation_type, created_at)`,
			`CREATE TABLE IF NOT EXISTS snoozes (
				id             TEXT PRIMARY KEY,
				operation_type TEXT NOT NULL,
				kind           TEXT NOT NULL,
				expires_at     INTEGER NOT NULL,
				reason         TEXT NOT NULL,
				created_by     TEXT NOT NULL,
				created_at     INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS delivery_items (
				id               TEXT PRIMARY KEY,
				alert_id         TEXT NOT NULL,
				destination_id   TEXT NOT NULL,
				payload          TEXT NOT NULL,
				status           TEXT NOT NULL,
				attempts         INTEGER NOT NULL,
				max_attempts     INTEGER NOT NULL,
				next_eligible_at INTEGER NOT NULL,
				priority         INTEGER NOT NULL,
				created_at       INTEGER NOT NULL,
				updated_at       INTEGER NOT NULL,
				claimed_by       TEXT NOT NULL DEFAULT '',
				claimed_until    INTEGER NOT NULL DEFAULT 0,
				last_error       TEXT NOT NULL DEFAULT '',
				failure_reason   TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS delivery_items_queue ON delivery_items (status, priority DESC, created_at, id)`,
			`CREATE TABLE IF NOT EXISTS destination_health (
				destination_id       TEXT PRIMARY KEY,
				success_count        INTEGER NOT NULL,
				failure_count        INTEGER NOT NULL,
				consecutive_failures INTEGER NOT NULL,
				latency_p50          REAL NOT NULL,
				latency_p95          REAL NOT NULL,
				latency_p99          REAL NOT NULL,
				score                REAL NOT NULL,
				classification       TEXT NOT NULL,
				outcomes             TEXT NOT NULL DEFAULT '[]',
				updated_at           INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS rate_changes (
				seq            INTEGER PRIMARY KEY AUTOINCREMENT,
				destination_id TEXT NOT NULL,
				previous_rate  REAL NOT NULL,
				new_rate       REAL NOT NULL,
				reason         TEXT NOT NULL,
				forced         INTEGER NOT NULL,
				changed_at     INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS backpressure_signals (
				seq             INTEGER PRIMARY KEY AUTOINCREMENT,
				destination_id  TEXT NOT NULL,
				depth           INTEGER NOT NULL,
				queue_limit     INTEGER NOT NULL,
				utilization     REAL NOT NULL,
				signal_action   TEXT NOT NULL,
				acceptance_rate REAL NOT NULL,
				recorded_at     INTEGER NOT NULL
			)`,
		},
	},
}

// migrate applies every migration newer than the recorded schema version.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("sqlite: create schema_versions: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("sqlite: migration %d (%s): %w", m.version, m.description, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_versions (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %d: %w", m.version, err)
		}
		slog.Info("sqlite: applied migration", "version", m.version, "description", m.description)
	}
	return nil
}
