// Package durable implements the generic transactional key/relational
// store collaborator referenced throughout spec §6 ("find_agent",
// "persist_agent", "list_rules", "create_alert", ...). The spec's
// Non-goals explicitly exclude designing a bespoke storage engine, so this
// package is a thin `database/sql` adapter: the default deployment runs
// against an embedded SQLite file. The MySQL and Postgres (pgx) drivers are
// registered and Open accepts them, but the statements are written in
// SQLite's dialect (`?` placeholders, `ON CONFLICT ... DO UPDATE` upserts),
// which Postgres and MySQL do not accept as written.
package durable

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
)

// Store is the durable backing store for agents, detection rules, and
// threat alerts. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a durable store using the given database/sql driver name
// ("sqlite", "mysql", or "pgx") and DSN. Driver-specific pragmas are
// applied only for sqlite, matching the teacher's session/audit stores.
func Open(driver, dsn string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open durable store (%s): %w", driver, err)
	}

	if driver == "sqlite" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id       TEXT PRIMARY KEY,
			tenant_id      TEXT,
			owning_user_id TEXT,
			fingerprint    TEXT NOT NULL,
			os_json        TEXT,
			status         TEXT NOT NULL,
			last_heartbeat TEXT,
			last_seen      TEXT,
			version        TEXT,
			capabilities   TEXT,
			tier           TEXT,
			registered_at  TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS detection_rules (
			rule_id    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			type       TEXT NOT NULL,
			severity   TEXT NOT NULL,
			condition_json TEXT NOT NULL,
			enabled    INTEGER NOT NULL DEFAULT 1,
			created_by TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS threat_alerts (
			alert_id    TEXT PRIMARY KEY,
			event_id    TEXT,
			rule_id     TEXT,
			agent_id    TEXT NOT NULL,
			alert_type  TEXT,
			severity    TEXT NOT NULL,
			title       TEXT,
			description TEXT,
			status      TEXT NOT NULL,
			assignee    TEXT,
			resolved_at TEXT,
			created_at  TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate durable store: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- AgentStore (session.AgentStore) ---

// FindAgent looks up an agent's durable record by ID.
func (s *Store) FindAgent(agentID string) (domain.Agent, bool, error) {
	var (
		a                                  domain.Agent
		lastHeartbeat, lastSeen, registered string
	)
	err := s.db.QueryRow(`SELECT agent_id, tenant_id, owning_user_id, fingerprint, status,
		last_heartbeat, last_seen, version, tier, registered_at
		FROM agents WHERE agent_id = ?`, agentID).Scan(
		&a.AgentID, &a.TenantID, &a.OwningUserID, &a.Fingerprint, &a.Status,
		&lastHeartbeat, &lastSeen, &a.Version, &a.Tier, &registered,
	)
	if err == sql.ErrNoRows {
		return domain.Agent{}, false, nil
	}
	if err != nil {
		return domain.Agent{}, false, fmt.Errorf("find agent: %w", err)
	}

	a.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, lastHeartbeat)
	a.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	a.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registered)
	return a, true, nil
}

// PersistAgent upserts an agent's durable record.
func (s *Store) PersistAgent(a domain.Agent) error {
	_, err := s.db.Exec(`INSERT INTO agents (agent_id, tenant_id, owning_user_id, fingerprint,
			status, last_heartbeat, last_seen, version, tier, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			tenant_id=excluded.tenant_id, owning_user_id=excluded.owning_user_id,
			fingerprint=excluded.fingerprint, status=excluded.status,
			last_heartbeat=excluded.last_heartbeat, last_seen=excluded.last_seen,
			version=excluded.version, tier=excluded.tier`,
		a.AgentID, a.TenantID, a.OwningUserID, a.Fingerprint, a.Status,
		a.LastHeartbeat.Format(time.RFC3339Nano), a.LastSeen.Format(time.RFC3339Nano),
		a.Version, a.Tier, a.RegisteredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("persist agent: %w", err)
	}
	return nil
}

// Count returns the number of durable agent records grouped by status, for
// the metrics collector's FleetCounter.
func (s *Store) Count() map[string]int {
	counts := make(map[string]int)
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return counts
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err == nil {
			counts[status] = n
		}
	}
	return counts
}

// TagCounts returns agents grouped by subscription tier, reusing the
// tier column as the fleet's only durable tag dimension.
func (s *Store) TagCounts() map[string]int {
	counts := make(map[string]int)
	rows, err := s.db.Query(`SELECT tier, COUNT(*) FROM agents WHERE tier != '' GROUP BY tier`)
	if err != nil {
		return counts
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err == nil {
			counts[tier] = n
		}
	}
	return counts
}

// --- AlertSink (pipeline.AlertSink) ---

// CreateAlert persists a newly generated threat alert.
func (s *Store) CreateAlert(alert domain.ThreatAlert) error {
	var resolvedAt sql.NullString
	if alert.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: alert.ResolvedAt.Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO threat_alerts (alert_id, event_id, rule_id, agent_id,
			alert_type, severity, title, description, status, assignee, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.AlertID, alert.EventID, alert.RuleID, alert.AgentID, alert.AlertType,
		alert.Severity, alert.Title, alert.Description, alert.Status, alert.Assignee,
		resolvedAt, alert.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

// RecentAlerts returns the n most recently created alerts, newest first.
func (s *Store) RecentAlerts(n int) ([]domain.ThreatAlert, error) {
	rows, err := s.db.Query(`SELECT alert_id, event_id, rule_id, agent_id, alert_type, severity,
		title, description, status, assignee, created_at
		FROM threat_alerts ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.ThreatAlert
	for rows.Next() {
		var a domain.ThreatAlert
		var createdAt string
		if err := rows.Scan(&a.AlertID, &a.EventID, &a.RuleID, &a.AgentID, &a.AlertType,
			&a.Severity, &a.Title, &a.Description, &a.Status, &a.Assignee, &createdAt); err != nil {
			continue
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, a)
	}
	return out, nil
}

// --- RuleSource (detect.RuleSource) ---

// ListRules returns detection rules, optionally filtered to enabled-only.
func (s *Store) ListRules(enabledOnly bool) ([]domain.DetectionRule, error) {
	query := `SELECT rule_id, name, type, severity, condition_json, enabled, created_by FROM detection_rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []domain.DetectionRule
	for rows.Next() {
		var (
			r         domain.DetectionRule
			condJSON  string
			enabled   int
		)
		if err := rows.Scan(&r.RuleID, &r.Name, &r.Type, &r.Severity, &condJSON, &enabled, &r.CreatedBy); err != nil {
			continue
		}
		r.Enabled = enabled != 0
		cond, err := decodeCondition(r.Type, condJSON)
		if err != nil {
			continue
		}
		r.Condition = cond
		out = append(out, r)
	}
	return out, nil
}

// PersistRule upserts a detection rule definition.
func (s *Store) PersistRule(r domain.DetectionRule) error {
	condJSON, err := encodeCondition(r.Condition)
	if err != nil {
		return fmt.Errorf("encode condition: %w", err)
	}
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err = s.db.Exec(`INSERT INTO detection_rules (rule_id, name, type, severity, condition_json, enabled, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			name=excluded.name, type=excluded.type, severity=excluded.severity,
			condition_json=excluded.condition_json, enabled=excluded.enabled`,
		r.RuleID, r.Name, r.Type, r.Severity, condJSON, enabled, r.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("persist rule: %w", err)
	}
	return nil
}
