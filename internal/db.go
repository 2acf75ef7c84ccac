package internal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite database backing all stores. The agent is the single
// writer; every mutation is one statement so concurrent goroutines cannot
// interleave on a record.
type DB struct {
	*sql.DB
}

// OpenDB opens (and if needed creates) the database at path.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS scheduled_messages (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    message_text TEXT NOT NULL,
    send_at TEXT NOT NULL,
    is_group INTEGER DEFAULT 0,
    origin_id TEXT,
    repeat_rule TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    last_error TEXT,
    created_at TEXT,
    updated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_messages(send_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    rule_type TEXT NOT NULL,
    name TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    conditions TEXT NOT NULL,
    action TEXT NOT NULL,
    created_at TEXT,
    updated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled);

CREATE TABLE IF NOT EXISTS plans (
    thread_id TEXT PRIMARY KEY,
    plan_data TEXT NOT NULL,
    version INTEGER NOT NULL,
    created_at TEXT,
    updated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_plans_updated ON plans(updated_at);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    sender TEXT,
    content TEXT,
    timestamp TEXT,
    is_group INTEGER DEFAULT 0,
    is_outbound INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, timestamp);
`
	_, err := db.Exec(schema)
	return err
}

// Timestamps are stored as UTC RFC3339 text so lexicographic comparison in
// SQL matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// ---- scheduled messages ----------------------------------------------------

// InsertScheduled persists a new job. The caller sets id and status.
func (d *DB) InsertScheduled(m *ScheduledMessage) error {
	_, err := d.Exec(
		`INSERT INTO scheduled_messages (id, thread_id, message_text, send_at, is_group, origin_id, repeat_rule, status, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.MessageText, formatTime(m.SendAt), boolToInt(m.IsGroup),
		m.OriginID, m.Repeat, m.Status, m.LastError, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	return err
}

// GetScheduled returns the job with the given id, or nil if absent.
func (d *DB) GetScheduled(id string) (*ScheduledMessage, error) {
	row := d.QueryRow(
		`SELECT id, thread_id, message_text, send_at, is_group, origin_id, repeat_rule, status, last_error, created_at, updated_at
		 FROM scheduled_messages WHERE id = ?`, id,
	)
	m, err := scanScheduled(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// DueScheduled returns all pending jobs due at now, earliest first.
func (d *DB) DueScheduled(now time.Time) ([]ScheduledMessage, error) {
	rows, err := d.Query(
		`SELECT id, thread_id, message_text, send_at, is_group, origin_id, repeat_rule, status, last_error, created_at, updated_at
		 FROM scheduled_messages WHERE status = 'pending' AND send_at <= ? ORDER BY send_at ASC`,
		formatTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ClaimScheduled atomically moves a job from pending to sending. It reports
// whether this call won the claim; a job already cancelled, claimed, or
// finished is left untouched.
func (d *DB) ClaimScheduled(id string, now time.Time) (bool, error) {
	return d.transition(id, StatusPending, StatusSending, "", now)
}

// CancelScheduled atomically moves a job from pending to cancelled.
func (d *DB) CancelScheduled(id string, now time.Time) (bool, error) {
	return d.transition(id, StatusPending, StatusCancelled, "", now)
}

// MarkScheduledSent finishes a claimed job.
func (d *DB) MarkScheduledSent(id string, now time.Time) (bool, error) {
	return d.transition(id, StatusSending, StatusSent, "", now)
}

// MarkScheduledFailed finishes a claimed job recording the transport error.
func (d *DB) MarkScheduledFailed(id, errText string, now time.Time) (bool, error) {
	return d.transition(id, StatusSending, StatusFailed, errText, now)
}

// transition is the single compare-and-swap every status change goes
// through: it only succeeds when the row is still in the expected state.
func (d *DB) transition(id string, from, to ScheduleStatus, errText string, now time.Time) (bool, error) {
	res, err := d.Exec(
		`UPDATE scheduled_messages SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, errText, formatTime(now), id, from,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CountScheduled returns how many jobs are in the given status.
func (d *DB) CountScheduled(status ScheduleStatus) (int, error) {
	var n int
	err := d.QueryRow(`SELECT COUNT(*) FROM scheduled_messages WHERE status = ?`, status).Scan(&n)
	return n, err
}

func scanScheduled(scan func(...any) error) (*ScheduledMessage, error) {
	var m ScheduledMessage
	var sendAt, createdAt, updatedAt string
	var isGroup int
	var originID, repeat, lastError sql.NullString
	if err := scan(&m.ID, &m.ThreadID, &m.MessageText, &sendAt, &isGroup,
		&originID, &repeat, &m.Status, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.SendAt = parseTime(sendAt)
	m.IsGroup = isGroup == 1
	m.OriginID = originID.String
	m.Repeat = repeat.String
	m.LastError = lastError.String
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// ---- rules -----------------------------------------------------------------

// SaveRule upserts a rule by id. On replace created_at is preserved so the
// evaluation order (newest creation first) is stable across edits.
func (d *DB) SaveRule(r *Rule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	action, err := json.Marshal(r.Action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	_, err = d.Exec(
		`INSERT INTO rules (id, rule_type, name, enabled, conditions, action, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   rule_type = excluded.rule_type,
		   name = excluded.name,
		   enabled = excluded.enabled,
		   conditions = excluded.conditions,
		   action = excluded.action,
		   updated_at = excluded.updated_at`,
		r.ID, r.Type, r.Name, boolToInt(r.Enabled), string(conditions), string(action),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	return err
}

// GetRule returns the rule with the given id, or nil if absent.
func (d *DB) GetRule(id string) (*Rule, error) {
	row := d.QueryRow(
		`SELECT id, rule_type, name, enabled, conditions, action, created_at, updated_at FROM rules WHERE id = ?`, id,
	)
	r, err := scanRule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// AllRules returns every rule, newest creation first.
func (d *DB) AllRules() ([]Rule, error) {
	return d.queryRules(`SELECT id, rule_type, name, enabled, conditions, action, created_at, updated_at
		 FROM rules ORDER BY created_at DESC, rowid DESC`)
}

// EnabledRules returns enabled rules in evaluation order: newest creation
// first, so the most recently created matching rule wins.
func (d *DB) EnabledRules() ([]Rule, error) {
	return d.queryRules(`SELECT id, rule_type, name, enabled, conditions, action, created_at, updated_at
		 FROM rules WHERE enabled = 1 ORDER BY created_at DESC, rowid DESC`)
}

func (d *DB) queryRules(query string) ([]Rule, error) {
	rows, err := d.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// SetRuleEnabled flips only the enabled flag. Reports false for unknown ids.
func (d *DB) SetRuleEnabled(id string, enabled bool, now time.Time) (bool, error) {
	res, err := d.Exec(
		`UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), formatTime(now), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DeleteRule removes a rule. Reports false for unknown ids.
func (d *DB) DeleteRule(id string) (bool, error) {
	res, err := d.Exec(`DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func scanRule(scan func(...any) error) (*Rule, error) {
	var r Rule
	var enabled int
	var name sql.NullString
	var conditions, action, createdAt, updatedAt string
	if err := scan(&r.ID, &r.Type, &name, &enabled, &conditions, &action, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Name = name.String
	r.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshal conditions for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(action), &r.Action); err != nil {
		return nil, fmt.Errorf("unmarshal action for rule %s: %w", r.ID, err)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// ---- plans -----------------------------------------------------------------

// UpsertPlan inserts a plan at version 1 or replaces its data bumping the
// version by exactly one, in a single statement so no read-modify-write race
// can skip or repeat a version. created_at is immutable once set.
func (d *DB) UpsertPlan(threadID ThreadID, dataJSON string, now time.Time) (*Plan, error) {
	ts := formatTime(now)
	_, err := d.Exec(
		`INSERT INTO plans (thread_id, plan_data, version, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET
		   plan_data = excluded.plan_data,
		   version = plans.version + 1,
		   updated_at = excluded.updated_at`,
		threadID, dataJSON, ts, ts,
	)
	if err != nil {
		return nil, err
	}
	return d.GetPlan(threadID)
}

// GetPlan returns the plan for a thread, or nil if absent.
func (d *DB) GetPlan(threadID ThreadID) (*Plan, error) {
	row := d.QueryRow(
		`SELECT thread_id, plan_data, version, created_at, updated_at FROM plans WHERE thread_id = ?`, threadID,
	)
	p, err := scanPlan(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// AllPlans returns every plan, most recently updated first.
func (d *DB) AllPlans() ([]Plan, error) {
	rows, err := d.Query(
		`SELECT thread_id, plan_data, version, created_at, updated_at FROM plans ORDER BY updated_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// DeletePlan removes a thread's plan. Reports false if there was none.
func (d *DB) DeletePlan(threadID ThreadID) (bool, error) {
	res, err := d.Exec(`DELETE FROM plans WHERE thread_id = ?`, threadID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CountPlans returns the number of stored plans.
func (d *DB) CountPlans() (int, error) {
	var n int
	err := d.QueryRow(`SELECT COUNT(*) FROM plans`).Scan(&n)
	return n, err
}

func scanPlan(scan func(...any) error) (*Plan, error) {
	var p Plan
	var data, createdAt, updatedAt string
	if err := scan(&p.ThreadID, &data, &p.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &p.Data); err != nil {
		return nil, fmt.Errorf("unmarshal plan data for %s: %w", p.ThreadID, err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// ---- message log -----------------------------------------------------------

// SaveMessage appends a message to the audit log.
func (d *DB) SaveMessage(m *StoredMessage) error {
	_, err := d.Exec(
		`INSERT OR REPLACE INTO messages (id, thread_id, sender, content, timestamp, is_group, is_outbound)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Sender, m.Content, formatTime(m.Timestamp), boolToInt(m.IsGroup), boolToInt(m.IsOutbound),
	)
	return err
}

// RecentMessages returns up to limit messages for a thread in chronological
// order.
func (d *DB) RecentMessages(threadID ThreadID, limit int) ([]StoredMessage, error) {
	rows, err := d.Query(
		`SELECT id, thread_id, sender, content, timestamp, is_group, is_outbound
		 FROM messages WHERE thread_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var ts string
		var isGroup, isOutbound int
		var sender sql.NullString
		if err := rows.Scan(&m.ID, &m.ThreadID, &sender, &m.Content, &ts, &isGroup, &isOutbound); err != nil {
			return nil, err
		}
		m.Sender = sender.String
		m.Timestamp = parseTime(ts)
		m.IsGroup = isGroup == 1
		m.IsOutbound = isOutbound == 1
		msgs = append(msgs, m)
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

// Threads returns the distinct thread ids seen in the message log, most
// recently active first.
func (d *DB) Threads() ([]ThreadID, error) {
	rows, err := d.Query(`SELECT thread_id, MAX(timestamp) AS last FROM messages GROUP BY thread_id ORDER BY last DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []ThreadID
	for rows.Next() {
		var id ThreadID
		var last sql.NullString
		if err := rows.Scan(&id, &last); err != nil {
			return nil, err
		}
		threads = append(threads, id)
	}
	return threads, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
