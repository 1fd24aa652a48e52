/*
Package sqlite is the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  One database file carries all four schema areas. Open hands out one
  facade per interface so each engine only sees its own tables:

    approval.Store  -> DB.Approvals()   approval_* tables
    leave.Store     -> DB.Leaves()      leave_* tables (+ Ledger())
    ledger.Store    -> Leaves().Ledger() balance_* tables
    calendar.Store  -> DB.Calendars()   calendar_* tables

KEY TABLES:
  approval_requests:    one row per approval in flight, with tallies
  approval_decisions:   one row per approver slot, written exactly once
  leave_requests:       the leave state machine subject
  balance_transactions: append-only ledger, idempotency-keyed
  balance_snapshots:    per (user, year) totals, kept in lockstep

SCHEMA-ENFORCED INVARIANTS:
  - idx_approval_pending_entity: at most one PENDING approval per
    (entity_type, entity_id)
  - idx_balance_tx_idem: duplicate idempotency keys are rejected by the
    database even if the application check is bypassed
  - leave_types.code is unique

WAL MODE:
  The database is opened with WAL so readers never block on the writer,
  plus a busy timeout so a momentarily locked database queues instead of
  failing. Writes are additionally serialized in-process: SQLite allows
  one writer at a time and we would rather wait on a mutex than retry
  SQLITE_BUSY.

USAGE:
  db, err := sqlite.Open("./data/kronos.db")
  if err != nil {
      log.Fatal(err)
  }
  defer db.Close()
  svc := leave.NewService(db.Leaves(), ...)

MIGRATION:
  The schema is created on Open with idempotent DDL. A production
  deployment would version this with a migration tool; for a single-file
  embedded database the CREATE IF NOT EXISTS form keeps upgrades simple.

SEE ALSO:
  approval.go, leave.go, calendar.go for the per-interface facades,
  store/memory for the in-memory twins used by unit tests.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// DB owns the database handle and the in-process write lock shared by all
// facades.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for an in-memory database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" coherent (each pool connection
	// would otherwise get its own empty database) and sidesteps writer
	// contention on disk.
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Approvals returns the approval.Store facade.
func (d *DB) Approvals() *Approval { return &Approval{d: d} }

// Leaves returns the leave.Store facade. Its Ledger() method exposes the
// balance tables bound to the same transaction scope.
func (d *DB) Leaves() *Leave { return &Leave{d: d} }

// Calendars returns the calendar.Store facade.
func (d *DB) Calendars() *Calendar { return &Calendar{d: d} }

func (d *DB) migrate() error {
	schema := `
	-- ==================================================================
	-- approval engine
	-- ==================================================================

	CREATE TABLE IF NOT EXISTS approval_workflows (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		name TEXT NOT NULL,
		min_approvers INTEGER NOT NULL DEFAULT 1,
		max_approvers INTEGER NOT NULL DEFAULT 0,
		mode TEXT NOT NULL,
		approver_role_ids TEXT,
		auto_assign_approvers BOOLEAN NOT NULL DEFAULT TRUE,
		allow_self_approval BOOLEAN NOT NULL DEFAULT FALSE,
		expiration_hours INTEGER NOT NULL DEFAULT 0,
		expiration_action TEXT,
		escalation_role_id TEXT,
		reminder_hours_before TEXT,
		send_reminders BOOLEAN NOT NULL DEFAULT FALSE,
		conditions_json TEXT,
		condition_expr TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		target_role_ids TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approval_workflows_selection
		ON approval_workflows(entity_type, is_active, priority);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		workflow_config_id TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		metadata_json TEXT,
		callback_url TEXT,
		status TEXT NOT NULL,
		required_approvals INTEGER NOT NULL DEFAULT 1,
		received_approvals INTEGER NOT NULL DEFAULT 0,
		received_rejections INTEGER NOT NULL DEFAULT 0,
		current_level INTEGER NOT NULL DEFAULT 0,
		max_level INTEGER NOT NULL DEFAULT 0,
		expires_at TEXT,
		expired_action_taken BOOLEAN NOT NULL DEFAULT FALSE,
		resolution_notes TEXT,
		resolved_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One live approval per entity, enforced at the schema level too.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_pending_entity
		ON approval_requests(entity_type, entity_id) WHERE status = 'PENDING';
	CREATE INDEX IF NOT EXISTS idx_approval_requests_requester
		ON approval_requests(requester_id);
	CREATE INDEX IF NOT EXISTS idx_approval_requests_expiry
		ON approval_requests(expires_at)
		WHERE status = 'PENDING' AND expired_action_taken = FALSE;

	CREATE TABLE IF NOT EXISTS approval_decisions (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES approval_requests(id) ON DELETE CASCADE,
		approver_id TEXT NOT NULL,
		approver_name TEXT,
		approver_role TEXT,
		level INTEGER NOT NULL DEFAULT 0,
		decision TEXT NOT NULL DEFAULT '',
		notes TEXT,
		delegated_to TEXT,
		assigned_at TEXT NOT NULL,
		decided_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_approval_decisions_request
		ON approval_decisions(request_id, level);
	CREATE INDEX IF NOT EXISTS idx_approval_decisions_pending
		ON approval_decisions(approver_id) WHERE decision = '';

	CREATE TABLE IF NOT EXISTS approval_history (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES approval_requests(id) ON DELETE CASCADE,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		details_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approval_history_request
		ON approval_history(request_id);

	CREATE TABLE IF NOT EXISTS approval_reminders (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES approval_requests(id) ON DELETE CASCADE,
		approver_id TEXT NOT NULL,
		reminder_type TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		is_sent BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_approval_reminders_due
		ON approval_reminders(scheduled_at) WHERE is_sent = FALSE;

	-- ==================================================================
	-- leave
	-- ==================================================================

	CREATE TABLE IF NOT EXISTS leave_types (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		requires_approval BOOLEAN NOT NULL DEFAULT TRUE,
		requires_protocol BOOLEAN NOT NULL DEFAULT FALSE,
		allow_past_dates BOOLEAN NOT NULL DEFAULT FALSE,
		allow_negative_balance BOOLEAN NOT NULL DEFAULT FALSE,
		min_notice_days INTEGER NOT NULL DEFAULT 0,
		max_consecutive_days INTEGER NOT NULL DEFAULT 0,
		max_per_month TEXT NOT NULL DEFAULT '0',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL REFERENCES leave_types(id),
		leave_type_code TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		start_half_day BOOLEAN NOT NULL DEFAULT FALSE,
		end_half_day BOOLEAN NOT NULL DEFAULT FALSE,
		days_requested TEXT NOT NULL DEFAULT '0',
		reason TEXT,
		protocol_number TEXT,
		location TEXT,
		deduction_json TEXT,
		balance_deducted BOOLEAN NOT NULL DEFAULT FALSE,
		approval_request_id TEXT,
		condition_type TEXT,
		condition_details TEXT,
		condition_accepted BOOLEAN,
		recalled_at TEXT,
		recall_date TEXT,
		recall_reason TEXT,
		days_used_before_recall TEXT,
		has_interruptions BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_requests_user
		ON leave_requests(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_range
		ON leave_requests(start_date, end_date);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_status
		ON leave_requests(status);

	CREATE TABLE IF NOT EXISTS leave_interruptions (
		id TEXT PRIMARY KEY,
		leave_request_id TEXT NOT NULL REFERENCES leave_requests(id) ON DELETE CASCADE,
		interruption_type TEXT NOT NULL,
		start_date TEXT,
		end_date TEXT,
		specific_days TEXT,
		days_refunded TEXT NOT NULL DEFAULT '0',
		protocol_number TEXT,
		reason TEXT,
		initiated_by TEXT NOT NULL,
		initiated_by_role TEXT,
		status TEXT NOT NULL,
		decided_by TEXT,
		decided_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_interruptions_request
		ON leave_interruptions(leave_request_id);

	-- ==================================================================
	-- balance ledger
	-- ==================================================================

	CREATE TABLE IF NOT EXISTS balance_snapshots (
		user_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		vacation_ap_total TEXT NOT NULL DEFAULT '0',
		vacation_ap_used TEXT NOT NULL DEFAULT '0',
		vacation_ac_total TEXT NOT NULL DEFAULT '0',
		vacation_ac_used TEXT NOT NULL DEFAULT '0',
		rol_total TEXT NOT NULL DEFAULT '0',
		rol_used TEXT NOT NULL DEFAULT '0',
		permits_total TEXT NOT NULL DEFAULT '0',
		permits_used TEXT NOT NULL DEFAULT '0',
		ap_expiry_date TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, year)
	);

	-- Append-only: no UPDATE or DELETE path exists for this table.
	CREATE TABLE IF NOT EXISTS balance_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		balance_type TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		leave_request_id TEXT,
		idempotency_key TEXT,
		note TEXT,
		actor_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_balance_tx_idem
		ON balance_transactions(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_balance_tx_user_year
		ON balance_transactions(user_id, year, balance_type);
	CREATE INDEX IF NOT EXISTS idx_balance_tx_request
		ON balance_transactions(leave_request_id) WHERE leave_request_id IS NOT NULL;

	-- ==================================================================
	-- calendar
	-- ==================================================================

	CREATE TABLE IF NOT EXISTS calendar_profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		days_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calendar_holiday_profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calendar_holiday_rules (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL REFERENCES calendar_holiday_profiles(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		date TEXT,
		month INTEGER NOT NULL DEFAULT 0,
		day INTEGER NOT NULL DEFAULT 0,
		day_offset INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_calendar_rules_profile
		ON calendar_holiday_rules(profile_id);

	CREATE TABLE IF NOT EXISTS calendar_closures (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		location TEXT,
		department TEXT,
		is_paid BOOLEAN NOT NULL DEFAULT TRUE,
		consumes_leave_balance BOOLEAN NOT NULL DEFAULT FALSE,
		leave_type_code TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calendar_closures_range
		ON calendar_closures(start_date, end_date);

	CREATE TABLE IF NOT EXISTS calendar_exceptions (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		exception_type TEXT NOT NULL,
		location TEXT,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calendar_exceptions_date
		ON calendar_exceptions(date);

	CREATE TABLE IF NOT EXISTS calendar_locations (
		id TEXT PRIMARY KEY,
		location TEXT NOT NULL UNIQUE,
		profile_id TEXT NOT NULL,
		holiday_profile_ids TEXT
	);
	`

	_, err := d.db.Exec(schema)
	return err
}

// dbtx is satisfied by *sql.DB and *sql.Tx, so facade methods run the same
// statements inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SCAN / FORMAT HELPERS
// =============================================================================

const dayFormat = "2006-01-02"

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtDay(t time.Time) string {
	return t.Format(dayFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseDay(s string) time.Time {
	t, _ := time.Parse(dayFormat, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func nullDay(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtDay(*t), Valid: true}
}

func timePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func dayPtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseDay(s.String)
	return &t
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil || *id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func uuidOrNil(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

func uuidPtr(s sql.NullString) *uuid.UUID {
	if !s.Valid || s.String == "" {
		return nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil
	}
	return &id
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func boolPtr(b sql.NullBool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullDec(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func decPtr(s sql.NullString) *decimal.Decimal {
	if !s.Valid || s.String == "" {
		return nil
	}
	d := dec(s.String)
	return &d
}

// toJSON serializes v, mapping empty collections to NULL so the column
// stays readable in the sqlite shell.
func toJSON(v any) sql.NullString {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" || string(b) == "[]" || string(b) == "{}" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func fromJSON(s sql.NullString, v any) {
	if !s.Valid || s.String == "" {
		return
	}
	json.Unmarshal([]byte(s.String), v)
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// requireRow maps a zero-row UPDATE to the caller's not-found error.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
