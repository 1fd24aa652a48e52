package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kronos-wfm/kronos-core/leave"
	"github.com/kronos-wfm/kronos-core/ledger"
)

// =============================================================================
// LEAVE SQLITE STORE
// =============================================================================

// Leave implements leave.Store over the leave_* and balance_* tables. The
// ledger facade returned by Ledger() carries the same transaction, so a
// WithTx covers leave rows and balances together.
type Leave struct {
	d  *DB
	tx *sql.Tx
}

func (s *Leave) q() dbtx {
	if s.tx != nil {
		return s.tx
	}
	return s.d.db
}

// WithTx runs fn against a transaction-bound facade and commits when fn
// returns nil.
func (s *Leave) WithTx(ctx context.Context, fn func(leave.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin leave tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Leave{d: s.d, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Ledger exposes the balance side of the store. A facade handed out inside
// WithTx stays bound to the same transaction.
func (s *Leave) Ledger() ledger.Store {
	return &Ledger{d: s.d, tx: s.tx}
}

// -----------------------------------------------------------------------------
// leave types

const leaveTypeCols = `id, code, name, requires_approval, requires_protocol,
	allow_past_dates, allow_negative_balance, min_notice_days,
	max_consecutive_days, max_per_month, is_active, created_at, updated_at`

func (s *Leave) CreateLeaveType(ctx context.Context, t *leave.Type) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO leave_types (`+leaveTypeCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Code, t.Name, t.RequiresApproval, t.RequiresProtocol,
		t.AllowPastDates, t.AllowNegativeBalance, t.MinNoticeDays,
		t.MaxConsecutiveDays, t.MaxPerMonth.String(), t.IsActive,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return err
}

func (s *Leave) UpdateLeaveType(ctx context.Context, t *leave.Type) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	res, err := s.q().ExecContext(ctx, `
		UPDATE leave_types SET
			code = ?, name = ?, requires_approval = ?, requires_protocol = ?,
			allow_past_dates = ?, allow_negative_balance = ?, min_notice_days = ?,
			max_consecutive_days = ?, max_per_month = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		t.Code, t.Name, t.RequiresApproval, t.RequiresProtocol,
		t.AllowPastDates, t.AllowNegativeBalance, t.MinNoticeDays,
		t.MaxConsecutiveDays, t.MaxPerMonth.String(), t.IsActive, fmtTime(t.UpdatedAt),
		t.ID.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res, leave.ErrTypeNotFound)
}

func (s *Leave) GetLeaveType(ctx context.Context, id uuid.UUID) (*leave.Type, error) {
	rows, err := s.queryLeaveTypes(ctx,
		`SELECT `+leaveTypeCols+` FROM leave_types WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, leave.ErrTypeNotFound
	}
	return &rows[0], nil
}

func (s *Leave) GetLeaveTypeByCode(ctx context.Context, code string) (*leave.Type, error) {
	rows, err := s.queryLeaveTypes(ctx,
		`SELECT `+leaveTypeCols+` FROM leave_types WHERE code = ?`, code)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, leave.ErrTypeNotFound
	}
	return &rows[0], nil
}

func (s *Leave) ListLeaveTypes(ctx context.Context, activeOnly bool) ([]leave.Type, error) {
	q := `SELECT ` + leaveTypeCols + ` FROM leave_types`
	if activeOnly {
		q += ` WHERE is_active = TRUE`
	}
	q += ` ORDER BY code ASC`
	return s.queryLeaveTypes(ctx, q)
}

func (s *Leave) queryLeaveTypes(ctx context.Context, query string, args ...any) ([]leave.Type, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.Type
	for rows.Next() {
		var t leave.Type
		var id string
		var maxPerMonth string
		var createdAt string
		var updatedAt string
		if err := rows.Scan(&id, &t.Code, &t.Name, &t.RequiresApproval,
			&t.RequiresProtocol, &t.AllowPastDates, &t.AllowNegativeBalance,
			&t.MinNoticeDays, &t.MaxConsecutiveDays, &maxPerMonth, &t.IsActive,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.ID = uuidOrNil(id)
		t.MaxPerMonth = dec(maxPerMonth)
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// requests

const leaveRequestCols = `id, user_id, leave_type_id, leave_type_code, status,
	start_date, end_date, start_half_day, end_half_day, days_requested,
	reason, protocol_number, location, deduction_json, balance_deducted,
	approval_request_id, condition_type, condition_details, condition_accepted,
	recalled_at, recall_date, recall_reason, days_used_before_recall,
	has_interruptions, created_at, updated_at`

func (s *Leave) CreateRequest(ctx context.Context, r *leave.Request) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO leave_requests (`+leaveRequestCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.UserID.String(), r.TypeID.String(), r.TypeCode, string(r.Status),
		fmtDay(r.StartDate), fmtDay(r.EndDate), r.StartHalfDay, r.EndHalfDay,
		r.DaysRequested.String(), nullString(r.Reason), nullString(r.ProtocolNumber),
		nullString(r.Location), toJSON(r.DeductionDetails), r.BalanceDeducted,
		nullUUID(r.ApprovalRequestID), nullString(r.ConditionType),
		nullString(r.ConditionDetails), nullBool(r.ConditionAccepted),
		nullTime(r.RecalledAt), nullDay(r.RecallDate), nullString(r.RecallReason),
		nullDec(r.DaysUsedBeforeRecall), r.HasInterruptions,
		fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	return err
}

func (s *Leave) UpdateRequest(ctx context.Context, r *leave.Request) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	res, err := s.q().ExecContext(ctx, `
		UPDATE leave_requests SET
			user_id = ?, leave_type_id = ?, leave_type_code = ?, status = ?,
			start_date = ?, end_date = ?, start_half_day = ?, end_half_day = ?,
			days_requested = ?, reason = ?, protocol_number = ?, location = ?,
			deduction_json = ?, balance_deducted = ?, approval_request_id = ?,
			condition_type = ?, condition_details = ?, condition_accepted = ?,
			recalled_at = ?, recall_date = ?, recall_reason = ?,
			days_used_before_recall = ?, has_interruptions = ?, updated_at = ?
		WHERE id = ?`,
		r.UserID.String(), r.TypeID.String(), r.TypeCode, string(r.Status),
		fmtDay(r.StartDate), fmtDay(r.EndDate), r.StartHalfDay, r.EndHalfDay,
		r.DaysRequested.String(), nullString(r.Reason), nullString(r.ProtocolNumber),
		nullString(r.Location), toJSON(r.DeductionDetails), r.BalanceDeducted,
		nullUUID(r.ApprovalRequestID), nullString(r.ConditionType),
		nullString(r.ConditionDetails), nullBool(r.ConditionAccepted),
		nullTime(r.RecalledAt), nullDay(r.RecallDate), nullString(r.RecallReason),
		nullDec(r.DaysUsedBeforeRecall), r.HasInterruptions, fmtTime(r.UpdatedAt),
		r.ID.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res, leave.ErrNotFound)
}

func (s *Leave) GetRequest(ctx context.Context, id uuid.UUID) (*leave.Request, error) {
	rows, err := s.queryLeaveRequests(ctx,
		`SELECT `+leaveRequestCols+` FROM leave_requests WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, leave.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Leave) ListRequestsByUser(ctx context.Context, userID uuid.UUID, year int) ([]leave.Request, error) {
	q := `SELECT ` + leaveRequestCols + ` FROM leave_requests WHERE user_id = ?`
	args := []any{userID.String()}
	if year != 0 {
		q += ` AND start_date >= ? AND start_date <= ?`
		args = append(args, fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-12-31", year))
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	return s.queryLeaveRequests(ctx, q, args...)
}

func (s *Leave) Overlapping(ctx context.Context, userID uuid.UUID, start, end time.Time, excludeID uuid.UUID) ([]leave.Request, error) {
	q := `SELECT ` + leaveRequestCols + ` FROM leave_requests
		WHERE user_id = ?
		  AND status IN ('DRAFT', 'PENDING', 'APPROVED', 'APPROVED_CONDITIONAL')
		  AND start_date <= ? AND end_date >= ?`
	args := []any{userID.String(), fmtDay(end), fmtDay(start)}
	if excludeID != uuid.Nil {
		q += ` AND id != ?`
		args = append(args, excludeID.String())
	}
	q += ` ORDER BY start_date ASC, rowid ASC`
	return s.queryLeaveRequests(ctx, q, args...)
}

func (s *Leave) RequestsInRange(ctx context.Context, start, end time.Time, statuses []leave.Status) ([]leave.Request, error) {
	q := `SELECT ` + leaveRequestCols + ` FROM leave_requests
		WHERE start_date <= ? AND end_date >= ?`
	args := []any{fmtDay(end), fmtDay(start)}
	if len(statuses) > 0 {
		q += ` AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY start_date ASC, rowid ASC`
	return s.queryLeaveRequests(ctx, q, args...)
}

func (s *Leave) queryLeaveRequests(ctx context.Context, query string, args ...any) ([]leave.Request, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.Request
	for rows.Next() {
		var r leave.Request
		var id string
		var userID string
		var typeID string
		var startDate string
		var endDate string
		var daysRequested string
		var reason sql.NullString
		var protocol sql.NullString
		var location sql.NullString
		var deduction sql.NullString
		var approvalID sql.NullString
		var condType sql.NullString
		var condDetails sql.NullString
		var condAccepted sql.NullBool
		var recalledAt sql.NullString
		var recallDate sql.NullString
		var recallReason sql.NullString
		var daysUsed sql.NullString
		var createdAt string
		var updatedAt string
		if err := rows.Scan(&id, &userID, &typeID, &r.TypeCode, &r.Status,
			&startDate, &endDate, &r.StartHalfDay, &r.EndHalfDay, &daysRequested,
			&reason, &protocol, &location, &deduction, &r.BalanceDeducted,
			&approvalID, &condType, &condDetails, &condAccepted,
			&recalledAt, &recallDate, &recallReason, &daysUsed,
			&r.HasInterruptions, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.ID = uuidOrNil(id)
		r.UserID = uuidOrNil(userID)
		r.TypeID = uuidOrNil(typeID)
		r.StartDate = parseDay(startDate)
		r.EndDate = parseDay(endDate)
		r.DaysRequested = dec(daysRequested)
		r.Reason = reason.String
		r.ProtocolNumber = protocol.String
		r.Location = location.String
		fromJSON(deduction, &r.DeductionDetails)
		r.ApprovalRequestID = uuidPtr(approvalID)
		r.ConditionType = condType.String
		r.ConditionDetails = condDetails.String
		r.ConditionAccepted = boolPtr(condAccepted)
		r.RecalledAt = timePtr(recalledAt)
		r.RecallDate = dayPtr(recallDate)
		r.RecallReason = recallReason.String
		r.DaysUsedBeforeRecall = decPtr(daysUsed)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// interruptions

const interruptionCols = `id, leave_request_id, interruption_type, start_date,
	end_date, specific_days, days_refunded, protocol_number, reason,
	initiated_by, initiated_by_role, status, decided_by, decided_at,
	created_at, updated_at`

func (s *Leave) CreateInterruption(ctx context.Context, i *leave.Interruption) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO leave_interruptions (`+interruptionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID.String(), i.LeaveRequestID.String(), string(i.Type), nullDay(i.StartDate),
		nullDay(i.EndDate), toJSON(i.SpecificDays), i.DaysRefunded.String(),
		nullString(i.ProtocolNumber), nullString(i.Reason),
		i.InitiatedBy.String(), nullString(i.InitiatedByRole), string(i.Status),
		nullUUID(i.DecidedBy), nullTime(i.DecidedAt),
		fmtTime(i.CreatedAt), fmtTime(i.UpdatedAt),
	)
	return err
}

func (s *Leave) UpdateInterruption(ctx context.Context, i *leave.Interruption) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	res, err := s.q().ExecContext(ctx, `
		UPDATE leave_interruptions SET
			leave_request_id = ?, interruption_type = ?, start_date = ?,
			end_date = ?, specific_days = ?, days_refunded = ?,
			protocol_number = ?, reason = ?, initiated_by = ?,
			initiated_by_role = ?, status = ?, decided_by = ?, decided_at = ?,
			updated_at = ?
		WHERE id = ?`,
		i.LeaveRequestID.String(), string(i.Type), nullDay(i.StartDate),
		nullDay(i.EndDate), toJSON(i.SpecificDays), i.DaysRefunded.String(),
		nullString(i.ProtocolNumber), nullString(i.Reason), i.InitiatedBy.String(),
		nullString(i.InitiatedByRole), string(i.Status), nullUUID(i.DecidedBy),
		nullTime(i.DecidedAt), fmtTime(i.UpdatedAt),
		i.ID.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res, leave.ErrInterruptionNotFound)
}

func (s *Leave) GetInterruption(ctx context.Context, id uuid.UUID) (*leave.Interruption, error) {
	rows, err := s.queryInterruptions(ctx,
		`SELECT `+interruptionCols+` FROM leave_interruptions WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, leave.ErrInterruptionNotFound
	}
	return &rows[0], nil
}

func (s *Leave) InterruptionsForRequest(ctx context.Context, requestID uuid.UUID) ([]leave.Interruption, error) {
	return s.queryInterruptions(ctx, `
		SELECT `+interruptionCols+` FROM leave_interruptions
		WHERE leave_request_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		requestID.String())
}

func (s *Leave) queryInterruptions(ctx context.Context, query string, args ...any) ([]leave.Interruption, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leave.Interruption
	for rows.Next() {
		var i leave.Interruption
		var id string
		var leaveID string
		var startDate sql.NullString
		var endDate sql.NullString
		var specificDays sql.NullString
		var daysRefunded string
		var protocol sql.NullString
		var reason sql.NullString
		var initiatedBy string
		var role sql.NullString
		var decidedBy sql.NullString
		var decidedAt sql.NullString
		var createdAt string
		var updatedAt string
		if err := rows.Scan(&id, &leaveID, &i.Type, &startDate, &endDate,
			&specificDays, &daysRefunded, &protocol, &reason, &initiatedBy,
			&role, &i.Status, &decidedBy, &decidedAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		i.ID = uuidOrNil(id)
		i.LeaveRequestID = uuidOrNil(leaveID)
		i.StartDate = dayPtr(startDate)
		i.EndDate = dayPtr(endDate)
		fromJSON(specificDays, &i.SpecificDays)
		i.DaysRefunded = dec(daysRefunded)
		i.ProtocolNumber = protocol.String
		i.Reason = reason.String
		i.InitiatedBy = uuidOrNil(initiatedBy)
		i.InitiatedByRole = role.String
		i.DecidedBy = uuidPtr(decidedBy)
		i.DecidedAt = timePtr(decidedAt)
		i.CreatedAt = parseTime(createdAt)
		i.UpdatedAt = parseTime(updatedAt)
		out = append(out, i)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGER SQLITE STORE
// =============================================================================

// Ledger implements ledger.Store over balance_snapshots and
// balance_transactions. Facades obtained from Leave.Ledger() inside a leave
// transaction stay bound to it; standalone WithTx opens its own.
type Ledger struct {
	d  *DB
	tx *sql.Tx
}

func (s *Ledger) q() dbtx {
	if s.tx != nil {
		return s.tx
	}
	return s.d.db
}

func (s *Ledger) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Ledger{d: s.d, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// -----------------------------------------------------------------------------
// snapshots

const snapshotCols = `user_id, year, vacation_ap_total, vacation_ap_used,
	vacation_ac_total, vacation_ac_used, rol_total, rol_used,
	permits_total, permits_used, ap_expiry_date, updated_at`

func (s *Ledger) GetSnapshot(ctx context.Context, userID uuid.UUID, year int) (*ledger.Snapshot, error) {
	rows, err := s.querySnapshots(ctx, `
		SELECT `+snapshotCols+` FROM balance_snapshots
		WHERE user_id = ? AND year = ?`,
		userID.String(), year)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ledger.ErrSnapshotNotFound
	}
	return &rows[0], nil
}

func (s *Ledger) CreateSnapshot(ctx context.Context, snap *ledger.Snapshot) error {
	return s.putSnapshot(ctx, snap)
}

// UpdateSnapshot writes through the same upsert as CreateSnapshot. Snapshots
// are keyed by (user, year) and the ledger recomputes every column before
// saving, so both operations are the same statement.
func (s *Ledger) UpdateSnapshot(ctx context.Context, snap *ledger.Snapshot) error {
	return s.putSnapshot(ctx, snap)
}

func (s *Ledger) putSnapshot(ctx context.Context, snap *ledger.Snapshot) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT OR REPLACE INTO balance_snapshots (`+snapshotCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.UserID.String(), snap.Year,
		snap.VacationAPTotal.String(), snap.VacationAPUsed.String(),
		snap.VacationACTotal.String(), snap.VacationACUsed.String(),
		snap.ROLTotal.String(), snap.ROLUsed.String(),
		snap.PermitsTotal.String(), snap.PermitsUsed.String(),
		nullTime(snap.APExpiryDate), fmtTime(snap.UpdatedAt),
	)
	return err
}

func (s *Ledger) SnapshotsWithExpiredAP(ctx context.Context, asOf time.Time) ([]ledger.Snapshot, error) {
	rows, err := s.querySnapshots(ctx, `
		SELECT `+snapshotCols+` FROM balance_snapshots
		WHERE ap_expiry_date IS NOT NULL AND ap_expiry_date <= ?
		ORDER BY user_id ASC, year ASC`,
		fmtTime(asOf))
	if err != nil {
		return nil, err
	}
	var out []ledger.Snapshot
	for _, snap := range rows {
		if snap.Available(ledger.VacationAP).IsPositive() {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *Ledger) querySnapshots(ctx context.Context, query string, args ...any) ([]ledger.Snapshot, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Snapshot
	for rows.Next() {
		var snap ledger.Snapshot
		var userID string
		var apTotal string
		var apUsed string
		var acTotal string
		var acUsed string
		var rolTotal string
		var rolUsed string
		var permitsTotal string
		var permitsUsed string
		var expiry sql.NullString
		var updatedAt string
		if err := rows.Scan(&userID, &snap.Year, &apTotal, &apUsed, &acTotal,
			&acUsed, &rolTotal, &rolUsed, &permitsTotal, &permitsUsed,
			&expiry, &updatedAt); err != nil {
			return nil, err
		}
		snap.UserID = uuidOrNil(userID)
		snap.VacationAPTotal = dec(apTotal)
		snap.VacationAPUsed = dec(apUsed)
		snap.VacationACTotal = dec(acTotal)
		snap.VacationACUsed = dec(acUsed)
		snap.ROLTotal = dec(rolTotal)
		snap.ROLUsed = dec(rolUsed)
		snap.PermitsTotal = dec(permitsTotal)
		snap.PermitsUsed = dec(permitsUsed)
		snap.APExpiryDate = timePtr(expiry)
		snap.UpdatedAt = parseTime(updatedAt)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// transactions

const transactionCols = `id, user_id, year, balance_type, transaction_type,
	amount, balance_after, leave_request_id, idempotency_key, note,
	actor_id, created_at`

func (s *Ledger) AppendTransaction(ctx context.Context, t *ledger.Transaction) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO balance_transactions (`+transactionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.UserID.String(), t.Year, string(t.Bucket), string(t.Type),
		t.Amount.String(), t.BalanceAfter.String(),
		nullUUID(t.LeaveRequestID), nullString(t.IdempotencyKey), nullString(t.Note),
		t.ActorID.String(), fmtTime(t.CreatedAt),
	)
	if isUniqueConstraint(err) {
		return ledger.ErrDuplicateIdempotencyKey
	}
	return err
}

// SumTransactions adds the amounts in Go. They are stored as decimal text,
// so an SQL SUM would coerce them through floats.
func (s *Ledger) SumTransactions(ctx context.Context, userID uuid.UUID, year int, bucket ledger.BalanceType) (decimal.Decimal, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT amount FROM balance_transactions
		WHERE user_id = ? AND year = ? AND balance_type = ?`,
		userID.String(), year, string(bucket))
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(dec(amount))
	}
	return sum, rows.Err()
}

func (s *Ledger) ListTransactions(ctx context.Context, userID uuid.UUID, year int) ([]ledger.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionCols+` FROM balance_transactions
		WHERE user_id = ? AND year = ?
		ORDER BY rowid ASC`,
		userID.String(), year)
}

func (s *Ledger) TransactionsForRequest(ctx context.Context, leaveRequestID uuid.UUID) ([]ledger.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionCols+` FROM balance_transactions
		WHERE leave_request_id = ?
		ORDER BY rowid ASC`,
		leaveRequestID.String())
}

func (s *Ledger) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var id string
		var userID string
		var amount string
		var balanceAfter string
		var leaveID sql.NullString
		var idemKey sql.NullString
		var note sql.NullString
		var actorID string
		var createdAt string
		if err := rows.Scan(&id, &userID, &t.Year, &t.Bucket, &t.Type,
			&amount, &balanceAfter, &leaveID, &idemKey, &note,
			&actorID, &createdAt); err != nil {
			return nil, err
		}
		t.ID = uuidOrNil(id)
		t.UserID = uuidOrNil(userID)
		t.Amount = dec(amount)
		t.BalanceAfter = dec(balanceAfter)
		t.LeaveRequestID = uuidPtr(leaveID)
		t.IdempotencyKey = idemKey.String
		t.Note = note.String
		t.ActorID = uuidOrNil(actorID)
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
