package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kronos-wfm/kronos-core/calendar"
)

// =============================================================================
// CALENDAR SQLITE STORE
// =============================================================================

// Calendar implements calendar.Store. Calendar configuration is read-mostly
// and nothing spans tables, so there is no transaction surface here.
type Calendar struct {
	d *DB
}

// -----------------------------------------------------------------------------
// work week profiles

const profileCols = `id, name, is_default, days_json, created_at`

func (s *Calendar) CreateProfile(ctx context.Context, p *calendar.WorkWeekProfile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO calendar_profiles (`+profileCols+`)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.IsDefault, toJSON(p.Days), fmtTime(p.CreatedAt))
	return err
}

func (s *Calendar) GetProfile(ctx context.Context, id uuid.UUID) (*calendar.WorkWeekProfile, error) {
	rows, err := s.queryProfiles(ctx,
		`SELECT `+profileCols+` FROM calendar_profiles WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, calendar.ErrNotFound
	}
	return &rows[0], nil
}

// DefaultProfile returns the most recently created default profile, so
// re-seeding a new default takes effect without clearing the old one.
func (s *Calendar) DefaultProfile(ctx context.Context) (*calendar.WorkWeekProfile, error) {
	rows, err := s.queryProfiles(ctx, `
		SELECT `+profileCols+` FROM calendar_profiles
		WHERE is_default = TRUE
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, calendar.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Calendar) queryProfiles(ctx context.Context, query string, args ...any) ([]calendar.WorkWeekProfile, error) {
	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calendar.WorkWeekProfile
	for rows.Next() {
		var p calendar.WorkWeekProfile
		var id string
		var days sql.NullString
		var createdAt string
		if err := rows.Scan(&id, &p.Name, &p.IsDefault, &days, &createdAt); err != nil {
			return nil, err
		}
		p.ID = uuidOrNil(id)
		fromJSON(days, &p.Days)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// holidays

func (s *Calendar) CreateHolidayProfile(ctx context.Context, p *calendar.HolidayProfile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO calendar_holiday_profiles (id, name, created_at)
		VALUES (?, ?, ?)`,
		p.ID.String(), p.Name, fmtTime(p.CreatedAt))
	return err
}

const ruleCols = `id, profile_id, name, rule_type, date, month, day, day_offset`

func (s *Calendar) AddHolidayRule(ctx context.Context, r *calendar.HolidayRule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO calendar_holiday_rules (`+ruleCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.ProfileID.String(), r.Name, string(r.Type),
		nullDay(r.Date), int(r.Month), r.Day, r.Offset)
	return err
}

func (s *Calendar) ListHolidayRules(ctx context.Context, profileIDs []uuid.UUID) ([]calendar.HolidayRule, error) {
	if profileIDs == nil {
		return s.queryRules(ctx,
			`SELECT `+ruleCols+` FROM calendar_holiday_rules ORDER BY rowid ASC`)
	}
	if len(profileIDs) == 0 {
		return nil, nil
	}
	q := `SELECT ` + ruleCols + ` FROM calendar_holiday_rules
		WHERE profile_id IN (?` + strings.Repeat(", ?", len(profileIDs)-1) + `)
		ORDER BY rowid ASC`
	args := make([]any, 0, len(profileIDs))
	for _, id := range profileIDs {
		args = append(args, id.String())
	}
	return s.queryRules(ctx, q, args...)
}

func (s *Calendar) queryRules(ctx context.Context, query string, args ...any) ([]calendar.HolidayRule, error) {
	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calendar.HolidayRule
	for rows.Next() {
		var r calendar.HolidayRule
		var id string
		var profileID string
		var date sql.NullString
		var month int
		if err := rows.Scan(&id, &profileID, &r.Name, &r.Type, &date,
			&month, &r.Day, &r.Offset); err != nil {
			return nil, err
		}
		r.ID = uuidOrNil(id)
		r.ProfileID = uuidOrNil(profileID)
		r.Date = dayPtr(date)
		r.Month = time.Month(month)
		out = append(out, r)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// closures

const closureCols = `id, name, start_date, end_date, location, department,
	is_paid, consumes_leave_balance, leave_type_code, created_at`

func (s *Calendar) CreateClosure(ctx context.Context, c *calendar.Closure) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO calendar_closures (`+closureCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.Name, fmtDay(c.StartDate), fmtDay(c.EndDate),
		nullString(c.Location), nullString(c.Department),
		c.IsPaid, c.ConsumesLeaveBalance, nullString(c.LeaveTypeCode),
		fmtTime(c.CreatedAt))
	return err
}

func (s *Calendar) UpdateClosure(ctx context.Context, c *calendar.Closure) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE calendar_closures SET
			name = ?, start_date = ?, end_date = ?, location = ?,
			department = ?, is_paid = ?, consumes_leave_balance = ?,
			leave_type_code = ?
		WHERE id = ?`,
		c.Name, fmtDay(c.StartDate), fmtDay(c.EndDate), nullString(c.Location),
		nullString(c.Department), c.IsPaid, c.ConsumesLeaveBalance,
		nullString(c.LeaveTypeCode),
		c.ID.String())
	if err != nil {
		return err
	}
	return requireRow(res, calendar.ErrNotFound)
}

func (s *Calendar) DeleteClosure(ctx context.Context, id uuid.UUID) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	res, err := s.d.db.ExecContext(ctx,
		`DELETE FROM calendar_closures WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return requireRow(res, calendar.ErrNotFound)
}

func (s *Calendar) GetClosure(ctx context.Context, id uuid.UUID) (*calendar.Closure, error) {
	rows, err := s.queryClosures(ctx,
		`SELECT `+closureCols+` FROM calendar_closures WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, calendar.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Calendar) ListClosures(ctx context.Context, from, to time.Time, location string) ([]calendar.Closure, error) {
	return s.queryClosures(ctx, `
		SELECT `+closureCols+` FROM calendar_closures
		WHERE start_date <= ? AND end_date >= ?
		  AND (location IS NULL OR location = ?)
		ORDER BY rowid ASC`,
		fmtDay(to), fmtDay(from), location)
}

func (s *Calendar) queryClosures(ctx context.Context, query string, args ...any) ([]calendar.Closure, error) {
	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calendar.Closure
	for rows.Next() {
		var c calendar.Closure
		var id string
		var startDate string
		var endDate string
		var location sql.NullString
		var department sql.NullString
		var typeCode sql.NullString
		var createdAt string
		if err := rows.Scan(&id, &c.Name, &startDate, &endDate, &location,
			&department, &c.IsPaid, &c.ConsumesLeaveBalance, &typeCode,
			&createdAt); err != nil {
			return nil, err
		}
		c.ID = uuidOrNil(id)
		c.StartDate = parseDay(startDate)
		c.EndDate = parseDay(endDate)
		c.Location = location.String
		c.Department = department.String
		c.LeaveTypeCode = typeCode.String
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// exceptions

const exceptionCols = `id, date, exception_type, location, reason, created_at`

func (s *Calendar) CreateException(ctx context.Context, e *calendar.WorkingDayException) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO calendar_exceptions (`+exceptionCols+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), fmtDay(e.Date), string(e.Type),
		nullString(e.Location), nullString(e.Reason), fmtTime(e.CreatedAt))
	return err
}

func (s *Calendar) ListExceptions(ctx context.Context, from, to time.Time, location string) ([]calendar.WorkingDayException, error) {
	rows, err := s.d.db.QueryContext(ctx, `
		SELECT `+exceptionCols+` FROM calendar_exceptions
		WHERE date >= ? AND date <= ?
		  AND (location IS NULL OR location = ?)
		ORDER BY rowid ASC`,
		fmtDay(from), fmtDay(to), location)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calendar.WorkingDayException
	for rows.Next() {
		var e calendar.WorkingDayException
		var id string
		var date string
		var loc sql.NullString
		var reason sql.NullString
		var createdAt string
		if err := rows.Scan(&id, &date, &e.Type, &loc, &reason, &createdAt); err != nil {
			return nil, err
		}
		e.ID = uuidOrNil(id)
		e.Date = parseDay(date)
		e.Location = loc.String
		e.Reason = reason.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// location calendars

func (s *Calendar) SetLocationCalendar(ctx context.Context, lc *calendar.LocationCalendar) error {
	if lc.ID == uuid.Nil {
		lc.ID = uuid.New()
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO calendar_locations (id, location, profile_id, holiday_profile_ids)
		VALUES (?, ?, ?, ?)`,
		lc.ID.String(), lc.Location, lc.ProfileID.String(), toJSON(lc.HolidayProfileIDs))
	return err
}

func (s *Calendar) GetLocationCalendar(ctx context.Context, location string) (*calendar.LocationCalendar, error) {
	row := s.d.db.QueryRowContext(ctx, `
		SELECT id, location, profile_id, holiday_profile_ids
		FROM calendar_locations WHERE location = ?`, location)

	var lc calendar.LocationCalendar
	var id string
	var profileID string
	var holidayIDs sql.NullString
	if err := row.Scan(&id, &lc.Location, &profileID, &holidayIDs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, calendar.ErrNotFound
		}
		return nil, err
	}
	lc.ID = uuidOrNil(id)
	lc.ProfileID = uuidOrNil(profileID)
	fromJSON(holidayIDs, &lc.HolidayProfileIDs)
	return &lc, nil
}
