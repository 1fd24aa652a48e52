package leave

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/ledger"
)

// =============================================================================
// POLICY ENGINE - per-type validation strategies
// =============================================================================

// ValidationResult is one strategy's verdict on a prospective request.
type ValidationResult struct {
	Valid            bool              `json:"is_valid"`
	Errors           []string          `json:"errors,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	RequiresApproval bool              `json:"requires_approval"`
	Breakdown        []ledger.Movement `json:"balance_breakdown,omitempty"`
}

// PolicyInput is everything a strategy may inspect. Snapshot is the
// requester's balance for the request's start year; MonthlyUsed sums the
// days of same-type blocking requests already in the start month.
type PolicyInput struct {
	Type        *Type
	Request     *Request
	Snapshot    *ledger.Snapshot
	MonthlyUsed decimal.Decimal
	Today       time.Time
}

// Policy validates one leave type. Strategies are pure: all data comes in
// through PolicyInput.
type Policy func(in PolicyInput) ValidationResult

// Policies is the strategy registry keyed by leave type code. Adding a type
// is a registration, not a subclass.
type Policies struct {
	byCode   map[string]Policy
	fallback Policy
}

// NewPolicies builds the registry with the built-in strategies.
func NewPolicies() *Policies {
	p := &Policies{byCode: make(map[string]Policy)}
	p.fallback = noBalancePolicy
	p.Register(TypeVacation, balancePolicy(ledger.VacationBuckets))
	p.Register(TypeROL, balancePolicy([]ledger.BalanceType{ledger.ROL}))
	p.Register(TypePermits, balancePolicy([]ledger.BalanceType{ledger.Permits}))
	p.Register(TypeSick, noBalancePolicy)
	p.Register(TypeParental, noBalancePolicy)
	p.Register(TypeUnpaid, noBalancePolicy)
	return p
}

// Register installs (or replaces) the strategy for a type code.
func (p *Policies) Register(code string, fn Policy) { p.byCode[code] = fn }

// Validate runs the strategy for the input's type code, falling back to the
// default strategy for unknown codes.
func (p *Policies) Validate(in PolicyInput) ValidationResult {
	fn, ok := p.byCode[in.Type.Code]
	if !ok {
		fn = p.fallback
	}
	return fn(in)
}

// BucketsFor returns the deduction order for a leave type code, nil when the
// type consumes no balance.
func BucketsFor(code string) []ledger.BalanceType {
	switch code {
	case TypeVacation:
		return ledger.VacationBuckets
	case TypeROL:
		return []ledger.BalanceType{ledger.ROL}
	case TypePermits:
		return []ledger.BalanceType{ledger.Permits}
	}
	return nil
}

// =============================================================================
// BUILT-IN STRATEGIES
// =============================================================================

// commonChecks applies the type-level knobs every strategy honors.
func commonChecks(in PolicyInput) (errs, warns []string) {
	req, typ := in.Request, in.Type
	today := calendar.Day(in.Today)

	if !typ.AllowPastDates && req.StartDate.Before(today) {
		errs = append(errs, fmt.Sprintf("%s requests cannot start in the past", typ.Code))
	}
	if typ.MinNoticeDays > 0 {
		earliest := calendar.AddDays(today, typ.MinNoticeDays)
		if req.StartDate.Before(earliest) {
			errs = append(errs, fmt.Sprintf("requires %d days notice (earliest start %s)",
				typ.MinNoticeDays, earliest.Format("2006-01-02")))
		}
	}
	if typ.MaxConsecutiveDays > 0 {
		span := calendar.DaysBetween(req.StartDate, req.EndDate) + 1
		if span > typ.MaxConsecutiveDays {
			errs = append(errs, fmt.Sprintf("spans %d consecutive days, maximum is %d",
				span, typ.MaxConsecutiveDays))
		}
	}
	if typ.MaxPerMonth.IsPositive() {
		if in.MonthlyUsed.Add(req.DaysRequested).GreaterThan(typ.MaxPerMonth) {
			errs = append(errs, fmt.Sprintf("would exceed the monthly cap of %s days (%s already requested)",
				typ.MaxPerMonth, in.MonthlyUsed))
		}
	}
	if req.DaysRequested.IsZero() {
		warns = append(warns, "request covers no working days")
	}
	return errs, warns
}

// balancePolicy validates against the given bucket order and plans the
// deduction. Used by vacation (AP then AC), rol and permits.
func balancePolicy(buckets []ledger.BalanceType) Policy {
	return func(in PolicyInput) ValidationResult {
		errs, warns := commonChecks(in)
		res := ValidationResult{
			RequiresApproval: in.Type.RequiresApproval,
			Warnings:         warns,
		}
		if in.Request.DaysRequested.IsPositive() {
			plan, err := ledger.PlanDeduction(in.Snapshot, buckets, in.Request.DaysRequested, in.Type.AllowNegativeBalance)
			if err != nil {
				errs = append(errs, err.Error())
			} else {
				res.Breakdown = plan
				if in.Type.AllowNegativeBalance {
					available := decimal.Zero
					for _, b := range buckets {
						available = available.Add(decimal.Max(in.Snapshot.Available(b), decimal.Zero))
					}
					if in.Request.DaysRequested.GreaterThan(available) {
						res.Warnings = append(res.Warnings, "balance will go negative")
					}
				}
			}
		}
		res.Errors = errs
		res.Valid = len(errs) == 0
		return res
	}
}

// noBalancePolicy covers types that consume no bucket (sick, parental,
// unpaid and unknown codes).
func noBalancePolicy(in PolicyInput) ValidationResult {
	errs, warns := commonChecks(in)
	return ValidationResult{
		Valid:            len(errs) == 0,
		Errors:           errs,
		Warnings:         warns,
		RequiresApproval: in.Type.RequiresApproval,
	}
}
