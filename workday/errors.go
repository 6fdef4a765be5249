/*
errors.go - Centralized error types for the worker-day engine

PURPOSE:
  All error types in one place. Every structured error unwraps to one of
  the sentinel errors below so callers can classify with errors.Is, and
  KindOf maps any error onto the six reported kinds.

ERROR KINDS:
  validation    invariant violation, malformed input
  permission    denied by the permission gate
  conflict      overlap, incompatible types on a date, missing plan
  not_found     referenced entity absent
  precondition  norm check failed on approve
  internal      everything else (store, IO)

USAGE:
  var overlap *workday.WorkTimeOverlapError
  if errors.As(err, &overlap) {
      for _, o := range overlap.Overlaps { ... }
  }

SEE ALSO:
  - invariants.go: Produces the validation and conflict errors
  - permission/gate.go: Produces PermissionDeniedError
*/
package workday

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation       = errors.New("validation failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrPrecondition     = errors.New("precondition failed")

	// ErrConcurrentModification is returned when the database aborts a
	// serializable transaction. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindPermission   ErrorKind = "permission"
	KindConflict     ErrorKind = "conflict"
	KindNotFound     ErrorKind = "not_found"
	KindPrecondition ErrorKind = "precondition"
	KindInternal     ErrorKind = "internal"
)

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPermissionDenied):
		return KindPermission
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPrecondition):
		return KindPrecondition
	}
	return KindInternal
}

// =============================================================================
// ROW REFERENCES
// =============================================================================

// RowRef names an offending row in a way a human can act on.
type RowRef struct {
	ID           WorkerDayID
	EmployeeID   *EmployeeID
	EmployeeName string
	Dt           Date
	Type         TypeCode
	Graph        Graph
	Start        *time.Time
	End          *time.Time
}

func RefOf(wd WorkerDay) RowRef {
	return RowRef{
		ID:         wd.ID,
		EmployeeID: wd.EmployeeID,
		Dt:         wd.Dt,
		Type:       wd.Type,
		Graph:      wd.Graph(),
		Start:      wd.WorkStart,
		End:        wd.WorkEnd,
	}
}

func (r RowRef) String() string {
	who := r.EmployeeName
	switch {
	case who != "":
	case r.EmployeeID != nil:
		who = fmt.Sprintf("employee %d", *r.EmployeeID)
	default:
		who = "open vacancy"
	}
	s := fmt.Sprintf("%s %s %s", who, r.Dt, r.Type)
	if r.Start != nil && r.End != nil {
		s += fmt.Sprintf(" %s-%s", r.Start.Format("15:04"), r.End.Format("15:04"))
	}
	return s
}

func joinRefs(refs []RowRef) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = r.String()
	}
	return strings.Join(parts, "; ")
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed row or request.
type ValidationError struct {
	Code    string
	Message string
	Rows    []RowRef
}

func (e *ValidationError) Error() string {
	if len(e.Rows) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, joinRefs(e.Rows))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Overlap is a pair of rows whose [start, end) intersect.
type Overlap struct {
	A RowRef
	B RowRef
}

// WorkTimeOverlapError is raised when two workday rows of one employee in
// one graph intersect in time.
type WorkTimeOverlapError struct {
	Overlaps []Overlap
}

func (e *WorkTimeOverlapError) Error() string {
	parts := make([]string, len(e.Overlaps))
	for i, o := range e.Overlaps {
		parts[i] = fmt.Sprintf("%s overlaps %s", o.A, o.B)
	}
	return "work time overlap: " + strings.Join(parts, "; ")
}

func (e *WorkTimeOverlapError) Unwrap() error { return ErrConflict }

// MultipleWDTypesOnOneDateError is raised when the types on one date are
// not a permitted combination.
type MultipleWDTypesOnOneDateError struct {
	Rows []RowRef
}

func (e *MultipleWDTypesOnOneDateError) Error() string {
	return "multiple worker day types on one date: " + joinRefs(e.Rows)
}

func (e *MultipleWDTypesOnOneDateError) Unwrap() error { return ErrConflict }

// HasAnotherWdayOnDateError is raised when a second workday appears on a
// date while the network does not allow several per date.
type HasAnotherWdayOnDateError struct {
	Rows []RowRef
}

func (e *HasAnotherWdayOnDateError) Error() string {
	return "another worker day already exists on date: " + joinRefs(e.Rows)
}

func (e *HasAnotherWdayOnDateError) Unwrap() error { return ErrConflict }

// DtMaxHoursRestrictionViolatedError is the norm check failure on approve.
type DtMaxHoursRestrictionViolatedError struct {
	EmployeeID   EmployeeID
	EmployeeName string
	Month        Date
	Norm         decimal.Decimal
	Planned      decimal.Decimal
}

func (e *DtMaxHoursRestrictionViolatedError) Code() string { return "norm_exceeded" }

func (e *DtMaxHoursRestrictionViolatedError) Error() string {
	who := e.EmployeeName
	if who == "" {
		who = fmt.Sprintf("employee %d", e.EmployeeID)
	}
	return fmt.Sprintf("norm_exceeded: %s planned %sh in %d-%02d, norm %sh",
		who, e.Planned.StringFixed(2), e.Month.Year, e.Month.Month, e.Norm.StringFixed(2))
}

func (e *DtMaxHoursRestrictionViolatedError) Unwrap() error { return ErrPrecondition }

// PermissionDeniedError names exactly what the actor may not do.
type PermissionDeniedError struct {
	Action     Action
	Graph      GraphKind
	Type       TypeCode
	EmployeeID *EmployeeID
	ShopID     *ShopID
	DtFrom     Date
	DtTo       Date
	Reason     string
}

func (e *PermissionDeniedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "permission denied: %s %s %s", e.Action, e.Graph, e.Type)
	if e.EmployeeID != nil {
		fmt.Fprintf(&b, " employee=%d", *e.EmployeeID)
	}
	if e.ShopID != nil {
		fmt.Fprintf(&b, " shop=%d", *e.ShopID)
	}
	if e.DtFrom == e.DtTo {
		fmt.Fprintf(&b, " dt=%s", e.DtFrom)
	} else {
		fmt.Fprintf(&b, " dt=%s..%s", e.DtFrom, e.DtTo)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// NotFoundError reports a missing referenced entity.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError covers conflicts without a dedicated type.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// NameRows fills EmployeeName on every row reference carried by err.
func NameRows(err error, name func(EmployeeID) string) {
	fill := func(refs []RowRef) {
		for i := range refs {
			if refs[i].EmployeeID != nil && refs[i].EmployeeName == "" {
				refs[i].EmployeeName = name(*refs[i].EmployeeID)
			}
		}
	}
	var (
		overlap *WorkTimeOverlapError
		multi   *MultipleWDTypesOnOneDateError
		another *HasAnotherWdayOnDateError
		invalid *ValidationError
	)
	switch {
	case errors.As(err, &overlap):
		for i := range overlap.Overlaps {
			pair := []RowRef{overlap.Overlaps[i].A, overlap.Overlaps[i].B}
			fill(pair)
			overlap.Overlaps[i].A, overlap.Overlaps[i].B = pair[0], pair[1]
		}
	case errors.As(err, &multi):
		fill(multi.Rows)
	case errors.As(err, &another):
		fill(another.Rows)
	case errors.As(err, &invalid):
		fill(invalid.Rows)
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindPermission, KindConflict, KindPrecondition:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
