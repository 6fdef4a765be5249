package approve

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/worktime-engine/permission"
	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
)

// ApproveVacancy promotes one confirmed vacancy draft and deletes the
// approved row it replaces.
func (e *Engine) ApproveVacancy(ctx context.Context, actor workday.UserID, id workday.WorkerDayID) (*workday.WorkerDay, error) {
	var out *workday.WorkerDay
	err := e.ts.WithTx(ctx, func(tx *timesheet.Tx) error {
		tx.SetSource(workday.SourceApprove)
		v, err := e.approveVacancy(ctx, tx, actor, id)
		out = v
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("vacancy approved", zap.Int64("actor", int64(actor)), zap.Int64("id", int64(id)))
	return e.ts.Get(ctx, out.ID)
}

// ApproveVacancyTx is ApproveVacancy inside a running transaction.
func (e *Engine) ApproveVacancyTx(ctx context.Context, tx *timesheet.Tx, actor workday.UserID, id workday.WorkerDayID) (*workday.WorkerDay, error) {
	return e.approveVacancy(ctx, tx, actor, id)
}

func (e *Engine) approveVacancy(ctx context.Context, tx *timesheet.Tx, actor workday.UserID, id workday.WorkerDayID) (*workday.WorkerDay, error) {
	v, err := tx.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	refs := []workday.RowRef{workday.RefOf(*v)}
	switch {
	case !v.IsVacancy:
		return nil, &workday.ValidationError{Code: "not_a_vacancy", Message: "worker day is not a vacancy", Rows: refs}
	case v.IsApproved:
		return nil, &workday.ValidationError{Code: "already_approved", Message: "vacancy is already approved", Rows: refs}
	case v.EmployeeID == nil:
		return nil, &workday.ValidationError{Code: "vacancy_not_confirmed", Message: "vacancy has no employee yet", Rows: refs}
	}

	checks := []permission.Check{permission.CheckFor(workday.ActionApprove, *v)}
	var parent *workday.WorkerDay
	if v.ParentID != nil {
		parent, err = tx.Get(ctx, *v.ParentID)
		if err != nil && !workday.IsNotFound(err) {
			return nil, err
		}
		if parent != nil {
			checks = append(checks, permission.CheckFor(workday.ActionApprove, *parent))
		}
	}
	if err := e.gate.WithDirectory(tx.Refs().Directory()).Require(ctx, actor, checks...); err != nil {
		return nil, err
	}

	key := v.Key()
	key.IsApproved = true
	if err := tx.LockKeys(ctx, []workday.Key{key, v.Key()}); err != nil {
		return nil, err
	}
	if parent != nil {
		if err := tx.Remove(ctx, parent.ID); err != nil {
			return nil, err
		}
	}
	v.VacancyStatus = workday.VacancyApproved
	return promoteRow(ctx, tx, *v)
}
