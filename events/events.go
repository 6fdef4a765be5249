/*
Package events carries post-commit domain events.

PURPOSE:
  Engines never call follow-up work from inside a transaction. They queue
  Event records while the transaction runs; once it commits the queue is
  handed to the Dispatcher, which runs the subscribed handlers. A failing
  handler is logged and retried later. It never undoes the commit.

EVENTS:
  plan_approved  approved plan rows changed (shops, employees, date range).
                 Consumed by the attendance re-runner.
  fact_changed   approved fact rows changed. Consumed by reporting.

SEE ALSO:
  - dispatcher.go: Synchronous dispatch with a retry queue
  - amqp.go: Publishing to RabbitMQ
  - timesheet/timesheet.go: Where events are queued and flushed
*/
package events

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/warp/worktime-engine/workday"
)

type Kind string

const (
	KindPlanApproved Kind = "plan_approved"
	KindFactChanged  Kind = "fact_changed"
)

type Event struct {
	ID          uuid.UUID             `json:"id"`
	Kind        Kind                  `json:"kind"`
	ShopIDs     []workday.ShopID      `json:"shop_ids,omitempty"`
	EmployeeIDs []workday.EmployeeID  `json:"employee_ids,omitempty"`
	DtFrom      workday.Date          `json:"dt_from"`
	DtTo        workday.Date          `json:"dt_to"`
	RowIDs      []workday.WorkerDayID `json:"row_ids,omitempty"`
	DeletedIDs  []workday.WorkerDayID `json:"deleted_ids,omitempty"`
	OccurredAt  time.Time             `json:"occurred_at"`
}

func New(kind Kind) Event {
	return Event{ID: uuid.New(), Kind: kind, OccurredAt: time.Now().UTC()}
}

// Covers widens the event's date range to include d.
func (e *Event) Covers(d workday.Date) {
	if e.DtFrom.IsZero() || d.Before(e.DtFrom) {
		e.DtFrom = d
	}
	if e.DtTo.IsZero() || d.After(e.DtTo) {
		e.DtTo = d
	}
}

// Merge folds events of the same kind into one so a transaction emits at
// most one event per kind.
func Merge(evs []Event) []Event {
	var out []Event
	byKind := make(map[Kind]int)
	for _, ev := range evs {
		i, ok := byKind[ev.Kind]
		if !ok {
			byKind[ev.Kind] = len(out)
			out = append(out, ev)
			continue
		}
		m := &out[i]
		m.ShopIDs = union(m.ShopIDs, ev.ShopIDs)
		m.EmployeeIDs = union(m.EmployeeIDs, ev.EmployeeIDs)
		m.RowIDs = union(m.RowIDs, ev.RowIDs)
		m.DeletedIDs = union(m.DeletedIDs, ev.DeletedIDs)
		if !ev.DtFrom.IsZero() {
			m.Covers(ev.DtFrom)
		}
		if !ev.DtTo.IsZero() {
			m.Covers(ev.DtTo)
		}
	}
	return out
}

func union[T interface{ ~int64 }](a, b []T) []T {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}
