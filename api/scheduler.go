/*
scheduler.go - Automated plan relink scheduler

PURPOSE:
  Periodically recomputes closest_plan_approved links of recent facts.
  Links drift when a plan is approved or edited after the employee already
  clocked in; the approve engine relinks what it touches, this catches the
  rest (bulk imports, manual edits, missed events).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Covers the trailing Days dates up to today (inclusive)
  - Uses each network's closest-plan window
  - Logs how many links changed

CONFIGURATION:
  - CheckInterval: How often to run (ENGINE_RELINK_INTERVAL, default 1h)
  - Days: Trailing dates covered (ENGINE_RELINK_DAYS, default 2)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRelinkScheduler(ts, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - timesheet/closest.go: Closest plan matching
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/worktime-engine/timesheet"
	"github.com/warp/worktime-engine/workday"
)

// RelinkScheduler refreshes fact-to-plan links of recent dates.
type RelinkScheduler struct {
	Timesheet     *timesheet.Timesheet
	CheckInterval time.Duration
	Days          int
	Enabled       bool
	Now           func() time.Time

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRelinkScheduler creates a new scheduler.
func NewRelinkScheduler(ts *timesheet.Timesheet, logger *zap.Logger) *RelinkScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelinkScheduler{
		Timesheet:     ts,
		CheckInterval: 1 * time.Hour,
		Days:          2,
		Enabled:       true,
		Now:           time.Now,
		logger:        logger.Named("relink"),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *RelinkScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	rs.logger.Info("started", zap.Duration("interval", rs.CheckInterval), zap.Int("days", rs.Days))
}

// Stop stops the scheduler.
func (rs *RelinkScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("stopped")
	}
}

func (rs *RelinkScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(context.Background())

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunNow relinks the covered range once and returns how many links
// changed.
func (rs *RelinkScheduler) RunNow(ctx context.Context) int {
	to := workday.DateOf(rs.Now().UTC())
	from := to.AddDays(-max(rs.Days-1, 0))

	changed, err := rs.Timesheet.SetClosestPlanApproved(ctx, workday.Filter{DtFrom: from, DtTo: to}, 0)
	if err != nil {
		rs.logger.Error("relink failed", zap.Stringer("from", from), zap.Stringer("to", to), zap.Error(err))
		return 0
	}
	if changed > 0 {
		rs.logger.Info("relinked facts", zap.Stringer("from", from), zap.Stringer("to", to), zap.Int("changed", changed))
	}
	return changed
}

// NextRunTime returns when the next scheduled check will occur.
func (rs *RelinkScheduler) NextRunTime() time.Time {
	return rs.Now().Add(rs.CheckInterval)
}
