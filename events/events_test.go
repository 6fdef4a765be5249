package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/worktime-engine/events"
	"github.com/warp/worktime-engine/workday"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	err       error
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.declared = append(c.declared, name+":"+kind)
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, exchange+"/"+key)
	c.published = append(c.published, msg)
	return nil
}

// =============================================================================
// MERGE
// =============================================================================

func TestMerge_OneEventPerKind(t *testing.T) {
	// GIVEN: Two plan events and one fact event from one transaction
	a := events.New(events.KindPlanApproved)
	a.ShopIDs = []workday.ShopID{2}
	a.EmployeeIDs = []workday.EmployeeID{10}
	a.Covers(workday.MustParseDate("2024-03-05"))

	b := events.New(events.KindPlanApproved)
	b.ShopIDs = []workday.ShopID{1, 2}
	b.EmployeeIDs = []workday.EmployeeID{11}
	b.Covers(workday.MustParseDate("2024-03-01"))
	b.Covers(workday.MustParseDate("2024-03-03"))

	f := events.New(events.KindFactChanged)
	f.RowIDs = []workday.WorkerDayID{7}

	// WHEN: Merging
	out := events.Merge([]events.Event{a, f, b})

	// THEN: Plan events fold into the first one; date range widens
	require.Len(t, out, 2)
	assert.Equal(t, events.KindPlanApproved, out[0].Kind)
	assert.Equal(t, a.ID, out[0].ID)
	assert.Equal(t, []workday.ShopID{1, 2}, out[0].ShopIDs)
	assert.Equal(t, []workday.EmployeeID{10, 11}, out[0].EmployeeIDs)
	assert.Equal(t, workday.MustParseDate("2024-03-01"), out[0].DtFrom)
	assert.Equal(t, workday.MustParseDate("2024-03-05"), out[0].DtTo)
	assert.Equal(t, events.KindFactChanged, out[1].Kind)
}

// =============================================================================
// DISPATCHER
// =============================================================================

func TestDispatcher_DeliversToSubscribersOfKind(t *testing.T) {
	d := events.NewDispatcher()
	var plan, fact int
	d.Subscribe(events.KindPlanApproved, "plan", func(ctx context.Context, ev events.Event) error { plan++; return nil })
	d.Subscribe(events.KindFactChanged, "fact", func(ctx context.Context, ev events.Event) error { fact++; return nil })

	d.Dispatch(context.Background(), []events.Event{events.New(events.KindPlanApproved)})

	assert.Equal(t, 1, plan)
	assert.Equal(t, 0, fact)
	assert.Zero(t, d.Pending())
}

func TestDispatcher_CancelledContextStillDelivers(t *testing.T) {
	d := events.NewDispatcher()
	var seen error
	d.Subscribe(events.KindFactChanged, "watcher", func(ctx context.Context, ev events.Event) error {
		seen = ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, []events.Event{events.New(events.KindFactChanged)})

	assert.NoError(t, seen)
}

func TestDispatcher_RetriesAfterBackoff(t *testing.T) {
	// GIVEN: A handler that fails twice, then succeeds
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := events.NewDispatcher(events.WithClock(clock.now), events.WithRetry(5, time.Minute))
	calls := 0
	d.Subscribe(events.KindPlanApproved, "flaky", func(ctx context.Context, ev events.Event) error {
		calls++
		if calls <= 2 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	// WHEN: Dispatching
	d.Dispatch(context.Background(), []events.Event{events.New(events.KindPlanApproved)})

	// THEN: The failed delivery waits for its back-off
	assert.Equal(t, 1, d.Pending())
	assert.Equal(t, 1, d.RetryDue(context.Background()))
	assert.Equal(t, 1, calls)

	clock.advance(time.Minute)
	assert.Equal(t, 1, d.RetryDue(context.Background()), "second attempt fails and is re-queued")
	assert.Equal(t, 2, calls)

	clock.advance(time.Minute)
	assert.Equal(t, 1, d.RetryDue(context.Background()), "back-off grows with the attempt number")

	clock.advance(time.Minute)
	assert.Equal(t, 0, d.RetryDue(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := events.NewDispatcher(events.WithClock(clock.now), events.WithRetry(2, time.Second))
	calls := 0
	d.Subscribe(events.KindFactChanged, "broken", func(ctx context.Context, ev events.Event) error {
		calls++
		return errors.New("always fails")
	})

	d.Dispatch(context.Background(), []events.Event{events.New(events.KindFactChanged)})
	clock.advance(time.Hour)
	d.RetryDue(context.Background())

	assert.Equal(t, 2, calls)
	assert.Zero(t, d.Pending())
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	d := events.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// =============================================================================
// AMQP PUBLISHER
// =============================================================================

func TestAMQPPublisher_PublishesJSONWithRoutingKey(t *testing.T) {
	ch := &fakeChannel{}
	p := events.NewAMQPPublisher(ch, "worktime", time.Second)
	require.NoError(t, p.Declare())

	ev := events.New(events.KindFactChanged)
	ev.RowIDs = []workday.WorkerDayID{3, 4}
	require.NoError(t, p.Publish(context.Background(), ev))

	assert.Equal(t, []string{"worktime:topic"}, ch.declared)
	assert.Equal(t, []string{"worktime/worktime.fact_changed"}, ch.keys)
	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, ev.ID.String(), msg.MessageId)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, ev.RowIDs, decoded.RowIDs)
}

func TestAMQPPublisher_FailureGoesToRetryQueue(t *testing.T) {
	ch := &fakeChannel{err: amqp.ErrClosed}
	d := events.NewDispatcher()
	d.SubscribePublisher("amqp", events.NewAMQPPublisher(ch, "worktime", 0))

	d.Dispatch(context.Background(), []events.Event{events.New(events.KindPlanApproved)})

	assert.Equal(t, 1, d.Pending())
}
