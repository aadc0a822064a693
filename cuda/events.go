package cuda

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/internal/registry"
	"k8s.io/klog/v2"
)

// EventState is the state of an Event as seen by the host.
type EventState int

const (
	// EventUnrecorded events were never recorded on a stream.
	EventUnrecorded EventState = iota

	// EventPending events were recorded, and the work before the record didn't complete yet.
	EventPending

	// EventComplete events were recorded, and all the work before the last record completed.
	EventComplete
)

func (s EventState) String() string {
	switch s {
	case EventUnrecorded:
		return "Unrecorded"
	case EventPending:
		return "Pending"
	case EventComplete:
		return "Complete"
	}
	return fmt.Sprintf("EventState(%d)", int(s))
}

// Event marks a position in a stream. It completes when all the work enqueued on the stream before the record
// completed. It can be recorded again, which moves it to the new position.
type Event struct {
	ctx    *Context
	handle driver.Event
	flags  driver.EventFlags
	id     registry.Handle

	mu        sync.Mutex
	destroyed bool

	// stream and ticket of the last record, generation counts the records.
	stream                *Stream
	ticket                uint64
	generation, completed uint64
}

func (*Event) kind() resourceKind { return resourceEvent }

// EventConfig is returned by Context.NewEvent, and configures the event to be created. Call Done to create it.
type EventConfig struct {
	ctx   *Context
	flags driver.EventFlags
}

// NewEvent returns a configuration for a new event: set the options and call Done, e.g.:
//
//	event, err := ctx.NewEvent().DisableTiming().Done()
func (c *Context) NewEvent() *EventConfig {
	return &EventConfig{ctx: c}
}

// DisableTiming creates an event that doesn't record timestamps: it can't be used with ElapsedTime, but it is
// cheaper to record and wait for.
func (cfg *EventConfig) DisableTiming() *EventConfig {
	cfg.flags |= driver.EventDisableTiming
	return cfg
}

// BlockingSync makes the host thread block (as opposed to spin) in Event.Synchronize.
func (cfg *EventConfig) BlockingSync() *EventConfig {
	cfg.flags |= driver.EventBlockingSync
	return cfg
}

// Done creates the event.
func (cfg *EventConfig) Done() (*Event, error) {
	c := cfg.ctx
	e := &Event{ctx: c, flags: cfg.flags}
	err := c.do("Context.NewEvent", func(drv driver.Driver) (r driver.Result) {
		e.handle, r = drv.EventCreate(cfg.flags)
		if r == driver.Success {
			e.id = c.register(e)
		}
		return
	})
	if err != nil {
		return nil, err
	}
	eventsAlive.Add(1)
	return e, nil
}

// Context that owns the event.
func (e *Event) Context() *Context { return e.ctx }

// TimingDisabled returns whether the event was created with EventConfig.DisableTiming.
func (e *Event) TimingDisabled() bool { return e.flags&driver.EventDisableTiming != 0 }

// String implements fmt.Stringer.
func (e *Event) String() string {
	return fmt.Sprintf("event %#x", e.handle)
}

// Record the event at the current tail of stream. It becomes EventPending until the work enqueued before it
// completes.
func (e *Event) Record(stream *Stream) error {
	const op = "Event.Record"
	if stream.ctx != e.ctx {
		return newError(KindInvalidHandle, op, "%s belongs to %s, not to %s", stream, stream.ctx, e.ctx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return newError(KindInvalidHandle, op, "event has been destroyed already")
	}
	generation := e.generation + 1
	deps := &opDeps{onComplete: func() { e.markComplete(generation) }}
	ticket, err := stream.enqueue(op, deps, func(drv driver.Driver) driver.Result {
		return drv.EventRecord(e.handle, stream.handle)
	})
	if err != nil {
		return err
	}
	e.stream, e.ticket, e.generation = stream, ticket, generation
	return nil
}

// markComplete records that the given record generation completed.
func (e *Event) markComplete(generation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = max(e.completed, generation)
}

// snapshot returns the state of the last record, and whether its completion was already observed.
func (e *Event) snapshot(op string) (stream *Stream, ticket, generation uint64, complete bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		err = newError(KindInvalidHandle, op, "event has been destroyed already")
		return
	}
	return e.stream, e.ticket, e.generation, e.completed >= e.generation, nil
}

// observed marks the record generation complete, and the work before it in its stream.
func (e *Event) observed(stream *Stream, ticket, generation uint64) {
	e.markComplete(generation)
	stream.observe(ticket)
}

// Query returns the state of the event, without blocking. Querying again without recording in between
// returns the same state, or EventComplete once the work completed.
func (e *Event) Query() (EventState, error) {
	const op = "Event.Query"
	stream, ticket, generation, complete, err := e.snapshot(op)
	if err != nil {
		return EventUnrecorded, err
	}
	if generation == 0 {
		return EventUnrecorded, nil
	}
	if complete {
		return EventComplete, nil
	}
	var r driver.Result
	err = e.ctx.do(op, func(drv driver.Driver) driver.Result {
		r = drv.EventQuery(e.handle)
		if r == driver.ErrorNotReady {
			return driver.Success
		}
		return r
	})
	if err != nil {
		return EventPending, err
	}
	if r == driver.ErrorNotReady {
		return EventPending, nil
	}
	e.observed(stream, ticket, generation)
	return EventComplete, nil
}

// Synchronize blocks until the event completes. It returns immediately for an event never recorded.
func (e *Event) Synchronize() error {
	const op = "Event.Synchronize"
	stream, ticket, generation, complete, err := e.snapshot(op)
	if err != nil || generation == 0 || complete {
		return err
	}
	err = e.ctx.do(op, func(drv driver.Driver) driver.Result {
		return drv.EventSynchronize(e.handle)
	})
	if err != nil {
		return err
	}
	e.observed(stream, ticket, generation)
	return nil
}

// Destroy the event. A second call is a no-op.
//
// Streams waiting on the event still wait for its last record.
func (e *Event) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	err := e.ctx.do("Event.Destroy", func(drv driver.Driver) driver.Result {
		return drv.EventDestroy(e.handle)
	})
	if err != nil {
		return err
	}
	e.destroyed = true
	e.ctx.resources.Remove(e.id)
	eventsAlive.Add(-1)
	return nil
}

// ElapsedTime returns the time between the completion of the start and end events.
//
// It fails with KindNotReady unless both events were created with timing enabled, recorded and completed.
func ElapsedTime(start, end *Event) (time.Duration, error) {
	const op = "ElapsedTime"
	for _, e := range []*Event{start, end} {
		if e.TimingDisabled() {
			return 0, newError(KindNotReady, op, "%s was created with timing disabled", e)
		}
		state, err := e.Query()
		if err != nil {
			return 0, err
		}
		if state != EventComplete {
			return 0, newError(KindNotReady, op, "%s is %s", e, state)
		}
	}
	if start.ctx != end.ctx {
		return 0, newError(KindInvalidHandle, op, "%s and %s belong to different contexts", start, end)
	}
	var ms float32
	err := start.ctx.do(op, func(drv driver.Driver) (r driver.Result) {
		ms, r = drv.EventElapsedTime(start.handle, end.handle)
		return
	})
	if err != nil {
		return 0, err
	}
	elapsed := time.Duration(float64(ms) * float64(time.Millisecond))
	klog.V(2).Infof("elapsed time between %s and %s: %s", start, end, elapsed)
	return elapsed, nil
}
