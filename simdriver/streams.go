package simdriver

import (
	"sync"
	"time"

	"github.com/gomlx/gocuda/driver"
	"k8s.io/klog/v2"
)

// operation is one unit of work in a stream.
type operation struct {
	run func() driver.Result

	// always operations run even after the context faulted: they only update synchronization state (events,
	// waits, host callbacks), and skipping them would leave waiters blocked forever.
	always bool
}

// stream executes its operations in order, in its own goroutine.
type stream struct {
	handle   driver.Stream
	ctx      *simContext
	flags    driver.StreamFlags
	priority int

	mu                   sync.Mutex
	cond                 *sync.Cond
	queue                []operation
	submitted, completed uint64
	closed               bool
	done                 chan struct{}
}

func newStream(handle driver.Stream, ctx *simContext, flags driver.StreamFlags, priority int) *stream {
	s := &stream{
		handle:   handle,
		ctx:      ctx,
		flags:    flags,
		priority: priority,
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *stream) enqueue(run func() driver.Result, always bool) driver.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return driver.ErrorInvalidHandle
	}
	s.queue = append(s.queue, operation{run: run, always: always})
	s.submitted++
	s.cond.Broadcast()
	return driver.Success
}

func (s *stream) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = operation{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if op.always || s.ctx.faulted() == driver.Success {
			if r := op.run(); r != driver.Success {
				s.ctx.setFault(r)
			}
		}

		s.mu.Lock()
		s.completed++
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// synchronize waits for the operations submitted so far.
func (s *stream) synchronize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.submitted
	for s.completed < target {
		s.cond.Wait()
	}
}

func (s *stream) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed == s.submitted
}

// close drains the stream and stops its goroutine.
func (s *stream) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}

// currentStream returns the current context and the stream, which must belong to it.
func (d *Driver) currentStream(handle driver.Stream) (*simContext, *stream, driver.Result) {
	ctx, r := d.currentHealthy()
	if r != driver.Success {
		return nil, nil, r
	}
	d.mu.Lock()
	s, found := d.streams[handle]
	d.mu.Unlock()
	if !found {
		return nil, nil, driver.ErrorInvalidHandle
	}
	if s.ctx != ctx {
		return nil, nil, driver.ErrorInvalidContext
	}
	return ctx, s, driver.Success
}

func (d *Driver) lookupStream(handle driver.Stream) (*stream, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, found := d.streams[handle]
	if !found {
		return nil, driver.ErrorInvalidHandle
	}
	return s, driver.Success
}

func (d *Driver) StreamCreate(flags driver.StreamFlags, priority int) (driver.Stream, driver.Result) {
	if flags&^driver.StreamNonBlocking != 0 {
		return 0, driver.ErrorInvalidValue
	}
	ctx, r := d.currentHealthy()
	if r != driver.Success {
		return 0, r
	}
	// Priorities out of range are clamped, as documented for cuStreamCreateWithPriority.
	priority = min(max(priority, greatestStreamPriority), leastStreamPriority)
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newStream(driver.Stream(d.newHandle()), ctx, flags, priority)
	d.streams[s.handle] = s
	klog.V(2).Infof("simulated stream %d created (priority %d)", s.handle, priority)
	return s.handle, driver.Success
}

func (d *Driver) StreamDestroy(handle driver.Stream) driver.Result {
	d.mu.Lock()
	s, found := d.streams[handle]
	if found {
		delete(d.streams, handle)
	}
	d.mu.Unlock()
	if !found {
		return driver.ErrorInvalidHandle
	}
	s.close()
	return driver.Success
}

func (d *Driver) StreamSynchronize(handle driver.Stream) driver.Result {
	s, r := d.lookupStream(handle)
	if r != driver.Success {
		return r
	}
	s.synchronize()
	return s.ctx.faulted()
}

func (d *Driver) StreamQuery(handle driver.Stream) driver.Result {
	s, r := d.lookupStream(handle)
	if r != driver.Success {
		return r
	}
	if !s.idle() {
		return driver.ErrorNotReady
	}
	return s.ctx.faulted()
}

func (d *Driver) StreamWaitEvent(hStream driver.Stream, hEvent driver.Event) driver.Result {
	_, s, r := d.currentStream(hStream)
	if r != driver.Success {
		return r
	}
	e, r := d.lookupEvent(hEvent)
	if r != driver.Success {
		return r
	}
	target := e.lastRecord()
	if target == 0 {
		// Waiting on an event never recorded completes immediately.
		return driver.Success
	}
	return s.enqueue(func() driver.Result {
		e.wait(target)
		return driver.Success
	}, true)
}

func (d *Driver) LaunchHostFunc(hStream driver.Stream, fn func()) driver.Result {
	_, s, r := d.currentStream(hStream)
	if r != driver.Success {
		return r
	}
	return s.enqueue(func() driver.Result {
		fn()
		return driver.Success
	}, true)
}

// event is a simulated event. Records are numbered; the event is complete when the last record executed.
type event struct {
	handle driver.Event
	ctx    *simContext
	flags  driver.EventFlags

	mu        sync.Mutex
	cond      *sync.Cond
	recorded  uint64
	completed uint64
	timestamp time.Time
}

func (e *event) lastRecord() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorded
}

func (e *event) complete(record uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if record > e.completed {
		e.completed = record
		e.timestamp = time.Now()
	}
	e.cond.Broadcast()
}

// wait until record (or a later one) completed.
func (e *event) wait(record uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.completed < record {
		e.cond.Wait()
	}
}

func (d *Driver) lookupEvent(handle driver.Event) (*event, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, found := d.events[handle]
	if !found {
		return nil, driver.ErrorInvalidHandle
	}
	return e, driver.Success
}

func (d *Driver) EventCreate(flags driver.EventFlags) (driver.Event, driver.Result) {
	if flags&^(driver.EventBlockingSync|driver.EventDisableTiming|driver.EventInterprocess) != 0 {
		return 0, driver.ErrorInvalidValue
	}
	if flags&driver.EventInterprocess != 0 && flags&driver.EventDisableTiming == 0 {
		return 0, driver.ErrorInvalidValue
	}
	ctx, r := d.currentHealthy()
	if r != driver.Success {
		return 0, r
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e := &event{
		handle: driver.Event(d.newHandle()),
		ctx:    ctx,
		flags:  flags,
	}
	e.cond = sync.NewCond(&e.mu)
	d.events[e.handle] = e
	return e.handle, driver.Success
}

func (d *Driver) EventDestroy(handle driver.Event) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.events[handle]; !found {
		return driver.ErrorInvalidHandle
	}
	// Pending waits keep a reference to the event, so they are still released when it completes.
	delete(d.events, handle)
	return driver.Success
}

func (d *Driver) EventRecord(hEvent driver.Event, hStream driver.Stream) driver.Result {
	ctx, s, r := d.currentStream(hStream)
	if r != driver.Success {
		return r
	}
	e, r := d.lookupEvent(hEvent)
	if r != driver.Success {
		return r
	}
	if e.ctx != ctx {
		return driver.ErrorInvalidContext
	}
	e.mu.Lock()
	e.recorded++
	record := e.recorded
	e.mu.Unlock()
	return s.enqueue(func() driver.Result {
		e.complete(record)
		return driver.Success
	}, true)
}

func (d *Driver) EventQuery(hEvent driver.Event) driver.Result {
	e, r := d.lookupEvent(hEvent)
	if r != driver.Success {
		return r
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed < e.recorded {
		return driver.ErrorNotReady
	}
	return driver.Success
}

func (d *Driver) EventSynchronize(hEvent driver.Event) driver.Result {
	e, r := d.lookupEvent(hEvent)
	if r != driver.Success {
		return r
	}
	e.wait(e.lastRecord())
	return e.ctx.faulted()
}

func (d *Driver) EventElapsedTime(hStart, hEnd driver.Event) (float32, driver.Result) {
	start, r := d.lookupEvent(hStart)
	if r != driver.Success {
		return 0, r
	}
	end, r := d.lookupEvent(hEnd)
	if r != driver.Success {
		return 0, r
	}
	if start.flags&driver.EventDisableTiming != 0 || end.flags&driver.EventDisableTiming != 0 {
		return 0, driver.ErrorInvalidHandle
	}
	start.mu.Lock()
	startRecorded, startDone, startTime := start.recorded, start.completed, start.timestamp
	start.mu.Unlock()
	end.mu.Lock()
	endRecorded, endDone, endTime := end.recorded, end.completed, end.timestamp
	end.mu.Unlock()
	if startRecorded == 0 || endRecorded == 0 {
		return 0, driver.ErrorInvalidHandle
	}
	if startDone < startRecorded || endDone < endRecorded {
		return 0, driver.ErrorNotReady
	}
	return float32(endTime.Sub(startTime).Seconds() * 1000), driver.Success
}
