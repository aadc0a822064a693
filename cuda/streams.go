package cuda

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gomlx/gocuda/driver"
	"github.com/gomlx/gocuda/internal/registry"
	"k8s.io/klog/v2"
)

// Stream is an ordered queue of asynchronous device work: operations enqueued on a stream execute in the order
// they were enqueued. There is no ordering across streams, except through events (see Stream.WaitEvent) or
// host synchronization.
//
// Buffers, modules and host memory referenced by an enqueued operation are borrowed until the host observes
// its completion, through Stream.Synchronize, Stream.IsComplete, Event.Synchronize, Event.Query or
// Context.Synchronize. Borrowed buffers and modules can't be freed or unloaded.
type Stream struct {
	ctx      *Context
	handle   driver.Stream
	flags    driver.StreamFlags
	priority int
	id       registry.Handle

	mu        sync.Mutex
	destroyed bool

	// Every enqueued operation gets the next ticket: submitted is the last ticket issued, and observed the
	// last ticket whose completion was observed by the host.
	submitted, observed uint64
	pending             []pendingOp
}

func (*Stream) kind() resourceKind { return resourceStream }

// pendingOp is an operation whose completion was not observed yet.
type pendingOp struct {
	ticket uint64
	deps   *opDeps
}

// opDeps are the objects an enqueued operation references until its completion is observed.
type opDeps struct {
	spans   []span
	modules []*Module
	pinner  *runtime.Pinner

	// onComplete is called when the completion of the operation is observed.
	onComplete func()
}

// acquire borrows the buffers and modules of the operation.
func (deps *opDeps) acquire(ctx *Context, op string) error {
	for i, sp := range deps.spans {
		err := sp.core.check(op)
		if err == nil && sp.core.ctx != ctx {
			err = newError(KindInvalidHandle, op, "device buffer at %#x belongs to %s, not to %s",
				sp.core.ptr, sp.core.ctx, ctx)
		}
		if err == nil {
			err = sp.core.borrow(op)
		}
		if err != nil {
			for _, borrowed := range deps.spans[:i] {
				borrowed.core.release()
			}
			return err
		}
	}
	for i, m := range deps.modules {
		err := m.borrow(op)
		if err == nil && m.ctx != ctx {
			m.release()
			err = newError(KindInvalidHandle, op, "module belongs to %s, not to %s", m.ctx, ctx)
		}
		if err != nil {
			for _, borrowed := range deps.modules[:i] {
				borrowed.release()
			}
			for _, sp := range deps.spans {
				sp.core.release()
			}
			return err
		}
	}
	return nil
}

// release returns the borrowed objects. onComplete is only called if the operation completed, as opposed to
// failing to be enqueued.
func (deps *opDeps) release(completed bool) {
	for _, sp := range deps.spans {
		sp.core.release()
	}
	for _, m := range deps.modules {
		m.release()
	}
	if deps.pinner != nil {
		deps.pinner.Unpin()
	}
	if completed && deps.onComplete != nil {
		deps.onComplete()
	}
}

// StreamConfig is returned by Context.NewStream, and configures the stream to be created. Call Done to create it.
type StreamConfig struct {
	ctx      *Context
	flags    driver.StreamFlags
	priority int
}

// NewStream returns a configuration for a new stream: set the options and call Done, e.g.:
//
//	stream, err := ctx.NewStream().WithPriority(-1).Done()
func (c *Context) NewStream() *StreamConfig {
	return &StreamConfig{ctx: c}
}

// WithPriority sets the stream priority. Lower numbers are higher priorities, see Context.StreamPriorityRange.
// Values out of the range are clamped by the driver.
func (cfg *StreamConfig) WithPriority(priority int) *StreamConfig {
	cfg.priority = priority
	return cfg
}

// NonBlocking makes the stream run concurrently with the legacy default stream, used by the synchronous copies.
func (cfg *StreamConfig) NonBlocking() *StreamConfig {
	cfg.flags |= driver.StreamNonBlocking
	return cfg
}

// Done creates the stream.
func (cfg *StreamConfig) Done() (*Stream, error) {
	c := cfg.ctx
	s := &Stream{ctx: c, flags: cfg.flags, priority: cfg.priority}
	err := c.do("Context.NewStream", func(drv driver.Driver) (r driver.Result) {
		s.handle, r = drv.StreamCreate(cfg.flags, cfg.priority)
		if r == driver.Success {
			s.id = c.register(s)
		}
		return
	})
	if err != nil {
		return nil, err
	}
	streamsAlive.Add(1)
	klog.V(2).Infof("created %s", s)
	return s, nil
}

// Context that owns the stream.
func (s *Stream) Context() *Context { return s.ctx }

// Priority requested on creation.
func (s *Stream) Priority() int { return s.priority }

// IsNonBlocking returns whether the stream was created with StreamConfig.NonBlocking.
func (s *Stream) IsNonBlocking() bool { return s.flags&driver.StreamNonBlocking != 0 }

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("stream %#x of %s", s.handle, s.ctx)
}

// enqueue calls submit with the context current and registers deps as borrowed by the operation, until its
// completion is observed. It returns the ticket of the operation.
func (s *Stream) enqueue(op string, deps *opDeps, submit func(drv driver.Driver) driver.Result) (uint64, error) {
	if err := deps.acquire(s.ctx, op); err != nil {
		return 0, err
	}
	var ticket uint64
	var stateErr error
	err := s.ctx.do(op, func(drv driver.Driver) driver.Result {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.destroyed {
			stateErr = newError(KindInvalidHandle, op, "stream has been destroyed already")
			return driver.Success
		}
		if r := submit(drv); r != driver.Success {
			return r
		}
		s.submitted++
		ticket = s.submitted
		s.pending = append(s.pending, pendingOp{ticket: ticket, deps: deps})
		return driver.Success
	})
	if err == nil {
		err = stateErr
	}
	if err != nil {
		deps.release(false)
		return 0, err
	}
	klog.V(2).Infof("%s: enqueued %s (ticket %d)", s, op, ticket)
	return ticket, nil
}

// observe records that every operation up to ticket completed, and releases what they borrowed.
func (s *Stream) observe(ticket uint64) {
	s.mu.Lock()
	if ticket <= s.observed {
		s.mu.Unlock()
		return
	}
	s.observed = ticket
	n := 0
	for n < len(s.pending) && s.pending[n].ticket <= ticket {
		n++
	}
	done := make([]pendingOp, n)
	copy(done, s.pending[:n])
	s.pending = s.pending[n:]
	s.mu.Unlock()

	// Released outside the lock: completion callbacks may observe other streams.
	for _, p := range done {
		p.deps.release(true)
	}
}

// lastTicket returns the ticket of the last operation enqueued, or an error if the stream was destroyed.
func (s *Stream) lastTicket(op string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return 0, newError(KindInvalidHandle, op, "stream has been destroyed already")
	}
	return s.submitted, nil
}

// Synchronize blocks until all operations enqueued so far completed, and releases what they borrowed.
//
// Faults of asynchronous operations (e.g. an illegal address accessed by a kernel) are reported here, but
// they may belong to any operation since the previous synchronization, and the context is usually unusable
// after them.
func (s *Stream) Synchronize() error {
	const op = "Stream.Synchronize"
	target, err := s.lastTicket(op)
	if err != nil {
		return err
	}
	called := false
	err = s.ctx.do(op, func(drv driver.Driver) driver.Result {
		called = true
		return drv.StreamSynchronize(s.handle)
	})
	if called {
		// After a fault nothing more executes in the stream either.
		s.observe(target)
	}
	return err
}

// IsComplete returns whether all operations enqueued so far completed, without blocking.
func (s *Stream) IsComplete() (bool, error) {
	const op = "Stream.IsComplete"
	target, err := s.lastTicket(op)
	if err != nil {
		return false, err
	}
	var r driver.Result
	err = s.ctx.do(op, func(drv driver.Driver) driver.Result {
		r = drv.StreamQuery(s.handle)
		if r == driver.ErrorNotReady {
			return driver.Success
		}
		return r
	})
	if err != nil {
		return false, err
	}
	if r == driver.ErrorNotReady {
		return false, nil
	}
	s.observe(target)
	return true, nil
}

// WaitEvent makes all work enqueued later on the stream wait for the event to complete. The host doesn't block.
//
// The wait is on the last record of the event at the time of the call: recording it again later doesn't
// change what the stream waits for. Waiting on an event never recorded is a no-op.
func (s *Stream) WaitEvent(e *Event) error {
	const op = "Stream.WaitEvent"
	if e.ctx != s.ctx {
		return newError(KindInvalidHandle, op, "%s belongs to %s, not to %s", e, e.ctx, s.ctx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return newError(KindInvalidHandle, op, "event has been destroyed already")
	}
	deps := &opDeps{}
	if source, ticket, generation := e.stream, e.ticket, e.generation; source != nil {
		// Once the host observes the wait completed, the recorded work is complete too.
		deps.onComplete = func() {
			source.observe(ticket)
			e.markComplete(generation)
		}
	}
	_, err := s.enqueue(op, deps, func(drv driver.Driver) driver.Result {
		return drv.StreamWaitEvent(s.handle, e.handle)
	})
	return err
}

// AddCallback enqueues fn to be called once all work enqueued before it completed. Work enqueued after it waits
// for fn to return.
//
// fn is called from a driver thread, and must not call any function of this package.
func (s *Stream) AddCallback(fn func()) error {
	_, err := s.enqueue("Stream.AddCallback", &opDeps{}, func(drv driver.Driver) driver.Result {
		return drv.LaunchHostFunc(s.handle, fn)
	})
	return err
}

// Destroy waits for the work enqueued on the stream and destroys it. A second call is a no-op.
//
// An asynchronous fault reported while waiting is returned, but the stream is destroyed anyway.
func (s *Stream) Destroy() error {
	const op = "Stream.Destroy"
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return nil
	}
	syncErr := s.Synchronize()
	err := s.ctx.do(op, func(drv driver.Driver) driver.Result {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.destroyed {
			return driver.Success
		}
		if r := drv.StreamDestroy(s.handle); r != driver.Success {
			return r
		}
		s.destroyed = true
		s.ctx.resources.Remove(s.id)
		streamsAlive.Add(-1)
		return driver.Success
	})
	if err != nil {
		return err
	}
	// Anything still pending was drained by the driver on destruction.
	s.observe(^uint64(0))
	klog.V(2).Infof("destroyed %s", s)
	return syncErr
}

// IsDestroyed returns whether Destroy has been called.
func (s *Stream) IsDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// streams returns the live streams of the context.
func (c *Context) streams() []*Stream {
	var streams []*Stream
	for _, res := range c.resources.Values() {
		if s, ok := res.(*Stream); ok {
			streams = append(streams, s)
		}
	}
	return streams
}

// pollStreams observes the completion of the streams of the context that are idle, without blocking.
func (c *Context) pollStreams() {
	for _, s := range c.streams() {
		if _, err := s.IsComplete(); err != nil {
			klog.V(2).Infof("polling %s: %v", s, err)
		}
	}
}
