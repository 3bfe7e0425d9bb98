package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"

	. "krypt.co/dispatch/common/util"
	"krypt.co/dispatch/dispatch/binding"
	"krypt.co/dispatch/dispatch/envelope"
	"krypt.co/dispatch/dispatch/rpcerr"
)

//	Callback receives the outcome of an async call. For a successful twoway
//	call env.Out holds the reply.
type Callback func(env *envelope.Envelope, err error)

//	AsyncCall is one non-blocking invocation. Its callback fires exactly once,
//	on a worker, whether the call succeeds, fails or is cancelled.
type AsyncCall struct {
	Envelope *envelope.Envelope
	callback Callback

	settled atomic.Bool
	done    chan struct{}
	err     error

	mu      sync.Mutex
	submit  func(func())
	log     *logging.Logger
	unqueue func() bool
	conn    *binding.Connection
	id      uint32
	timer   *time.Timer
}

func NewAsyncCall(env *envelope.Envelope, callback Callback) *AsyncCall {
	return &AsyncCall{
		Envelope: env,
		callback: callback,
		done:     make(chan struct{}),
	}
}

//	Done is closed after the callback has returned.
func (c *AsyncCall) Done() <-chan struct{} {
	return c.done
}

//	Err is the outcome once Done is closed.
func (c *AsyncCall) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

//	Cancel settles the call with ErrCancelled unless it already settled. A
//	queued call leaves the binding's queue; an in-flight call's reply will be
//	discarded. Nothing already written is retracted.
func (c *AsyncCall) Cancel() bool {
	return c.settle(func() error {
		return rpcerr.Classify(rpcerr.ErrCancelled, false, false)
	})
}

func (c *AsyncCall) bind(submit func(func()), log *logging.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submit = submit
	c.log = log
}

func (c *AsyncCall) queued(unqueue func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unqueue = unqueue
}

func (c *AsyncCall) inFlight(conn *binding.Connection, id uint32, timeout time.Duration) {
	c.mu.Lock()
	c.unqueue = nil
	c.conn = conn
	c.id = id
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() {
			if conn.Forget(id) {
				c.settle(func() error {
					return rpcerr.Classify(rpcerr.ErrTimeout, true, c.Envelope.Idempotent)
				})
			}
		})
	}
	c.mu.Unlock()

	if c.settled.Load() {
		//	cancelled while the write was in progress
		c.detach()
	}
}

func (c *AsyncCall) isSettled() bool {
	return c.settled.Load()
}

//	settle runs outcome and queues the callback, once. outcome may touch the
//	envelope: only the winner does.
func (c *AsyncCall) settle(outcome func() error) bool {
	if !c.settled.CompareAndSwap(false, true) {
		return false
	}
	c.err = outcome()
	c.detach()

	c.mu.Lock()
	submit := c.submit
	log := c.log
	c.mu.Unlock()
	fire := func() {
		defer close(c.done)
		if c.callback != nil {
			RecoverToLog(func() { c.callback(c.Envelope, c.err) }, log)
		}
	}
	if submit == nil {
		go fire()
	} else {
		submit(fire)
	}
	return true
}

func (c *AsyncCall) detach() {
	c.mu.Lock()
	unqueue, conn, id, timer := c.unqueue, c.conn, c.id, c.timer
	c.unqueue, c.conn, c.timer = nil, nil, nil
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if unqueue != nil {
		unqueue()
	}
	if conn != nil && id != 0 {
		conn.Forget(id)
	}
}
