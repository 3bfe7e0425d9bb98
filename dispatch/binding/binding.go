//	Package binding resolves a Reference to a live Connection. A Binding is a
//	single state machine with a non-blocking accessor (Poll, Await) and a
//	blocking one (Resolve).
package binding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/op/go-logging"

	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/transport"
	. "krypt.co/dispatch/common/util"
	"krypt.co/dispatch/dispatch/rpcerr"
)

type Status int

const (
	Pending Status = iota
	Ready
	Failed
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

//	Resolution is the outcome of a non-blocking lookup: Ready carries Conn,
//	Failed carries Err, Pending carries nothing.
type Resolution struct {
	Status Status
	Conn   *Connection
	Err    error
}

type State int

const (
	StateUnbound State = iota
	StateConnecting
	StateBound
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBound:
		return "bound"
	case StateFailed:
		return "failed"
	default:
		return "unbound"
	}
}

//	ConnectError is the establishment failure of a binding. Non-blocking
//	lookups keep reporting it until the reconnect delay passes.
type ConnectError struct {
	Reference string
	error
}

func (err *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", err.Reference, err.error)
}

func (err *ConnectError) Unwrap() error {
	return err.error
}

type waiter struct {
	fn func(Resolution)
}

type Binding struct {
	Ref       protocol.Reference
	connector transport.Connector
	opts      Options
	log       *logging.Logger

	mu      sync.Mutex
	state   State
	conn    *Connection
	err      error
	failedAt time.Time
	settled  chan struct{}
	waiters []*waiter
	closed  bool
}

func NewBinding(ref protocol.Reference, connector transport.Connector, opts Options) *Binding {
	opts = opts.withDefaults()
	return &Binding{
		Ref:       ref,
		connector: connector,
		opts:      opts,
		log:       opts.Log,
	}
}

func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

//	Poll never blocks. An unbound binding starts connecting and reports
//	Pending.
func (b *Binding) Poll() Resolution {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pollLocked(false)
}

//	Await is Poll that, on Pending, arranges for fn to run once with the
//	settled outcome. cancel removes fn if it has not run yet and reports
//	whether it did so.
func (b *Binding) Await(fn func(Resolution)) (res Resolution, cancel func() bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res = b.pollLocked(false)
	if res.Status != Pending {
		cancel = func() bool { return false }
		return
	}
	w := &waiter{fn: fn}
	b.waiters = append(b.waiters, w)
	cancel = func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, other := range b.waiters {
			if other == w {
				b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
				return true
			}
		}
		return false
	}
	return
}

//	Resolve returns the bound connection. Without wait a binding that is not
//	bound yet fails with ErrNotYetConnected. With wait it blocks until the
//	binding settles, ctx ends or the connect timeout passes; it never returns
//	a connection that is still connecting. A waiting Resolve on a failed
//	binding dials again and reports the outcome of that attempt.
func (b *Binding) Resolve(ctx context.Context, wait bool) (conn *Connection, err error) {
	var deadlineCtx context.Context
	redial := wait
	for {
		b.mu.Lock()
		res := b.pollLocked(redial)
		settled := b.settled
		b.mu.Unlock()
		redial = false

		switch res.Status {
		case Ready:
			conn = res.Conn
			return
		case Failed:
			err = res.Err
			return
		}
		if !wait {
			err = rpcerr.ErrNotYetConnected
			return
		}
		if deadlineCtx == nil {
			var cancel context.CancelFunc
			deadlineCtx, cancel = context.WithTimeout(ctx, b.opts.ConnectTimeout)
			defer cancel()
		}
		select {
		case <-settled:
		case <-deadlineCtx.Done():
			err = rpcerr.FromContext(deadlineCtx)
			return
		}
	}
}

//	pollLocked reports a failure until the reconnect delay has passed, then
//	dials again. redial skips the delay.
func (b *Binding) pollLocked(redial bool) Resolution {
	if b.closed {
		return Resolution{Status: Failed, Err: rpcerr.ErrClosed}
	}
	if b.state == StateFailed && (redial || time.Since(b.failedAt) >= b.opts.ReconnectDelay) {
		b.state = StateUnbound
		b.err = nil
	}
	if b.state == StateBound && b.conn.State() != Active {
		//	closed underneath us before the loss notification arrived
		b.conn = nil
		b.state = StateUnbound
	}
	switch b.state {
	case StateBound:
		return Resolution{Status: Ready, Conn: b.conn}
	case StateFailed:
		return Resolution{Status: Failed, Err: b.err}
	case StateUnbound:
		b.startLocked()
	}
	return Resolution{Status: Pending}
}

func (b *Binding) startLocked() {
	c := newConnection(b.opts, b.onLost)
	b.conn = c
	b.state = StateConnecting
	b.settled = make(chan struct{})
	b.log.Notice("connecting", b.Ref.String())
	go Recover("connect "+b.Ref.String(), func() { b.connect(c, b.settled) }, b.log)
}

func (b *Binding) connect(c *Connection, settled chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.ConnectTimeout)
	defer cancel()
	link, err := b.connector.Connect(ctx, b.Ref)

	b.mu.Lock()
	if b.conn != c || b.state != StateConnecting {
		b.mu.Unlock()
		if link != nil {
			link.Close()
		}
		return
	}
	var res Resolution
	if err != nil {
		if ctx.Err() != nil {
			err = rpcerr.FromContext(ctx)
		}
		b.conn = nil
		b.err = &ConnectError{Reference: b.Ref.String(), error: err}
		b.state = StateFailed
		b.failedAt = time.Now()
		res = Resolution{Status: Failed, Err: b.err}
		b.log.Error("binding failed:", b.err)
	} else {
		c.activate(link)
		b.state = StateBound
		res = Resolution{Status: Ready, Conn: c}
		b.log.Notice("bound", b.Ref.String(), "to", link.RemoteAddr(), "as connection", c.ID)
	}
	waiters := b.waiters
	b.waiters = nil
	close(settled)
	b.mu.Unlock()

	for _, w := range waiters {
		w.fn(res)
	}
}

func (b *Binding) onLost(c *Connection, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != c {
		return
	}
	b.conn = nil
	b.state = StateUnbound
	b.log.Warning("binding", b.Ref.String(), "lost its connection:", err)
}

//	Reset clears a failed binding so the next lookup connects again without
//	waiting out the reconnect delay.
func (b *Binding) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateFailed {
		b.state = StateUnbound
		b.err = nil
	}
}

//	Close fails pending waiters with ErrClosed and closes the bound
//	connection once it is quiescent.
func (b *Binding) Close(ctx context.Context) (err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conn := b.conn
	state := b.state
	b.conn = nil
	b.state = StateUnbound
	waiters := b.waiters
	b.waiters = nil
	if state == StateConnecting {
		close(b.settled)
	}
	b.mu.Unlock()

	res := Resolution{Status: Failed, Err: rpcerr.ErrClosed}
	for _, w := range waiters {
		w.fn(res)
	}
	if conn != nil && state == StateBound {
		err = conn.Close(ctx)
	}
	return
}
