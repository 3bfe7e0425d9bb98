package binding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"
	hashilru "github.com/hashicorp/golang-lru"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/transport"
	. "krypt.co/dispatch/common/util"
	"krypt.co/dispatch/common/version"
	"krypt.co/dispatch/dispatch/batch"
	"krypt.co/dispatch/dispatch/envelope"
	"krypt.co/dispatch/dispatch/rpcerr"
)

type ConnState int32

const (
	Connecting ConnState = iota
	Active
	Closing
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

//	Deliver receives the reply to one twoway request, or the reason it will
//	never arrive. It is called exactly once per accepted request.
type Deliver func(reply *protocol.Frame, err error)

type pending struct {
	operation string
	deliver   Deliver
}

//	Connection is one transport link shared by every call bound to it.
//	Request ids are assigned in write order; replies may arrive in any order
//	and are matched through the outstanding table.
type Connection struct {
	ID   string
	opts Options
	log  *logging.Logger

	state atomic.Int32

	link    transport.Link
	writeMu sync.Mutex
	nextID  uint32

	mu          sync.Mutex
	outstanding *lru.Cache
	refs        int
	cause       error
	batch       *batch.Accumulator

	quiesced     chan struct{}
	quiesceOnce  sync.Once
	discarded    *hashilru.Cache
	readLoopDone chan struct{}

	onLost func(c *Connection, err error)
}

func newConnection(opts Options, onLost func(*Connection, error)) (c *Connection) {
	opts = opts.withDefaults()
	discarded, err := hashilru.New(opts.DiscardedIDs)
	if err != nil {
		//	only fails for a non-positive size, which withDefaults rules out
		panic(err)
	}
	c = &Connection{
		ID:           uuid.NewV4().String(),
		opts:         opts,
		log:          opts.Log,
		outstanding:  lru.New(0),
		quiesced:     make(chan struct{}),
		discarded:    discarded,
		readLoopDone: make(chan struct{}),
		onLost:       onLost,
	}
	c.state.Store(int32(Connecting))
	return
}

//	NewConnection wraps an already established link.
func NewConnection(link transport.Link, opts Options) *Connection {
	c := newConnection(opts, nil)
	c.activate(link)
	return c
}

func (c *Connection) activate(link transport.Link) {
	c.mu.Lock()
	c.link = link
	c.state.Store(int32(Active))
	c.mu.Unlock()
	go Recover("read loop of "+c.ID, c.readLoop, c.log)
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) RemoteAddr() string {
	if c.link == nil {
		return ""
	}
	return c.link.RemoteAddr()
}

//	Outstanding is the number of calls currently holding the connection.
func (c *Connection) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

func (c *Connection) acquire() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Active {
		err = transport.NotWritten(rpcerr.Lost(c.closedCause()))
		return
	}
	c.refs++
	return
}

func (c *Connection) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs == 0 && c.State() != Active {
		c.quiesceOnce.Do(func() { close(c.quiesced) })
	}
}

func (c *Connection) closedCause() error {
	if c.cause != nil {
		return c.cause
	}
	return transport.ErrClosed
}

func (c *Connection) requestFrame(env *envelope.Envelope, id uint32) protocol.Frame {
	return protocol.Frame{
		Kind:      protocol.KindRequest,
		RequestID: id,
		Protocol:  version.PROTOCOL_VERSION.String(),
		Operation: env.Operation,
		Mode:      env.Mode,
		Context:   env.Context,
		Payload:   env.In.Bytes(),
	}
}

//	Send writes env as one request frame. For twoway calls deliver is
//	registered under the assigned id before the write. When Send returns nil,
//	deliver will be called exactly once; when it returns an error, never.
//	written reports whether bytes may have reached the peer.
func (c *Connection) Send(env *envelope.Envelope, deliver Deliver) (id uint32, written bool, err error) {
	if err = c.acquire(); err != nil {
		return
	}
	twoway := env.Mode.IsTwoway()

	c.writeMu.Lock()
	if twoway {
		c.nextID++
		if c.nextID == 0 {
			c.nextID++
		}
		id = c.nextID
	}
	frame := c.requestFrame(env, id)
	data, err := c.opts.Codec.Encode(&frame)
	if err != nil {
		c.writeMu.Unlock()
		c.release()
		err = rpcerr.Fatalf("encode %s: %v", env.Operation, err)
		return
	}
	if twoway {
		if err = c.register(id, &pending{operation: env.Operation, deliver: deliver}); err != nil {
			c.writeMu.Unlock()
			c.release()
			return
		}
	}
	err = c.link.Write(data)
	c.writeMu.Unlock()

	if err == nil {
		written = true
		if !twoway {
			c.release()
		}
		return
	}

	written = !errors.Is(err, transport.ErrNothingWritten)
	if twoway && c.take(id) == nil {
		//	the read loop failed the request first and delivered the outcome
		err = nil
		return
	}
	c.release()
	err = rpcerr.Lost(err)
	if written {
		go c.fail(err)
	}
	return
}

func (c *Connection) register(id uint32, p *pending) (err error) {
	var overflow *pending
	c.mu.Lock()
	if c.State() != Active {
		c.mu.Unlock()
		err = transport.NotWritten(rpcerr.Lost(c.closedCause()))
		return
	}
	if c.outstanding.Len() >= c.opts.MaxOutstanding {
		c.outstanding.OnEvicted = func(key lru.Key, value interface{}) {
			overflow = value.(*pending)
			c.discarded.Add(key, nil)
		}
		c.outstanding.RemoveOldest()
		c.outstanding.OnEvicted = nil
	}
	c.outstanding.Add(id, p)
	c.mu.Unlock()

	if overflow != nil {
		c.log.Error("correlation table full, evicting request for", overflow.operation)
		c.release()
		overflow.deliver(nil, rpcerr.Fatalf("correlation table overflow"))
	}
	return
}

func (c *Connection) take(id uint32) (p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, ok := c.outstanding.Get(id); ok {
		p = value.(*pending)
		c.outstanding.Remove(id)
	}
	return
}

//	Forget drops a twoway request whose caller stopped waiting. A reply that
//	arrives later is discarded. It reports whether the request was still
//	outstanding.
func (c *Connection) Forget(id uint32) bool {
	c.mu.Lock()
	_, ok := c.outstanding.Get(id)
	if ok {
		c.discarded.Add(id, nil)
		c.outstanding.Remove(id)
	}
	c.mu.Unlock()
	if ok {
		c.release()
	}
	return ok
}

func (c *Connection) readLoop() {
	defer close(c.readLoopDone)
	for {
		data, err := c.link.Read()
		if err != nil {
			c.fail(rpcerr.Lost(err))
			return
		}
		var frame protocol.Frame
		if err = c.opts.Codec.Decode(data, &frame); err != nil {
			c.fail(rpcerr.Fatalf("undecodable frame from %s: %v", c.RemoteAddr(), err))
			return
		}
		if frame.Kind != protocol.KindReply {
			c.log.Warning("ignoring unexpected frame kind", frame.Kind, "from", c.RemoteAddr())
			continue
		}
		c.dispatchReply(&frame)
	}
}

func (c *Connection) dispatchReply(frame *protocol.Frame) {
	p := c.take(frame.RequestID)
	if p == nil {
		if c.discarded.Contains(frame.RequestID) {
			c.log.Debug("discarding late reply for request", frame.RequestID)
		} else {
			c.log.Warning("reply for unknown request", frame.RequestID, "from", c.RemoteAddr())
		}
		return
	}
	c.log.Info("reply for request", frame.RequestID, p.operation)
	c.release()
	if !version.CompatibleString(frame.Protocol) {
		p.deliver(nil, rpcerr.Fatalf("reply for %s uses incompatible protocol %q", p.operation, frame.Protocol))
		return
	}
	p.deliver(frame, nil)
}

//	fail closes the connection once and fails everything still riding on it.
func (c *Connection) fail(err error) {
	var victims []*pending
	c.mu.Lock()
	if c.State() == Closed {
		c.mu.Unlock()
		return
	}
	c.cause = err
	c.state.Store(int32(Closed))
	c.outstanding.OnEvicted = func(key lru.Key, value interface{}) {
		victims = append(victims, value.(*pending))
	}
	for c.outstanding.Len() > 0 {
		c.outstanding.RemoveOldest()
	}
	c.outstanding.OnEvicted = nil
	acc := c.batch
	if c.refs == 0 {
		c.quiesceOnce.Do(func() { close(c.quiesced) })
	}
	link := c.link
	c.mu.Unlock()

	if link != nil {
		link.Close()
	}
	if len(victims) > 0 {
		c.log.Error("connection", c.ID, "lost with", len(victims), "requests outstanding:", err)
	} else {
		c.log.Notice("connection", c.ID, "closed:", err)
	}
	for _, p := range victims {
		c.release()
		p.deliver(nil, err)
	}
	if acc != nil {
		acc.Fail(err)
	}
	if c.onLost != nil {
		c.onLost(c, err)
	}
}

//	Close stops new calls, waits for outstanding ones to resolve (or ctx to
//	expire) and then closes the link.
func (c *Connection) Close(ctx context.Context) (err error) {
	c.mu.Lock()
	switch c.State() {
	case Closed:
		c.mu.Unlock()
		return
	case Active, Connecting:
		c.state.Store(int32(Closing))
	}
	if c.refs == 0 {
		c.quiesceOnce.Do(func() { close(c.quiesced) })
	}
	c.mu.Unlock()

	select {
	case <-c.quiesced:
	case <-ctx.Done():
		err = rpcerr.FromContext(ctx)
	}
	c.fail(rpcerr.Lost(transport.ErrClosed))
	return
}

//	Batch returns the per-connection accumulator, creating it on first use.
func (c *Connection) Batch() *batch.Accumulator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batch == nil {
		c.batch = batch.New(c.opts.Pool, c.log)
	}
	return c.batch
}

//	WriteBatch sends envs as one batch frame. It implements batch.Sink.
func (c *Connection) WriteBatch(envs []*envelope.Envelope) (err error) {
	if err = c.acquire(); err != nil {
		return
	}
	defer c.release()

	frame := protocol.Frame{
		Kind:     protocol.KindBatch,
		Protocol: version.PROTOCOL_VERSION.String(),
	}
	for _, env := range envs {
		frame.Batch = append(frame.Batch, c.requestFrame(env, 0))
	}
	data, err := c.opts.Codec.Encode(&frame)
	if err != nil {
		err = rpcerr.Fatalf("encode batch: %v", err)
		return
	}

	c.writeMu.Lock()
	err = c.link.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		written := !errors.Is(err, transport.ErrNothingWritten)
		err = rpcerr.Lost(err)
		if written {
			go c.fail(err)
		}
	}
	return
}

func (c *Connection) FlushBatch() (sent bool, err error) {
	return c.Batch().Flush(c)
}
