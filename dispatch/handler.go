//	Package dispatch decides how each outgoing call is transmitted: at once
//	over the bound connection, into a batch for a later flush, or
//	asynchronously with the outcome delivered to a callback.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/op/go-logging"

	"krypt.co/dispatch/common/config"
	klog "krypt.co/dispatch/common/log"
	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/version"
	"krypt.co/dispatch/dispatch/binding"
	"krypt.co/dispatch/dispatch/envelope"
	"krypt.co/dispatch/dispatch/rpcerr"
)

//	RequestHandler is the only surface the proxy layer calls. Every error it
//	returns or delivers is *rpcerr.Retryable or *rpcerr.NonRetryable.
type RequestHandler interface {
	Reference() protocol.Reference

	//	SendRequest blocks until the reply arrives (twoway) or the request is
	//	written (oneway, datagram). It returns the connection used.
	SendRequest(ctx context.Context, env *envelope.Envelope) (*binding.Connection, error)
	//	SendAsyncRequest never blocks; the outcome reaches the call's callback.
	SendAsyncRequest(call *AsyncCall)

	PrepareBatchRequest(ctx context.Context, env *envelope.Envelope) error
	AppendBatchRequest(env *envelope.Envelope) error
	FinishBatchRequest(env *envelope.Envelope)
	AbortBatchRequest()
	FlushBatchRequests(ctx context.Context) (sent bool, err error)
	FlushAsyncBatchRequests(callback func(sent bool, err error))

	GetConnection(ctx context.Context, wait bool) (*binding.Connection, error)
	GetOutgoing(operation string, mode protocol.InvocationMode, context map[string]string) (*envelope.Envelope, error)
	ReclaimOutgoing(env *envelope.Envelope)

	Close()
}

type Options struct {
	Timeouts config.Timeouts
	//	shared callback workers; when nil the handler starts its own
	Workers         *Workers
	CallbackWorkers int
	Log             *logging.Logger
}

func OptionsFromConfig(conf config.Config, log *logging.Logger) Options {
	return Options{
		Timeouts:        conf.Timeouts,
		CallbackWorkers: conf.CallbackWorkers,
		Log:             log,
	}
}

//	New picks the batching strategy from ref.BatchScope.
func New(ref protocol.Reference, registry *binding.Registry, opts Options) (h RequestHandler, err error) {
	if len(ref.Endpoints) == 0 {
		err = rpcerr.Classify(rpcerr.Fatalf("reference %s has no endpoints", ref.Identity), false, false)
		return
	}
	if !version.Compatible(ref.Protocol) {
		err = rpcerr.Classify(rpcerr.Fatalf("reference %s uses incompatible protocol %s", ref.Identity, ref.Protocol), false, false)
		return
	}
	d := newDispatcher(ref, registry, opts)
	switch ref.BatchScope {
	case protocol.BatchPerProxy:
		h = &proxyHandler{dispatcher: d}
	default:
		h = &connectionHandler{dispatcher: d}
	}
	return
}

//	dispatcher holds what both strategies share: the binding, the pool and
//	the sync and async send paths.
type dispatcher struct {
	ref         protocol.Reference
	binding     *binding.Binding
	pool        *envelope.Pool
	timeouts    config.Timeouts
	workers     *Workers
	ownsWorkers bool
	log         *logging.Logger
	closed      atomic.Bool

	queuedMu sync.Mutex
	queued   map[*AsyncCall]struct{}
}

func newDispatcher(ref protocol.Reference, registry *binding.Registry, opts Options) *dispatcher {
	bindingOpts := registry.Options()
	d := &dispatcher{
		ref:      ref,
		binding:  registry.Get(ref),
		pool:     bindingOpts.Pool,
		timeouts: opts.Timeouts,
		workers:  opts.Workers,
		log:      klog.Or(opts.Log, "dispatch"),
		queued:   map[*AsyncCall]struct{}{},
	}
	def := config.DefaultTimeouts()
	if d.timeouts.Connect <= 0 {
		d.timeouts.Connect = def.Connect
	}
	if d.timeouts.Response <= 0 {
		d.timeouts.Response = def.Response
	}
	if d.timeouts.Close <= 0 {
		d.timeouts.Close = def.Close
	}
	if d.workers == nil {
		n := opts.CallbackWorkers
		if n <= 0 {
			n = config.DefaultConfig().CallbackWorkers
		}
		d.workers = NewWorkers(n, d.log)
		d.ownsWorkers = true
	}
	return d
}

func (d *dispatcher) Reference() protocol.Reference {
	return d.ref
}

func (d *dispatcher) GetConnection(ctx context.Context, wait bool) (conn *binding.Connection, err error) {
	if d.closed.Load() {
		err = rpcerr.Classify(rpcerr.ErrClosed, false, false)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeouts.Connect)
	defer cancel()
	conn, err = d.binding.Resolve(ctx, wait)
	err = rpcerr.Classify(err, false, false)
	return
}

func (d *dispatcher) GetOutgoing(operation string, mode protocol.InvocationMode, context map[string]string) (env *envelope.Envelope, err error) {
	if d.closed.Load() {
		err = rpcerr.Classify(rpcerr.ErrClosed, false, false)
		return
	}
	if operation == "" {
		err = rpcerr.Classify(rpcerr.Fatalf("empty operation name"), false, false)
		return
	}
	env = d.pool.Acquire(operation, mode, context)
	return
}

func (d *dispatcher) ReclaimOutgoing(env *envelope.Envelope) {
	if err := d.pool.Release(env); err != nil {
		d.log.Error("reclaim envelope:", err)
	}
}

type reply struct {
	frame *protocol.Frame
	err   error
}

func (d *dispatcher) SendRequest(ctx context.Context, env *envelope.Envelope) (conn *binding.Connection, err error) {
	if d.closed.Load() {
		err = rpcerr.Classify(rpcerr.ErrClosed, false, false)
		return
	}
	if env.Mode.IsBatch() {
		err = rpcerr.Classify(rpcerr.Fatalf("%s: %s call sent outside a batch", env.Operation, env.Mode), false, false)
		return
	}
	conn, err = d.GetConnection(ctx, true)
	if err != nil {
		err = rpcerr.Classify(err, false, env.Idempotent)
		return
	}

	if !env.Mode.IsTwoway() {
		_, written, sendErr := conn.Send(env, nil)
		err = rpcerr.Classify(sendErr, written, env.Idempotent)
		return
	}

	replies := make(chan reply, 1)
	id, written, sendErr := conn.Send(env, func(frame *protocol.Frame, err error) {
		replies <- reply{frame, err}
	})
	if sendErr != nil {
		err = rpcerr.Classify(sendErr, written, env.Idempotent)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeouts.Response)
	defer cancel()
	select {
	case r := <-replies:
		err = d.complete(env, r)
	case <-ctx.Done():
		if conn.Forget(id) {
			err = rpcerr.FromContext(ctx)
			d.log.Warning("no reply to", env.Operation, "request", id, ":", err)
		} else {
			//	the reply won the race
			err = d.complete(env, <-replies)
		}
	}
	err = rpcerr.Classify(err, true, env.Idempotent)
	return
}

//	complete fills env.Out from a successful reply.
func (d *dispatcher) complete(env *envelope.Envelope, r reply) error {
	if r.err != nil {
		return r.err
	}
	if r.frame.Status != protocol.StatusOK {
		return &rpcerr.RemoteError{
			Operation: env.Operation,
			Status:    r.frame.Status.String(),
			Message:   r.frame.Message,
		}
	}
	env.Out.Reset()
	env.Out.Write(r.frame.Payload)
	return nil
}

func (d *dispatcher) SendAsyncRequest(call *AsyncCall) {
	call.bind(d.workers.Submit, d.log)
	env := call.Envelope
	switch {
	case d.closed.Load():
		call.settle(func() error { return rpcerr.Classify(rpcerr.ErrClosed, false, false) })
		return
	case env == nil:
		call.settle(func() error { return rpcerr.Classify(rpcerr.Fatalf("async call without an envelope"), false, false) })
		return
	case env.Mode.IsBatch():
		call.settle(func() error {
			return rpcerr.Classify(rpcerr.Fatalf("%s: %s call sent outside a batch", env.Operation, env.Mode), false, false)
		})
		return
	}
	d.dispatchAsync(call)
}

func (d *dispatcher) dispatchAsync(call *AsyncCall) {
	if call.isSettled() {
		return
	}
	res, cancel := d.binding.Await(func(res binding.Resolution) {
		d.dispatchResolved(call, res)
	})
	if res.Status == binding.Pending {
		d.queuedMu.Lock()
		if d.closed.Load() {
			d.queuedMu.Unlock()
			cancel()
			d.settleClosed(call)
			return
		}
		d.queued[call] = struct{}{}
		d.queuedMu.Unlock()
		d.log.Info("queued", call.Envelope.Operation, "until", d.ref.Identity, "connects")
		call.queued(cancel)
		return
	}
	d.dispatchResolved(call, res)
}

func (d *dispatcher) settleClosed(call *AsyncCall) {
	call.settle(func() error { return rpcerr.Classify(rpcerr.ErrClosed, false, call.Envelope.Idempotent) })
}

func (d *dispatcher) dispatchResolved(call *AsyncCall, res binding.Resolution) {
	d.queuedMu.Lock()
	delete(d.queued, call)
	d.queuedMu.Unlock()
	if call.isSettled() {
		return
	}
	if d.closed.Load() {
		d.settleClosed(call)
		return
	}
	env := call.Envelope
	switch res.Status {
	case binding.Pending:
		d.dispatchAsync(call)
		return
	case binding.Failed:
		call.settle(func() error { return rpcerr.Classify(res.Err, false, env.Idempotent) })
		return
	}

	conn := res.Conn
	twoway := env.Mode.IsTwoway()
	var deliver binding.Deliver
	if twoway {
		deliver = func(frame *protocol.Frame, err error) {
			call.settle(func() error {
				return rpcerr.Classify(d.complete(env, reply{frame, err}), true, env.Idempotent)
			})
		}
	}
	id, written, err := conn.Send(env, deliver)
	switch {
	case err != nil && !written && errors.Is(err, rpcerr.ErrConnectionLost) && conn.State() != binding.Active:
		//	lost between resolution and write; nothing left, so bind again
		d.dispatchAsync(call)
	case err != nil:
		call.settle(func() error { return rpcerr.Classify(err, written, env.Idempotent) })
	case !twoway:
		call.settle(func() error { return nil })
	default:
		call.inFlight(conn, id, d.timeouts.Response)
	}
}

func (d *dispatcher) close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.queuedMu.Lock()
	queued := d.queued
	d.queued = map[*AsyncCall]struct{}{}
	d.queuedMu.Unlock()
	for call := range queued {
		d.settleClosed(call)
	}
	if d.ownsWorkers {
		d.workers.Close()
	}
	d.log.Notice("handler for", d.ref.Identity, "closed")
}

//	flushAsync runs flush on a worker once the binding has settled.
func (d *dispatcher) flushAsync(flush func(conn *binding.Connection) (bool, error), callback func(bool, error)) {
	deliver := func(sent bool, err error) {
		d.workers.Submit(func() {
			if callback != nil {
				callback(sent, err)
			}
		})
	}
	run := func(res binding.Resolution) {
		if res.Status == binding.Failed {
			deliver(false, rpcerr.Classify(res.Err, false, false))
			return
		}
		d.workers.Submit(func() {
			sent, err := flush(res.Conn)
			if callback != nil {
				callback(sent, err)
			}
		})
	}
	res, _ := d.binding.Await(run)
	if res.Status != binding.Pending {
		run(res)
	}
}
