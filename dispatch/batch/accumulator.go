//	Package batch accumulates batched envelopes bound for one destination
//	until a flush hands the whole sequence to the transport in one write.
package batch

import (
	"errors"
	"sync"

	"github.com/op/go-logging"

	klog "krypt.co/dispatch/common/log"
	"krypt.co/dispatch/dispatch/envelope"
)

var ErrNoContribution = errors.New("no batch contribution in progress")

//	Sink transmits a batch atomically: either every envelope is sent as one
//	unit or none is.
type Sink interface {
	WriteBatch(envs []*envelope.Envelope) error
}

type Accumulator struct {
	pool *envelope.Pool
	log  *logging.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	contributing bool
	flushing     bool
	staged       []*envelope.Envelope
	committed    []*envelope.Envelope
}

func New(pool *envelope.Pool, log *logging.Logger) *Accumulator {
	a := &Accumulator{
		pool: pool,
		log:  klog.Or(log, "batch"),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

//	Begin opens an exclusive contribution and stages env. It waits while
//	another contribution or a flush is in progress.
func (a *Accumulator) Begin(env *envelope.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.contributing || a.flushing {
		a.cond.Wait()
	}
	a.contributing = true
	a.staged = append(a.staged, env)
}

//	Append stages one more envelope in the open contribution.
func (a *Accumulator) Append(env *envelope.Envelope) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.contributing {
		err = ErrNoContribution
		return
	}
	a.staged = append(a.staged, env)
	return
}

//	End commits the staged envelopes, in order, and closes the contribution.
//	After an abort env may already belong to another caller, so End never
//	reads it.
func (a *Accumulator) End(env *envelope.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.contributing {
		a.log.Info("batch contribution ended after abort")
		return
	}
	a.committed = append(a.committed, a.staged...)
	a.staged = nil
	a.contributing = false
	a.cond.Broadcast()
}

//	Abort drops everything without transmission. Completion slots are not
//	fired: batched calls expect no per-call outcome.
func (a *Accumulator) Abort() {
	dropped := a.take()
	for _, env := range dropped {
		a.release(env)
	}
	if len(dropped) > 0 {
		a.log.Notice("batch aborted,", len(dropped), "requests discarded")
	}
}

//	Fail drops everything and fires every completion slot with err.
func (a *Accumulator) Fail(err error) {
	for _, env := range a.take() {
		env.Complete(err)
		a.release(env)
	}
}

func (a *Accumulator) take() (dropped []*envelope.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dropped = append(a.committed, a.staged...)
	a.committed = nil
	a.staged = nil
	if a.contributing {
		a.contributing = false
		a.cond.Broadcast()
	}
	return
}

//	Flush hands the committed sequence to sink in one call. It reports whether
//	anything was sent; an empty batch is a no-op.
func (a *Accumulator) Flush(sink Sink) (sent bool, err error) {
	a.mu.Lock()
	for a.contributing || a.flushing {
		a.cond.Wait()
	}
	if len(a.committed) == 0 {
		a.mu.Unlock()
		return
	}
	members := a.committed
	a.committed = nil
	a.flushing = true
	a.mu.Unlock()

	err = sink.WriteBatch(members)

	a.mu.Lock()
	a.flushing = false
	a.cond.Broadcast()
	a.mu.Unlock()

	for _, env := range members {
		env.Complete(err)
		a.release(env)
	}
	if err != nil {
		a.log.Error("batch of", len(members), "requests failed:", err)
		return
	}
	sent = true
	return
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.committed)
}

func (a *Accumulator) release(env *envelope.Envelope) {
	if env.Handle() == 0 {
		return
	}
	if err := a.pool.Release(env); err != nil {
		a.log.Error("batch release:", err)
	}
}
