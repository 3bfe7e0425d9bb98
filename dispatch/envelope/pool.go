package envelope

import (
	"errors"
	"sync"

	"krypt.co/dispatch/common/protocol"
)

var ErrNotCheckedOut = errors.New("envelope is not checked out")
var ErrForeign = errors.New("envelope does not belong to this pool")

//	Pool recycles envelopes. Slots live in an arena and idle ones sit on a
//	LIFO free-list of handles; the lock covers only the push or pop.
type Pool struct {
	mu    sync.Mutex
	arena []*Envelope
	free  []Handle
}

func NewPool() *Pool {
	return &Pool{}
}

//	Acquire never fails: without an idle slot the arena grows.
func (p *Pool) Acquire(operation string, mode protocol.InvocationMode, context map[string]string) (e *Envelope) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		e = p.arena[h-1]
	} else {
		e = &Envelope{}
		p.arena = append(p.arena, e)
		e.handle = Handle(len(p.arena))
	}
	e.checkedOut = true
	p.mu.Unlock()

	e.Operation = operation
	e.Mode = mode
	if len(context) > 0 {
		e.Context = make(map[string]string, len(context))
		for k, v := range context {
			e.Context[k] = v
		}
	}
	return
}

//	Release clears e and returns it to the idle set. The former owner must
//	not touch e afterwards.
func (p *Pool) Release(e *Envelope) (err error) {
	if e == nil {
		err = ErrForeign
		return
	}
	p.mu.Lock()
	if e.handle == 0 || int(e.handle) > len(p.arena) || p.arena[e.handle-1] != e {
		p.mu.Unlock()
		err = ErrForeign
		return
	}
	if !e.checkedOut {
		p.mu.Unlock()
		err = ErrNotCheckedOut
		return
	}
	e.checkedOut = false
	p.mu.Unlock()

	e.reset()

	p.mu.Lock()
	p.free = append(p.free, e.handle)
	p.mu.Unlock()
	return
}

//	Lookup resolves a handle to its envelope while it is checked out.
func (p *Pool) Lookup(h Handle) *Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h == 0 || int(h) > len(p.arena) {
		return nil
	}
	e := p.arena[h-1]
	if !e.checkedOut {
		return nil
	}
	return e
}

type Stats struct {
	Size int
	Idle int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: len(p.arena), Idle: len(p.free)}
}
