package envelope

import (
	"bytes"

	"krypt.co/dispatch/common/protocol"
)

//	Handle addresses an Envelope in its Pool's arena. The zero Handle belongs
//	to no pool.
type Handle uint32

//	Envelope carries one call. It has a single owner at a time: the caller
//	between Acquire and submission, the dispatcher until completion.
type Envelope struct {
	Operation  string
	Mode       protocol.InvocationMode
	Idempotent bool
	Context    map[string]string

	//	marshalled arguments, filled by the caller's codec
	In bytes.Buffer
	//	reply payload, filled on completion of a twoway call
	Out bytes.Buffer

	//	completion slot for calls whose outcome is not returned directly
	OnComplete func(err error)

	handle     Handle
	checkedOut bool
}

func (e *Envelope) Handle() Handle {
	return e.handle
}

//	Complete fires the completion slot at most once.
func (e *Envelope) Complete(err error) {
	onComplete := e.OnComplete
	e.OnComplete = nil
	if onComplete != nil {
		onComplete(err)
	}
}

func (e *Envelope) reset() {
	e.Operation = ""
	e.Mode = protocol.Normal
	e.Idempotent = false
	e.Context = nil
	e.In.Reset()
	e.Out.Reset()
	e.OnComplete = nil
}
