package daemon

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/version"
)

type Operation func(ctx context.Context, payload []byte) ([]byte, error)

//	Operations routes requests by operation name.
type Operations struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

func NewOperations() *Operations {
	return &Operations{ops: map[string]Operation{}}
}

func (o *Operations) Handle(name string, op Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops[name] = op
}

func (o *Operations) Servant() Servant {
	return func(ctx context.Context, req *protocol.Frame) ([]byte, error) {
		o.mu.RLock()
		op, ok := o.ops[req.Operation]
		o.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, req.Operation)
		}
		return op(ctx, req.Payload)
	}
}

//	Builtin serves the operations krpc exposes out of the box.
func Builtin() *Operations {
	o := NewOperations()
	o.Handle("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	o.Handle("upper", func(ctx context.Context, payload []byte) ([]byte, error) {
		return bytes.ToUpper(payload), nil
	})
	o.Handle("version", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(version.CURRENT_VERSION.String()), nil
	})
	o.Handle("sleep", func(ctx context.Context, payload []byte) (out []byte, err error) {
		d, err := time.ParseDuration(string(payload))
		if err != nil {
			return
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			err = ctx.Err()
		}
		return
	})
	return o
}
