package dispatch

import (
	"context"
	"sync"

	"krypt.co/dispatch/dispatch/batch"
	"krypt.co/dispatch/dispatch/binding"
	"krypt.co/dispatch/dispatch/envelope"
	"krypt.co/dispatch/dispatch/rpcerr"
)

func batchModeRequired(env *envelope.Envelope) error {
	if env.Mode.IsBatch() {
		return nil
	}
	return rpcerr.Classify(rpcerr.Fatalf("%s: %s call cannot be batched", env.Operation, env.Mode), false, false)
}

func classifyBatch(err error) error {
	if err == batch.ErrNoContribution {
		err = rpcerr.Fatalf("%v", err)
	}
	return rpcerr.Classify(err, true, false)
}

//	connectionHandler batches on the bound connection, so every handler for
//	the same target shares one batch.
type connectionHandler struct {
	*dispatcher

	mu        sync.Mutex
	batchConn *binding.Connection
}

func (h *connectionHandler) current() *binding.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.batchConn
}

func (h *connectionHandler) PrepareBatchRequest(ctx context.Context, env *envelope.Envelope) (err error) {
	if err = batchModeRequired(env); err != nil {
		return
	}
	conn, err := h.GetConnection(ctx, true)
	if err != nil {
		return
	}
	conn.Batch().Begin(env)
	h.mu.Lock()
	h.batchConn = conn
	h.mu.Unlock()
	return
}

func (h *connectionHandler) AppendBatchRequest(env *envelope.Envelope) (err error) {
	if err = batchModeRequired(env); err != nil {
		return
	}
	conn := h.current()
	if conn == nil {
		return classifyBatch(batch.ErrNoContribution)
	}
	if err = conn.Batch().Append(env); err != nil {
		err = classifyBatch(err)
	}
	return
}

func (h *connectionHandler) FinishBatchRequest(env *envelope.Envelope) {
	if conn := h.current(); conn != nil {
		conn.Batch().End(env)
	}
}

func (h *connectionHandler) AbortBatchRequest() {
	if conn := h.current(); conn != nil {
		conn.Batch().Abort()
	}
}

func (h *connectionHandler) FlushBatchRequests(ctx context.Context) (sent bool, err error) {
	conn := h.current()
	if conn == nil {
		return
	}
	sent, err = conn.FlushBatch()
	err = classifyBatch(err)
	return
}

func (h *connectionHandler) FlushAsyncBatchRequests(callback func(sent bool, err error)) {
	conn := h.current()
	h.workers.Submit(func() {
		var sent bool
		var err error
		if conn != nil {
			sent, err = conn.FlushBatch()
			err = classifyBatch(err)
		}
		if callback != nil {
			callback(sent, err)
		}
	})
}

func (h *connectionHandler) Close() {
	h.close()
}

//	proxyHandler keeps the batch on the handler itself and binds it to a
//	connection only when flushed.
type proxyHandler struct {
	*dispatcher

	once sync.Once
	acc  *batch.Accumulator
}

func (h *proxyHandler) accumulator() *batch.Accumulator {
	h.once.Do(func() {
		h.acc = batch.New(h.pool, h.log)
	})
	return h.acc
}

func (h *proxyHandler) PrepareBatchRequest(ctx context.Context, env *envelope.Envelope) (err error) {
	if err = batchModeRequired(env); err != nil {
		return
	}
	if h.closed.Load() {
		return rpcerr.Classify(rpcerr.ErrClosed, false, false)
	}
	h.accumulator().Begin(env)
	return
}

func (h *proxyHandler) AppendBatchRequest(env *envelope.Envelope) (err error) {
	if err = batchModeRequired(env); err != nil {
		return
	}
	if err = h.accumulator().Append(env); err != nil {
		err = classifyBatch(err)
	}
	return
}

func (h *proxyHandler) FinishBatchRequest(env *envelope.Envelope) {
	h.accumulator().End(env)
}

func (h *proxyHandler) AbortBatchRequest() {
	h.accumulator().Abort()
}

//	FlushBatchRequests keeps the batch when no connection can be had, so the
//	caller may flush again or abort.
func (h *proxyHandler) FlushBatchRequests(ctx context.Context) (sent bool, err error) {
	if h.accumulator().Len() == 0 {
		return
	}
	conn, err := h.GetConnection(ctx, true)
	if err != nil {
		return
	}
	sent, err = h.accumulator().Flush(conn)
	err = classifyBatch(err)
	return
}

func (h *proxyHandler) FlushAsyncBatchRequests(callback func(sent bool, err error)) {
	if h.accumulator().Len() == 0 {
		h.workers.Submit(func() {
			if callback != nil {
				callback(false, nil)
			}
		})
		return
	}
	h.flushAsync(func(conn *binding.Connection) (sent bool, err error) {
		sent, err = h.accumulator().Flush(conn)
		err = classifyBatch(err)
		return
	}, callback)
}

func (h *proxyHandler) Close() {
	h.accumulator().Abort()
	h.close()
}
