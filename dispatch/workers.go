package dispatch

import (
	"sync"

	"github.com/op/go-logging"

	klog "krypt.co/dispatch/common/log"
	. "krypt.co/dispatch/common/util"
)

//	Workers runs completion callbacks off the submitting goroutine and off the
//	connection read loops. Submit never blocks: the queue is unbounded.
type Workers struct {
	log *logging.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

func NewWorkers(n int, log *logging.Logger) (w *Workers) {
	if n < 1 {
		n = 1
	}
	w = &Workers{log: klog.Or(log, "dispatch")}
	w.cond = sync.NewCond(&w.mu)
	w.wg.Add(n)
	for i := 0; i < n; i++ {
		go w.run()
	}
	return
}

func (w *Workers) Submit(f func()) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		//	still run it: every callback fires exactly once
		go RecoverToLog(f, w.log)
		return
	}
	w.queue = append(w.queue, f)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *Workers) run() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		f := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()
		RecoverToLog(f, w.log)
	}
}

//	Close lets the workers drain the queue and waits for them to exit.
func (w *Workers) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
	w.wg.Wait()
}
