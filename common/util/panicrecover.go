package util

import (
	"fmt"
	"runtime/debug"

	"github.com/op/go-logging"
)

//	PanicError is a panic caught by Recover, with the stack it unwound.
type PanicError struct {
	Task  string
	Value interface{}
	Stack []byte
}

func (err *PanicError) Error() string {
	return fmt.Sprintf("%s: run time panic: %v", err.Task, err.Value)
}

//	Recover runs f and hands back a panic as a *PanicError, logged under
//	task, instead of unwinding the caller.
func Recover(task string, f func(), log *logging.Logger) (err error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		p := &PanicError{Task: task, Value: x, Stack: debug.Stack()}
		err = p
		if log != nil {
			log.Error(p.Error())
			log.Error(string(p.Stack))
		}
	}()
	f()
	return
}

func RecoverToLog(f func(), log *logging.Logger) {
	Recover("goroutine", f, log)
}
