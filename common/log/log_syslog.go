//go:build !windows
// +build !windows

package log

import (
	stdlog "log"
	"log/syslog"

	"github.com/op/go-logging"
)

func GetSyslogBackend(prefix string) logging.Backend {
	backend, err := logging.NewSyslogBackendPriority(prefix, syslog.LOG_NOTICE)
	if err != nil {
		return nil
	}
	//	direct panic output to syslog as well
	stdlog.SetOutput(backend.Writer)
	return logging.NewBackendFormatter(backend, syslogFormat)
}
