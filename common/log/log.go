package log

import (
	"io"
	"os"

	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"
)

var syslogFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.6s} ▶ %{message}`,
)
var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{module} ▶ %{message}%{color:reset}`,
)
var fileFormat = logging.MustStringFormatter(
	`%{time:2006-01-02T15:04:05.000} %{level:.6s} %{module} ▶ %{message}`,
)

//	SetupLogging installs the process-wide backend. KR_LOG_FILE redirects output
//	to a rotating file, otherwise syslog is tried (if asked) before stderr.
func SetupLogging(prefix string, defaultLogLevel logging.Level, trySyslog bool) *logging.Logger {
	var backend logging.Backend
	if file := os.Getenv("KR_LOG_FILE"); file != "" {
		backend = logging.NewBackendFormatter(
			logging.NewLogBackend(RotatingFile(file), "", 0),
			fileFormat,
		)
	}
	if backend == nil && trySyslog {
		backend = GetSyslogBackend(prefix)
	}
	if backend == nil {
		backend = logging.NewBackendFormatter(
			logging.NewLogBackend(os.Stderr, "", 0),
			stderrFormat,
		)
	}
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(LevelFromEnv(defaultLogLevel), "")

	logging.SetBackend(leveled)
	return logging.MustGetLogger(prefix)
}

func LevelFromEnv(defaultLogLevel logging.Level) logging.Level {
	switch os.Getenv("KR_LOG_LEVEL") {
	case "CRITICAL":
		return logging.CRITICAL
	case "ERROR":
		return logging.ERROR
	case "WARNING":
		return logging.WARNING
	case "NOTICE":
		return logging.NOTICE
	case "INFO":
		return logging.INFO
	case "DEBUG":
		return logging.DEBUG
	default:
		return defaultLogLevel
	}
}

func RotatingFile(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}
}

//	Or returns l, or the named package logger when l is nil.
func Or(l *logging.Logger, module string) *logging.Logger {
	if l != nil {
		return l
	}
	return logging.MustGetLogger(module)
}
