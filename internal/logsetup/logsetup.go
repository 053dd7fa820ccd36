// Package logsetup wires up structured logging, grounded on how the
// teacher configures github.com/op/go-logging: a leveled module backend,
// a colorized stderr formatter by default, syslog when asked for, and a
// level overridable by an environment variable.
package logsetup

import (
	stdlog "log"
	"log/syslog"
	"os"

	"github.com/op/go-logging"
)

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.6s} ▶ %{message}%{color:reset}`,
)

var syslogFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.6s} ▶ %{message}`,
)

// Setup configures the named logger's backend and level. The
// FSRV_LOG_LEVEL environment variable, when set to one of go-logging's
// level names, overrides defaultLevel.
func Setup(prefix string, defaultLevel logging.Level, trySyslog bool) *logging.Logger {
	log := logging.MustGetLogger(prefix)

	var backend logging.Backend
	if trySyslog {
		sb, err := logging.NewSyslogBackendPriority(prefix, syslog.LOG_NOTICE)
		if err == nil {
			logging.SetFormatter(syslogFormat)
			if syslogBackend, ok := sb.(*logging.SyslogBackend); ok {
				stdlog.SetOutput(syslogBackend.Writer)
			}
			backend = sb
		}
	}
	if backend == nil {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
		logging.SetFormatter(stderrFormat)
	}

	leveled := logging.AddModuleLevel(backend)
	level := defaultLevel
	if envLevel, err := logging.LogLevel(os.Getenv("FSRV_LOG_LEVEL")); err == nil {
		level = envLevel
	}
	leveled.SetLevel(level, prefix)

	logging.SetBackend(leveled)
	return log
}
