// Package panics provides the one panic-recovery helper that wraps each
// reactor event dispatch (and the CLI's top-level action), so a bug
// handling one client can never take the whole server down.
package panics

import (
	"fmt"
	"runtime/debug"

	"github.com/op/go-logging"
)

// RecoverToLog runs f, logging and swallowing any panic instead of letting
// it propagate.
func RecoverToLog(f func(), log *logging.Logger) {
	defer func() {
		if x := recover(); x != nil {
			if log != nil {
				log.Error(fmt.Sprintf("run time panic: %v", x))
				log.Error(string(debug.Stack()))
			}
		}
	}()
	f()
}
