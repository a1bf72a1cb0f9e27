package fdtables

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// traceLogger is nil unless a caller wires one up, which keeps the logging
// calls on mutation paths to a nil check.
var traceLogger atomic.Pointer[logiface.Logger[logiface.Event]]

// SetTraceLogger installs a logger for table mutations, or removes it when
// passed nil.  Allocation, close, and cage lifecycle events log at trace
// and debug levels.  Lookups are never logged.
func SetTraceLogger(logger *logiface.Logger[logiface.Event]) {
	traceLogger.Store(logger)
}

func tracer() *logiface.Logger[logiface.Event] {
	return traceLogger.Load()
}
