package monitoring

import (
	"fmt"
	"log"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Prefixed returns a logger that tags each line with tag and the virtual
// time reported by now. Lines go through Logf at call time, so SetLogger
// takes effect on loggers created earlier.
func Prefixed(tag string, now func() time.Duration) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf("[%s t=%s] %s", tag, now(), fmt.Sprintf(format, v...))
	}
}
