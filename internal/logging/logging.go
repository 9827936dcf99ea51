// Package logging provides the hub's shared component-tagged logger, in
// the bracketed-prefix style used throughout the hub's predecessor
// ([HEARTBEAT], [EVENTS], [HUB], ...).
package logging

import (
	"io"
	"log"
	"os"
)

var output io.Writer = os.Stderr

// SetOutput redirects all component loggers; the tests use it to capture
// log output.
func SetOutput(w io.Writer) {
	output = w
}

// Logger is a thin wrapper around log.Logger that always prefixes its
// component tag, e.g. "[TASKS] ".
type Logger struct {
	tag string
	l   *log.Logger
}

// New returns a Logger tagged with the given component name, e.g.
// New("TASKS") logs lines prefixed "[TASKS] ".
func New(component string) *Logger {
	return &Logger{
		tag: "[" + component + "] ",
		l:   log.New(output, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (lg *Logger) Printf(format string, args ...interface{}) {
	lg.l.SetOutput(output)
	lg.l.Printf(lg.tag+format, args...)
}

func (lg *Logger) Println(args ...interface{}) {
	lg.l.SetOutput(output)
	lg.l.Println(append([]interface{}{lg.tag}, args...)...)
}
