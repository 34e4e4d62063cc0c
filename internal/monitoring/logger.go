// Package monitoring holds the process-wide diagnostic logger and the
// Prometheus exporter for queue sessions.
package monitoring

import (
	"io"
	"log"
)

// Logf is used by collaborators outside the engine (sources, sinks, HTTP
// handlers). It defaults to log.Printf; SetLogger or SetLogWriter replace it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. A nil f silences it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetLogWriter points Logf at w with a component prefix. A nil w silences
// it.
func SetLogWriter(w io.Writer, prefix string) {
	if w == nil {
		SetLogger(nil)
		return
	}
	l := log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
	SetLogger(l.Printf)
}
