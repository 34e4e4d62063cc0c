package pipeline

import (
	"io"
	"log"
)

var (
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters routes the engine's ops, diag and trace streams. A nil
// writer silences that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = streamLogger(ops)
	diagLogger = streamLogger(diag)
	traceLogger = streamLogger(trace)
}

// SetLegacyLogger sends all three streams to a single writer. A nil w
// silences them.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(w, w, w)
}

func streamLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, "[queue] ", log.LstdFlags|log.Lmicroseconds)
}

// opsf: skipped frames, invariant repairs, dropped output.
func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// diagf: bucket rollover and session lifecycle.
func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// tracef: one line per frame.
func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
