// Package nlog is the runtime's own low-level, allocation-light logger:
// leveled, mutex-guarded, written straight to a file or to stderr. It is
// deliberately not a third-party logging library — the teacher's own core
// transport engine (aistore's cmn/nlog) hand-rolls this to keep a
// general-purpose structured logger's allocations and reflection out of its
// process. In this module its one caller is stats.Sink, which logs
// trace-record encoding failures through it; the send/receive engine and
// the AM dispatcher do not log.
/*
 * Grounded on rockstar-0000-aistore/cmn/nlog (buffering, severity,
 * flush-on-write-boundary), simplified to what this runtime needs.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Severity int

const (
	SevInfo Severity = iota
	SevWarn
	SevErr
)

func (s Severity) String() string {
	switch s {
	case SevWarn:
		return "W"
	case SevErr:
		return "E"
	default:
		return "I"
	}
}

// Logger writes timestamped, severity-tagged lines to w under mu.
// stats.Sink wraps its trace writer (TRACEFILE) in one Logger; its stats
// writer (STATSFILE) is written directly, without a Logger.
type Logger struct {
	mu  sync.Mutex
	w   io.Writer
	min Severity
}

func New(w io.Writer, min Severity) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{w: w, min: min}
}

func (l *Logger) Logf(sev Severity, format string, args ...any) {
	if sev < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s %s %s\n", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), sev, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any)  { l.Logf(SevInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logf(SevWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logf(SevErr, format, args...) }

// Close closes the underlying writer, if closeable. Logger does not buffer,
// so there is nothing to flush.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
