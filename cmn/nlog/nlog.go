// Package nlog is the node logger: leveled, timestamped, line-oriented.
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type severity byte

const (
	sevInfo    severity = 'I'
	sevWarning severity = 'W'
	sevError   severity = 'E'
)

var (
	mtx     sync.Mutex
	out     io.Writer = os.Stderr
	prefix  string
	verbose bool
)

// SetOutput redirects the log; used by tests.
func SetOutput(w io.Writer) {
	mtx.Lock()
	out = w
	mtx.Unlock()
}

// SetPrefix tags every line; the distore binary passes the node's address.
func SetPrefix(p string) {
	mtx.Lock()
	prefix = p
	mtx.Unlock()
}

func SetVerbose(v bool) { verbose = v }

func Infoln(a ...any)                  { emit(sevInfo, fmt.Sprintln(a...)) }
func Infof(format string, a ...any)    { emit(sevInfo, fmt.Sprintf(format+"\n", a...)) }
func Warningln(a ...any)               { emit(sevWarning, fmt.Sprintln(a...)) }
func Warningf(format string, a ...any) { emit(sevWarning, fmt.Sprintf(format+"\n", a...)) }
func Errorln(a ...any)                 { emit(sevError, fmt.Sprintln(a...)) }
func Errorf(format string, a ...any)   { emit(sevError, fmt.Sprintf(format+"\n", a...)) }

// Verboseln logs only when verbose logging was enabled.
func Verboseln(a ...any) {
	if verbose {
		emit(sevInfo, fmt.Sprintln(a...))
	}
}

func emit(sev severity, line string) {
	now := time.Now().Format("15:04:05.000000")
	mtx.Lock()
	if prefix != "" {
		fmt.Fprintf(out, "%c %s [%s] %s", sev, now, prefix, line)
	} else {
		fmt.Fprintf(out, "%c %s %s", sev, now, line)
	}
	mtx.Unlock()
}
