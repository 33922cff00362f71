// Package monitoring holds the client's diagnostic and progress logging.
//
// Every pipeline stage reports through Progressf so an operator watching a
// multi-minute inference run can see which stage is active.
package monitoring

import (
	"fmt"
	"log"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests mute it with SetLogger(nil).
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// ProgressPrefix marks a stage transition in the log stream.
const ProgressPrefix = "[+] "

// Progressf logs a stage progress marker.
func Progressf(format string, v ...interface{}) {
	Logf(ProgressPrefix+format, v...)
}

// Warnf logs a non-fatal problem, such as a failed temp file removal.
func Warnf(format string, v ...interface{}) {
	Logf("[!] "+format, v...)
}

// Stage reports the start of a named stage and returns a func that reports its
// elapsed time. Intended for use with defer.
func Stage(name string, now func() time.Time) func() {
	if now == nil {
		now = time.Now
	}
	start := now()
	Progressf("%s", name)
	return func() {
		Logf("    %s done in %s", name, FormatDuration(now().Sub(start)))
	}
}

// FormatDuration renders d rounded to milliseconds.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	return d.Round(time.Millisecond).String()
}
