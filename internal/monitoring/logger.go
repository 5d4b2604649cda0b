// Package monitoring holds the process-wide diagnostic logger used by the
// acquisition pipeline.
package monitoring

import "log"

// Logf receives every diagnostic line: state transitions, hardware retries,
// archive writes. It starts out as log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger redirects Logf. A nil f discards output, which tests use to keep
// scan chatter out of their logs.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
}

// Tagged returns a logger that prefixes every line with "[tag] " and forwards
// to whatever Logf is current at call time.
func Tagged(tag string) func(format string, v ...interface{}) {
	prefix := "[" + tag + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
