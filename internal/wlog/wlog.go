// Package wlog provides the component-prefixed logging convention used
// throughout the worker, modeled on the "[server]"-style prefixes the
// rest of this codebase's ancestry uses.
package wlog

import "log"

// Logger writes every line with a fixed "[component]" prefix.
type Logger struct {
	prefix string
}

// New returns a Logger that tags every line with "[component]".
func New(component string) *Logger {
	return &Logger{prefix: "[" + component + "] "}
}

func (l *Logger) Printf(format string, args ...interface{}) {
	log.Printf(l.prefix+format, args...)
}

func (l *Logger) Println(args ...interface{}) {
	log.Println(append([]interface{}{l.prefix}, args...)...)
}
