// Package elog provides a small namespaced logger used throughout the
// engineio packages: a thin wrapper around the standard logger that
// colorizes output and gates verbose output behind a namespace filter.
package elog

import (
	"log"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/gookit/color"
)

// Package-level configuration shared by every named logger.
var (
	Debug  bool = os.Getenv("ENGINEIO_DEBUG") != ""
	Output      = os.Stderr
	Flags  int  = log.LstdFlags
)

var namespaceFilter atomic.Pointer[regexp.Regexp]

func init() {
	if pattern := os.Getenv("ENGINEIO_DEBUG"); pattern != "" && pattern != "1" && pattern != "true" {
		if re, err := compileNamespace(pattern); err == nil {
			namespaceFilter.Store(re)
		}
	}
}

func compileNamespace(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(strings.TrimSpace(pattern))
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	return regexp.Compile("^" + quoted + "$")
}

// Logger is a namespaced logger for one subsystem, e.g. "eio:socket".
type Logger struct {
	*log.Logger
	namespace string
}

// New returns a logger prefixed with the given namespace.
func New(namespace string) *Logger {
	return &Logger{
		Logger:    log.New(Output, namespace+" ", Flags),
		namespace: namespace,
	}
}

func (l *Logger) allowed() bool {
	if !Debug {
		return false
	}
	if re := namespaceFilter.Load(); re != nil {
		return re.MatchString(l.namespace)
	}
	return true
}

// Debugf logs a namespace-gated debug message, only emitted when Debug is
// enabled and the namespace passes the filter (if any is set).
func (l *Logger) Debugf(format string, args ...any) {
	if l.allowed() {
		l.Logger.Println(color.Debug.Sprintf(format, args...))
	}
}

// Warnf always logs a warning-level message.
func (l *Logger) Warnf(format string, args ...any) {
	l.Logger.Println(color.Warn.Sprintf(format, args...))
}

// Errorf always logs an error-level message.
func (l *Logger) Errorf(format string, args ...any) {
	l.Logger.Println(color.Danger.Sprintf(format, args...))
}
