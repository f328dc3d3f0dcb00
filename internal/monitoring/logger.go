package monitoring

import "log"

// Logger is the printf-style signature shared by every component logger.
type Logger func(format string, v ...interface{})

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf Logger = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Component returns a logger that prefixes every line with "[name] " and
// forwards to the package logger in effect at call time.
func Component(name string) Logger {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// Or returns l when it is non-nil and the named component logger otherwise.
func Or(l Logger, name string) Logger {
	if l != nil {
		return l
	}
	return Component(name)
}
