// Package twlog supplies the client's pluggable logging sink. Library
// code never imports a concrete backend directly; it logs through the
// small Logger interface below. The default implementation is backed
// by github.com/juju/loggo/v2.
package twlog

import (
	"github.com/juju/loggo/v2"
)

// Logger is the minimal sink the client writes to. Any type satisfying
// it — including an adapter over *testing.T — can be passed to
// client.WithLogger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
}

// loggoLogger adapts loggo.Logger to Logger.
type loggoLogger struct {
	l loggo.Logger
}

// New returns a Logger for the given module name, backed by loggo,
// under a "triggerware.<package>" module-name hierarchy.
func New(module string) Logger {
	return loggoLogger{l: loggo.GetLogger("triggerware." + module)}
}

func (g loggoLogger) Debugf(format string, args ...any)   { g.l.Debugf(format, args...) }
func (g loggoLogger) Infof(format string, args ...any)    { g.l.Infof(format, args...) }
func (g loggoLogger) Warningf(format string, args ...any) { g.l.Warningf(format, args...) }
func (g loggoLogger) Errorf(format string, args ...any)   { g.l.Errorf(format, args...) }

// Discard is a Logger that drops everything. Useful in tests that don't
// care about log output but still need a non-nil sink.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debugf(string, ...any)   {}
func (discard) Infof(string, ...any)    {}
func (discard) Warningf(string, ...any) {}
func (discard) Errorf(string, ...any)   {}

// OrDiscard returns l, or Discard if l is nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard
	}
	return l
}
