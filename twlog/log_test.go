package twlog_test

import (
	stdtesting "testing"

	gc "gopkg.in/check.v1"

	"github.com/triggerware/tw-go-client/twlog"
)

func TestAll(t *stdtesting.T) { gc.TestingT(t) }

type suite struct{}

var _ = gc.Suite(&suite{})

func (s *suite) TestOrDiscardPassesThroughNonNil(c *gc.C) {
	l := twlog.New("test")
	c.Assert(twlog.OrDiscard(l), gc.Equals, l)
}

func (s *suite) TestOrDiscardReplacesNil(c *gc.C) {
	c.Assert(twlog.OrDiscard(nil), gc.Equals, twlog.Discard)
}

func (s *suite) TestDiscardSwallowsEverything(c *gc.C) {
	// Exercises every method so a future signature change to the Logger
	// interface is caught here rather than only at a call site.
	twlog.Discard.Debugf("x %d", 1)
	twlog.Discard.Infof("x %d", 1)
	twlog.Discard.Warningf("x %d", 1)
	twlog.Discard.Errorf("x %d", 1)
}
