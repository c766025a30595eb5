package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that stays quiet unless TEST_LOGS is set. TEST_LOGS=2 turns on debug, 3 trace, and
// any other value info.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	l.SetLevel(envLevel(v))
	return l
}

// NewCapturingLogger is NewLogger with every entry at debug and above also kept in the returned hook.
func NewCapturingLogger() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	if l.Level < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, logtest.NewLocal(l)
}

// Messages returns the message of every captured entry at lvl.
func Messages(h *logtest.Hook, lvl logrus.Level) []string {
	var out []string
	for _, e := range h.AllEntries() {
		if e.Level == lvl {
			out = append(out, e.Message)
		}
	}
	return out
}

func envLevel(v string) logrus.Level {
	switch v {
	case "2":
		return logrus.DebugLevel
	case "3":
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}
