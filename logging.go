package cafeds

import (
	"github.com/sirupsen/logrus"
)

// Logger is the structured-logging seam every long-lived loop writes
// through. Tests inject NewNullLogger() so goroutine output doesn't flood
// `go test -v`; production wiring injects NewLogrusLogger with fields
// carrying the node's identity, mirroring the original's
// "[CafeDS] [id=.. role=.. udp_node=..]" line prefix as structured fields
// instead of string concatenation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds a Logger tagging every line with this node's
// identity, role, and UDP listening port.
func NewLogrusLogger(nodeID int, role string, udpPort int) Logger {
	base := logrus.New()
	return &logrusLogger{entry: base.WithFields(logrus.Fields{
		"id":       nodeID,
		"role":     role,
		"udp_node": udpPort,
	})}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// WithRole builds a new Logger tagged with the given role, for use after a
// role transition (promotion/demotion); it is NewLogrusLogger under a name
// that states that purpose.
func WithRole(nodeID int, role string, udpPort int) Logger {
	return NewLogrusLogger(nodeID, role, udpPort)
}

type nullLogger struct{}

// NewNullLogger returns a Logger that discards everything, for tests that
// don't want goroutine log noise.
func NewNullLogger() Logger { return nullLogger{} }

func (nullLogger) Debugf(string, ...interface{}) {}
func (nullLogger) Infof(string, ...interface{})  {}
func (nullLogger) Warnf(string, ...interface{})  {}
func (nullLogger) Errorf(string, ...interface{}) {}
