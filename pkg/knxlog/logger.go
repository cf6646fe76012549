// Package knxlog wires github.com/pion/logging into the KNXnet/IP secure
// transport core. It does not reimplement logging; it only standardizes
// how the rest of this module obtains a scoped logger from an injected
// factory, the same pattern the teacher corpus uses for its transport and
// secure-channel components.
package knxlog

import "github.com/pion/logging"

// Factory creates scoped loggers. It is an alias for
// logging.LoggerFactory so callers outside this package never need to
// import pion/logging directly just to accept one as a constructor
// argument.
type Factory = logging.LoggerFactory

// Logger is a scoped, leveled logger. It is an alias for
// logging.LeveledLogger for the same reason as Factory.
type Logger = logging.LeveledLogger

// New returns a scoped logger named scope from factory. If factory is
// nil, New returns a logger backed by logging.NewDefaultLoggerFactory(),
// so components never have to nil-check their logger before using it.
// Pass a nil factory explicitly only at the top of the call chain
// (TcpConnection/SecureSession/Keystore constructors); nothing below
// those should ever default a nil factory on its own.
func New(factory Factory, scope string) Logger {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return factory.NewLogger(scope)
}
