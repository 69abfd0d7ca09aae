// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package isotp

import apexlog "github.com/apex/log"

// Logger is the logging sink used for recoverable, non-fatal events:
// unknown flow-status bytes, malformed frames, receive-size overflows, and
// the peer overflow and wait-frame overrun conditions that abort a single
// send. Stray Consecutive Frames while Idle are dropped without logging.
//
// The shape mirrors a minimal structured-logging facade rather than a
// single Printf-style method so call sites read the same whether they end
// up on stderr, a ring buffer, or a production log pipeline.
type Logger interface {
	Debugf(format string, v ...any)
	Debug(message string)

	Infof(format string, v ...any)
	Info(message string)

	Warnf(format string, v ...any)
	Warn(message string)

	Errorf(format string, v ...any)
	Error(message string)
}

// apexLogger adapts github.com/apex/log to Logger.
type apexLogger struct {
	entry *apexlog.Entry
}

// NewApexLogger returns a Logger backed by apex/log's default handler.
func NewApexLogger() Logger {
	return &apexLogger{entry: apexlog.NewEntry(apexlog.Log)}
}

func (l *apexLogger) Debugf(format string, v ...any) { l.entry.Debugf(format, v...) }
func (l *apexLogger) Debug(message string)           { l.entry.Debug(message) }
func (l *apexLogger) Infof(format string, v ...any)  { l.entry.Infof(format, v...) }
func (l *apexLogger) Info(message string)            { l.entry.Info(message) }
func (l *apexLogger) Warnf(format string, v ...any)  { l.entry.Warnf(format, v...) }
func (l *apexLogger) Warn(message string)            { l.entry.Warn(message) }
func (l *apexLogger) Errorf(format string, v ...any) { l.entry.Errorf(format, v...) }
func (l *apexLogger) Error(message string)           { l.entry.Error(message) }

// nopLogger discards everything. Used as the zero-value default so callers
// that never configure WithLogger pay no logging cost.
type nopLogger struct{}

// NewNopLogger returns a Logger that discards all messages.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Debug(string)          {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Info(string)           {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Warn(string)           {}
func (nopLogger) Errorf(string, ...any) {}
func (nopLogger) Error(string)          {}
