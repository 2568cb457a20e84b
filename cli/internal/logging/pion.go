package logging

import (
	pionlog "github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// PionFactory routes pion's internal logging through logrus.
type PionFactory struct {
	Entry *logrus.Entry
}

var _ pionlog.LoggerFactory = (*PionFactory)(nil)

// NewPionFactory returns a factory logging under entry, or the standard logger when nil.
func NewPionFactory(entry *logrus.Entry) *PionFactory {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PionFactory{Entry: entry}
}

func (f *PionFactory) NewLogger(scope string) pionlog.LeveledLogger {
	return &pionLogger{entry: f.Entry.WithField("pion", scope)}
}

// pionLogger maps each pion level one step down onto logrus.
type pionLogger struct {
	entry *logrus.Entry
}

func (l *pionLogger) Trace(msg string)                          { l.entry.Trace(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.entry.Trace(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.entry.Debug(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.entry.Debugf(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
