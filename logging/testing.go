package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

type tbAppender struct {
	tb testing.TB
}

// NewTestAppender returns an appender that writes each entry with tb.Log, so that output is
// attributed to the right test even under t.Parallel. Times are local.
func NewTestAppender(tb testing.TB) Appender {
	return &tbAppender{tb}
}

func (app *tbAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	// keeps tb.Log from reporting this file as the call site
	app.tb.Helper()
	line, err := formatEntry(entry, fields)
	app.tb.Log(line)
	return err
}

func (app *tbAppender) Sync() error {
	return nil
}
