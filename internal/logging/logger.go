package logging

import (
	"context"
	"os"
)

// exitFunc is called by Fatal. Swapped out in tests.
var exitFunc = os.Exit

// LogField is one structured key/value pair on a log line.
type LogField struct {
	Key   string
	Value any
}

// Field builds a LogField.
func Field(key string, value any) LogField {
	return LogField{Key: key, Value: value}
}

// Logger writes leveled log lines for one named component. The zero value
// is not usable; obtain instances through GetLogger.
type Logger struct {
	name   string
	fields map[string]any
	ctx    context.Context
}

func (l *Logger) enabled(lv Level) bool {
	return lv >= levelFor(l.name)
}

// WithName returns a logger for a different component name, keeping the
// attached fields and context.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{name: name, fields: cloneFields(l.fields), ctx: l.ctx}
}

// WithField returns a logger that includes key=value on every line.
func (l *Logger) WithField(key string, value any) *Logger {
	f := cloneFields(l.fields)
	f[key] = value
	return &Logger{name: l.name, fields: f, ctx: l.ctx}
}

// WithFields returns a logger that includes all given fields on every line.
func (l *Logger) WithFields(fields ...LogField) *Logger {
	f := cloneFields(l.fields)
	for _, fl := range fields {
		f[fl.Key] = fl.Value
	}
	return &Logger{name: l.name, fields: f, ctx: l.ctx}
}

// WithContext returns a logger that extracts trace_id/span_id from ctx on
// every line.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{name: l.name, fields: cloneFields(l.fields), ctx: ctx}
}

// Debug logs a printf-style message at DEBUG.
func (l *Logger) Debug(msg string, args ...any) {
	if l.enabled(DEBUG) {
		l.logf(DEBUG, msg, args...)
	}
}

// Info logs a printf-style message at INFO.
func (l *Logger) Info(msg string, args ...any) {
	if l.enabled(INFO) {
		l.logf(INFO, msg, args...)
	}
}

// Warn logs a printf-style message at WARN.
func (l *Logger) Warn(msg string, args ...any) {
	if l.enabled(WARN) {
		l.logf(WARN, msg, args...)
	}
}

// Error logs a printf-style message at ERROR.
func (l *Logger) Error(msg string, args ...any) {
	if l.enabled(ERROR) {
		l.logf(ERROR, msg, args...)
	}
}

// ErrorWithErr logs msg at ERROR with the error appended.
func (l *Logger) ErrorWithErr(msg string, err error, args ...any) {
	if l.enabled(ERROR) {
		l.logf(ERROR, msg+": %v", append(args, err)...)
	}
}

// Fatal logs at FATAL and terminates the process with exit code 1.
func (l *Logger) Fatal(msg string, args ...any) {
	l.logf(FATAL, msg, args...)
	exitFunc(1)
}

// DebugWithFields logs msg at DEBUG with structured fields.
func (l *Logger) DebugWithFields(msg string, fields ...LogField) {
	if l.enabled(DEBUG) {
		l.log(DEBUG, msg, fields)
	}
}

// InfoWithFields logs msg at INFO with structured fields.
func (l *Logger) InfoWithFields(msg string, fields ...LogField) {
	if l.enabled(INFO) {
		l.log(INFO, msg, fields)
	}
}

// WarnWithFields logs msg at WARN with structured fields.
func (l *Logger) WarnWithFields(msg string, fields ...LogField) {
	if l.enabled(WARN) {
		l.log(WARN, msg, fields)
	}
}

// ErrorWithFields logs msg at ERROR with structured fields.
func (l *Logger) ErrorWithFields(msg string, fields ...LogField) {
	if l.enabled(ERROR) {
		l.log(ERROR, msg, fields)
	}
}

// FatalWithFields logs at FATAL with structured fields and terminates the
// process with exit code 1.
func (l *Logger) FatalWithFields(msg string, fields ...LogField) {
	l.log(FATAL, msg, fields)
	exitFunc(1)
}

// merged combines context fields, persistent fields and per-call fields.
// Later sources win on key collisions.
func (l *Logger) merged(fields []LogField) map[string]any {
	ctxFields := contextFields(l.ctx)
	if ctxFields == nil && len(l.fields) == 0 && len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(ctxFields)+len(l.fields)+len(fields))
	for k, v := range ctxFields {
		out[k] = v
	}
	for k, v := range l.fields {
		out[k] = v
	}
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
