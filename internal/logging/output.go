package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Output streams. Overridable so tests can capture lines.
var (
	outMu  sync.Mutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects both streams, returning a restore func. Test helper.
func SetOutput(out, err io.Writer) func() {
	outMu.Lock()
	prevOut, prevErr := stdout, stderr
	stdout, stderr = out, err
	outMu.Unlock()
	return func() {
		outMu.Lock()
		stdout, stderr = prevOut, prevErr
		outMu.Unlock()
	}
}

func (l *Logger) logf(lv Level, msg string, args ...any) {
	l.write(lv, fmt.Sprintf(msg, args...), l.merged(nil))
}

func (l *Logger) log(lv Level, msg string, fields []LogField) {
	l.write(lv, msg, l.merged(fields))
}

// write renders one line: [ts] [LEVEL] name: msg | k=v k=v
// Field keys are sorted so output is stable.
func (l *Logger) write(lv Level, msg string, fields map[string]any) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s: %s", Timestamp(), lv, l.name, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	outMu.Lock()
	defer outMu.Unlock()
	if lv >= ERROR {
		io.WriteString(stderr, b.String())
		return
	}
	io.WriteString(stdout, b.String())
}

// Timestamp returns the RFC3339 timestamp for a line. LOG_TIMESTAMP
// overrides it for deterministic test output.
func Timestamp() string {
	if override := os.Getenv("LOG_TIMESTAMP"); override != "" {
		return override
	}
	return time.Now().Format(time.RFC3339)
}
