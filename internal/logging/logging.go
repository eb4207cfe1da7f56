// Package logging provides leveled, named, structured logging for ckcore.
//
// Components obtain a named logger and attach structured fields:
//
//	log := logging.GetLogger("graph.merge")
//	log.Info("merge finished in %s", elapsed)
//	log.InfoWithFields("merge finished",
//	    logging.Field("graph", name),
//	    logging.Field("nodes_created", counts.NodesCreated),
//	)
//
// Loggers are immutable; WithField, WithFields and WithContext return new
// instances, so a logger can be shared across goroutines without
// coordination. WithContext extracts trace_id/span_id values so log lines
// correlate with traces.
//
// The default level is set once at startup via Initialize. Individual
// component names can be overridden, with "prefix.*" wildcard patterns,
// which keeps targeted debugging cheap:
//
//	logging.Initialize("info", map[string]string{"storage.*": "debug"})
//
// DEBUG/INFO/WARN go to stdout, ERROR/FATAL to stderr. The LOG_TIMESTAMP
// environment variable pins timestamps for deterministic test output.
package logging

import (
	"fmt"
	"strings"
	"sync"
)

// Level is the severity of a log line.
type Level int

const (
	// DEBUG level for detailed debugging information.
	DEBUG Level = iota
	// INFO level for normal operational messages.
	INFO
	// WARN level for recoverable anomalies.
	WARN
	// ERROR level for failures that do not stop the process.
	ERROR
	// FATAL level terminates the process after logging.
	FATAL
)

func (lv Level) String() string {
	switch lv {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(lv))
	}
}

// ParseLevel converts a level name to a Level. Matching is case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("invalid log level %q (want debug, info, warn, error or fatal)", s)
	}
}

var (
	mu           sync.RWMutex
	defaultLevel = INFO
	levelsByName = map[string]Level{}
)

// Initialize sets the process-wide default level plus optional per-component
// overrides. Override keys are component names as passed to GetLogger,
// optionally with a trailing ".*" wildcard ("storage.*" matches
// "storage.falkor" and "storage.memory" but not "storage" itself).
func Initialize(level string, overrides ...map[string]string) error {
	lv, err := ParseLevel(level)
	if err != nil {
		return err
	}
	parsed := map[string]Level{}
	for _, set := range overrides {
		for name, s := range set {
			olv, err := ParseLevel(s)
			if err != nil {
				return fmt.Errorf("component %q: %w", name, err)
			}
			parsed[name] = olv
		}
	}
	mu.Lock()
	defaultLevel = lv
	levelsByName = parsed
	mu.Unlock()
	return nil
}

// GetLogger returns a logger for the named component. Names are dotted
// paths ("cli.execute", "storage.falkor") so wildcard overrides can target
// whole subsystems.
func GetLogger(name string) *Logger {
	return &Logger{name: name}
}

// levelFor resolves the effective level for a component name: exact match
// first, then the longest matching wildcard, then the default.
func levelFor(name string) Level {
	mu.RLock()
	defer mu.RUnlock()
	if lv, ok := levelsByName[name]; ok {
		return lv
	}
	best := ""
	bestLv := defaultLevel
	for pattern, lv := range levelsByName {
		if !strings.HasSuffix(pattern, ".*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, ".*")
		if strings.HasPrefix(name, prefix+".") && len(pattern) > len(best) {
			best = pattern
			bestLv = lv
		}
	}
	return bestLv
}
