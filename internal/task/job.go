package task

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/xxh3"
)

// Job is one persisted unit of scheduled work. Its command runs through
// the command pipeline when the trigger fires.
type Job struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Cron    string `json:"cron,omitempty"`
	WaitFor string `json:"wait_for,omitempty"`
	Command string `json:"command"`
}

// ParseJob reads a job definition line:
//
//	[cron '<expr>'] [wait_for '<event>'] <command>
//
// The compact form "<expr> : <command>" with a 5-field cron expression is
// accepted as well. A job without any trigger only runs on demand.
func ParseJob(text string) (Job, error) {
	source := strings.TrimSpace(text)
	job := Job{Source: source}
	rest := source

	if after, ok := strings.CutPrefix(rest, "cron "); ok {
		expr, tail, err := takeQuoted(after)
		if err != nil {
			return Job{}, fmt.Errorf("cron trigger: %w", err)
		}
		job.Cron = expr
		rest = tail
	}
	if after, ok := strings.CutPrefix(rest, "wait_for "); ok {
		event, tail, err := takeQuoted(after)
		if err != nil {
			return Job{}, fmt.Errorf("wait_for trigger: %w", err)
		}
		job.WaitFor = event
		rest = tail
	}

	if job.Cron == "" && job.WaitFor == "" {
		if expr, command, ok := splitCompact(rest); ok {
			job.Cron = expr
			rest = command
		}
	}

	job.Command = strings.TrimSpace(rest)
	if job.Command == "" {
		return Job{}, fmt.Errorf("job has no command: %q", source)
	}
	if job.Cron != "" {
		if _, err := cron.ParseStandard(job.Cron); err != nil {
			return Job{}, fmt.Errorf("invalid cron expression %q: %w", job.Cron, err)
		}
	}
	job.ID = fmt.Sprintf("%x", xxh3.HashString(source))[:8]
	return job, nil
}

// takeQuoted reads a single- or double-quoted string and returns the
// remainder with leading space trimmed.
func takeQuoted(s string) (string, string, error) {
	s = strings.TrimLeft(s, " ")
	if s == "" {
		return "", "", fmt.Errorf("expected a quoted value")
	}
	quote := s[0]
	if quote != '\'' && quote != '"' {
		return "", "", fmt.Errorf("expected a quoted value, got %q", s)
	}
	end := strings.IndexByte(s[1:], quote)
	if end < 0 {
		return "", "", fmt.Errorf("unterminated quote in %q", s)
	}
	return s[1 : 1+end], strings.TrimLeft(s[2+end:], " "), nil
}

// splitCompact recognizes "<expr> : <command>" with a valid 5-field
// expression before the colon.
func splitCompact(s string) (string, string, bool) {
	idx := strings.Index(s, " : ")
	if idx < 0 {
		return "", "", false
	}
	expr := strings.TrimSpace(s[:idx])
	if len(strings.Fields(expr)) != 5 {
		return "", "", false
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", "", false
	}
	return expr, s[idx+3:], true
}
