package cli

import (
	"fmt"
	"strings"
)

// UsageError reports a malformed command line or bad arguments. Maps to
// 400 on the HTTP surface.
type UsageError struct {
	Command string
	Msg     string
}

func (e *UsageError) Error() string {
	if e.Command == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Msg)
}

func usageErr(command, format string, args ...any) error {
	return &UsageError{Command: command, Msg: fmt.Sprintf(format, args...)}
}

// RequirementError lists uploaded files a command needs but the request
// did not carry. Maps to 424 on the HTTP surface.
type RequirementError struct {
	Missing []Requirement `json:"missing"`
}

// Requirement names one missing upload.
type Requirement struct {
	Command string `json:"command"`
	File    string `json:"file"`
}

func (e *RequirementError) Error() string {
	names := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		names[i] = r.Command + ":" + r.File
	}
	return "missing required uploads: " + strings.Join(names, ", ")
}
