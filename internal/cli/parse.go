package cli

import (
	"fmt"
	"strings"
)

// ParsedCommand is one raw pipeline element before command resolution.
type ParsedCommand struct {
	Name string `json:"cmd"`
	Arg  string `json:"arg,omitempty"`
}

func (c ParsedCommand) String() string {
	if c.Arg == "" {
		return c.Name
	}
	return c.Name + " " + c.Arg
}

// ParsedPipeline is one `cmd | cmd | …` chain with its env prefix.
type ParsedPipeline struct {
	Env      map[string]string `json:"env,omitempty"`
	Commands []ParsedCommand   `json:"commands"`
}

// parseLine splits a command line into pipelines on unquoted ';', each
// pipeline into commands on unquoted '|', and peels a leading k=v env
// prefix off every pipeline.
func parseLine(line string) ([]ParsedPipeline, error) {
	var pipelines []ParsedPipeline
	for _, seq := range splitUnquoted(line, ';') {
		if strings.TrimSpace(seq) == "" {
			continue
		}
		var pipeline ParsedPipeline
		for i, raw := range splitUnquoted(seq, '|') {
			text := strings.TrimSpace(raw)
			if text == "" {
				return nil, fmt.Errorf("empty command in %q", strings.TrimSpace(seq))
			}
			if i == 0 {
				pipeline.Env, text = splitEnvPrefix(text)
				if text == "" {
					return nil, fmt.Errorf("env assignments without a command in %q", strings.TrimSpace(seq))
				}
			}
			name, arg, _ := strings.Cut(text, " ")
			pipeline.Commands = append(pipeline.Commands, ParsedCommand{
				Name: name,
				Arg:  strings.TrimSpace(arg),
			})
		}
		pipelines = append(pipelines, pipeline)
	}
	if len(pipelines) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	return pipelines, nil
}

// splitUnquoted splits on sep outside of single quotes, double quotes
// and backticks.
func splitUnquoted(s string, sep byte) []string {
	var out []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == sep:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

// splitEnvPrefix consumes leading key=value words. A word qualifies when
// the text before '=' is a plain identifier, so predicates like
// reported.age=1 stay part of the command.
func splitEnvPrefix(text string) (map[string]string, string) {
	var env map[string]string
	for {
		word, rest, _ := strings.Cut(text, " ")
		key, value, ok := strings.Cut(word, "=")
		if !ok || !identLike(key) {
			return env, text
		}
		if env == nil {
			env = map[string]string{}
		}
		env[key] = strings.Trim(value, `"'`)
		text = strings.TrimSpace(rest)
		if text == "" {
			return env, text
		}
	}
}

func identLike(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// firstCommandName returns the name of the first command in the first
// pipeline, tolerating parse errors.
func firstCommandName(line string) string {
	pipelines, err := parseLine(line)
	if err != nil || len(pipelines) == 0 || len(pipelines[0].Commands) == 0 {
		return ""
	}
	return pipelines[0].Commands[0].Name
}
