package parse

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// bareTerminators are the runes that end an unquoted word.
const bareTerminators = "()[]{},;\"'|"

// Value consumes one literal value: a JSON scalar, array or object, or an
// unquoted word which is taken as a string. Numbers come back as int64
// when integral, float64 otherwise, matching what a JSON decoder with
// number normalization would produce.
func (s *Scanner) Value() (any, error) {
	s.SkipSpace()
	r, ok := s.Peek()
	if !ok {
		return nil, s.Errorf("expected a value")
	}
	switch {
	case r == '"' || r == '\'':
		str, _, err := s.QuotedString()
		return str, err
	case r == '[':
		return s.arrayValue()
	case r == '{':
		return s.objectValue()
	}
	if s.Keyword("true") {
		return true, nil
	}
	if s.Keyword("false") {
		return false, nil
	}
	if s.Keyword("null") {
		return nil, nil
	}
	if num, ok, err := s.numberValue(); ok || err != nil {
		return num, err
	}
	word, ok := s.bareWord()
	if !ok {
		return nil, s.Errorf("expected a value")
	}
	return word, nil
}

func (s *Scanner) arrayValue() ([]any, error) {
	s.Lit("[")
	out := []any{}
	s.SkipSpace()
	if s.Lit("]") {
		return out, nil
	}
	for {
		v, err := s.Value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		s.SkipSpace()
		if s.Lit("]") {
			return out, nil
		}
		if !s.Lit(",") {
			return nil, s.Errorf("expected , or ] in array")
		}
	}
}

// objectValue captures a balanced brace block and decodes it as JSON.
func (s *Scanner) objectValue() (any, error) {
	start := s.pos
	depth := 0
	inString := false
	var quote byte
	for i := s.pos; i < len(s.in); i++ {
		c := s.in[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == quote {
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'':
			inString = true
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				raw := s.in[start : i+1]
				var out any
				dec := json.NewDecoder(strings.NewReader(raw))
				dec.UseNumber()
				if err := dec.Decode(&out); err != nil {
					return nil, Errorf(start, "invalid object literal: %v", err)
				}
				s.pos = i + 1
				return normalizeNumbers(out), nil
			}
		}
	}
	return nil, Errorf(start, "unterminated object literal")
}

func (s *Scanner) numberValue() (any, bool, error) {
	start := s.pos
	s.Lit("-")
	digits := s.pos
	for !s.EOF() {
		r, _ := s.Peek()
		if r < '0' || r > '9' {
			break
		}
		s.pos++
	}
	if s.pos == digits {
		s.pos = start
		return nil, false, nil
	}
	isFloat := false
	if s.Lit(".") {
		isFloat = true
		for !s.EOF() {
			r, _ := s.Peek()
			if r < '0' || r > '9' {
				break
			}
			s.pos++
		}
	}
	if r, ok := s.Peek(); ok && (r == 'e' || r == 'E') {
		isFloat = true
		s.pos++
		s.Lit("-")
		s.Lit("+")
		for !s.EOF() {
			r, _ := s.Peek()
			if r < '0' || r > '9' {
				break
			}
			s.pos++
		}
	}
	// A number running straight into identifier characters or path/CIDR
	// punctuation is a bare word ("10micron", "10.0.0.0/8"), not a
	// numeric literal.
	if r, ok := s.Peek(); ok && (isIdentRune(r) || r == '.' || r == '/' || r == ':' || r == '-') {
		s.pos = start
		return nil, false, nil
	}
	text := s.in[start:s.pos]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, true, Errorf(start, "invalid number %q", text)
		}
		return f, true, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, true, Errorf(start, "invalid number %q", text)
	}
	return n, true, nil
}

func (s *Scanner) bareWord() (string, bool) {
	start := s.pos
	for !s.EOF() {
		r, size := utf8.DecodeRuneInString(s.in[s.pos:])
		if unicode.IsSpace(r) || strings.ContainsRune(bareTerminators, r) {
			break
		}
		s.pos += size
	}
	if s.pos == start {
		return "", false
	}
	return s.in[start:s.pos], true
}

// normalizeNumbers rewrites json.Number values into int64 or float64 so
// values compare uniformly regardless of how they were written.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}
