// Package parse holds the scanning primitives shared by the query language
// and the command line grammar. Both parsers are recursive descent over a
// Scanner; alternatives backtrack by saving and restoring the position.
package parse

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Error is a syntax failure at a byte offset of the original input.
type Error struct {
	Offset int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Msg)
}

// Errorf builds an Error at the given offset.
func Errorf(offset int, format string, args ...any) *Error {
	return &Error{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// Scanner walks an input string. It never copies the input; callers
// backtrack via Pos/Reset.
type Scanner struct {
	in  string
	pos int
}

// NewScanner returns a Scanner over in, positioned at the start.
func NewScanner(in string) *Scanner {
	return &Scanner{in: in}
}

// Pos returns the current byte offset.
func (s *Scanner) Pos() int { return s.pos }

// Reset moves the scanner back (or forward) to a saved offset.
func (s *Scanner) Reset(pos int) { s.pos = pos }

// EOF reports whether all input is consumed.
func (s *Scanner) EOF() bool { return s.pos >= len(s.in) }

// Rest returns the unconsumed input.
func (s *Scanner) Rest() string { return s.in[s.pos:] }

// Input returns the full input string.
func (s *Scanner) Input() string { return s.in }

// Errorf builds an Error at the current position.
func (s *Scanner) Errorf(format string, args ...any) *Error {
	return Errorf(s.pos, format, args...)
}

// Peek returns the next rune without consuming it.
func (s *Scanner) Peek() (rune, bool) {
	if s.EOF() {
		return 0, false
	}
	r, _ := utf8.DecodeRuneInString(s.in[s.pos:])
	return r, true
}

// Next consumes and returns the next rune.
func (s *Scanner) Next() (rune, bool) {
	if s.EOF() {
		return 0, false
	}
	r, size := utf8.DecodeRuneInString(s.in[s.pos:])
	s.pos += size
	return r, true
}

// SkipSpace consumes any run of whitespace.
func (s *Scanner) SkipSpace() {
	for !s.EOF() {
		r, size := utf8.DecodeRuneInString(s.in[s.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		s.pos += size
	}
}

// Lit consumes lit if the input continues with it.
func (s *Scanner) Lit(lit string) bool {
	if strings.HasPrefix(s.in[s.pos:], lit) {
		s.pos += len(lit)
		return true
	}
	return false
}

// Keyword consumes word case-insensitively, but only when it is not
// followed by an identifier character, so "in" does not eat "instance".
func (s *Scanner) Keyword(word string) bool {
	end := s.pos + len(word)
	if end > len(s.in) {
		return false
	}
	if !strings.EqualFold(s.in[s.pos:end], word) {
		return false
	}
	if end < len(s.in) {
		r, _ := utf8.DecodeRuneInString(s.in[end:])
		if isIdentRune(r) {
			return false
		}
	}
	s.pos = end
	return true
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Ident consumes an identifier: a letter or underscore followed by
// letters, digits or underscores.
func (s *Scanner) Ident() (string, bool) {
	start := s.pos
	r, ok := s.Peek()
	if !ok || (r != '_' && !unicode.IsLetter(r)) {
		return "", false
	}
	for !s.EOF() {
		r, size := utf8.DecodeRuneInString(s.in[s.pos:])
		if !isIdentRune(r) {
			break
		}
		s.pos += size
	}
	return s.in[start:s.pos], true
}

// Int consumes an optionally signed decimal integer.
func (s *Scanner) Int() (int, bool) {
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
		return 0, false
	}
	n := 0
	for _, c := range s.in[digits:s.pos] {
		n = n*10 + int(c-'0')
	}
	if s.in[start] == '-' {
		n = -n
	}
	return n, true
}

// QuotedString consumes a single- or double-quoted string with backslash
// escapes and returns its unescaped content.
func (s *Scanner) QuotedString() (string, bool, error) {
	quote, ok := s.Peek()
	if !ok || (quote != '"' && quote != '\'') {
		return "", false, nil
	}
	start := s.pos
	s.pos++
	var b strings.Builder
	for !s.EOF() {
		r, size := utf8.DecodeRuneInString(s.in[s.pos:])
		s.pos += size
		switch r {
		case quote:
			return b.String(), true, nil
		case '\\':
			esc, ok := s.Next()
			if !ok {
				return "", true, Errorf(start, "unterminated string")
			}
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteRune(esc)
			}
		default:
			b.WriteRune(r)
		}
	}
	return "", true, Errorf(start, "unterminated string")
}
