package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ElementCountHeader carries the element count when it is known before
// the body is written.
const ElementCountHeader = "Ck-Element-Count"

// Stream is a pull-based element source. cli.Iterator and wrapped
// storage cursors satisfy it.
type Stream interface {
	Next(ctx context.Context) (any, bool, error)
	Close()
}

type sliceStream struct {
	items []any
	pos   int
}

func (s *sliceStream) Next(ctx context.Context) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.pos >= len(s.items) {
		return nil, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

func (s *sliceStream) Close() { s.pos = len(s.items) }

// Format is a negotiated response encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatYAML   Format = "yaml"
	FormatText   Format = "text"
)

// Negotiate picks the stream format from the Accept header. ndjson is
// the default.
func Negotiate(r *http.Request) Format {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.ToLower(mediaType) {
		case "application/json":
			return FormatJSON
		case "application/x-ndjson":
			return FormatNDJSON
		case "application/yaml", "text/yaml":
			return FormatYAML
		case "text/plain":
			return FormatText
		}
	}
	return FormatNDJSON
}

// textProperties is the reduced property set of text/plain rendering.
var textProperties = []string{"id", "name", "kind", "kinds", "reported"}

// RenderSlice writes items with the element count header set.
func RenderSlice(w http.ResponseWriter, r *http.Request, items []any) error {
	w.Header().Set(ElementCountHeader, strconv.Itoa(len(items)))
	return RenderStream(w, r, &sliceStream{items: items})
}

// RenderStream negotiates the format and writes every element of s.
// Errors after the first byte can only be logged by the caller; the
// stream is closed either way.
func RenderStream(w http.ResponseWriter, r *http.Request, s Stream) error {
	defer s.Close()
	switch Negotiate(r) {
	case FormatJSON:
		return renderJSONArray(w, r, s)
	case FormatYAML:
		return renderYAML(w, r, s, false)
	case FormatText:
		return renderYAML(w, r, s, true)
	default:
		return renderNDJSON(w, r, s)
	}
}

func renderJSONArray(w http.ResponseWriter, r *http.Request, s Stream) error {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte("[")); err != nil {
		return err
	}
	first := true
	for {
		item, ok, err := s.Next(r.Context())
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return err
			}
		}
		first = false
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte("]\n"))
	return err
}

func renderNDJSON(w http.ResponseWriter, r *http.Request, s Stream) error {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for {
		item, ok, err := s.Next(r.Context())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := enc.Encode(item); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func renderYAML(w http.ResponseWriter, r *http.Request, s Stream, reduced bool) error {
	contentType := "application/yaml"
	if reduced {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	first := true
	for {
		item, ok, err := s.Next(r.Context())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !first {
			if _, err := w.Write([]byte("---\n")); err != nil {
				return err
			}
		}
		first = false
		if reduced {
			if str, ok := item.(string); ok {
				if _, err := fmt.Fprintln(w, str); err != nil {
					return err
				}
				continue
			}
			item = reduceDocument(item)
		}
		raw, err := yaml.Marshal(item)
		if err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}
}

// reduceDocument keeps only the whitelisted top-level properties of a
// document for text rendering. Non-map elements pass through.
func reduceDocument(item any) any {
	doc, ok := item.(map[string]any)
	if !ok {
		return item
	}
	out := map[string]any{}
	for _, key := range textProperties {
		if v, ok := doc[key]; ok {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return item
	}
	return out
}
