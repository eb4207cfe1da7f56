package logging

import "context"

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// TraceIDKey returns the context key under which a trace id is carried.
func TraceIDKey() any { return traceIDKey }

// SpanIDKey returns the context key under which a span id is carried.
func SpanIDKey() any { return spanIDKey }

// contextFields pulls trace_id/span_id out of ctx, nil when absent.
func contextFields(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}
	var fields map[string]any
	if v := ctx.Value(traceIDKey); v != nil {
		fields = map[string]any{"trace_id": v}
	}
	if v := ctx.Value(spanIDKey); v != nil {
		if fields == nil {
			fields = map[string]any{}
		}
		fields["span_id"] = v
	}
	return fields
}
