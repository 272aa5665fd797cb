package ctxutil

import "context"

type traceDataKey struct{}

// TraceData rides on every API request. CorrelationID is filled in once a
// broadcast has been assigned one.
type TraceData struct {
	TraceID       string
	RequestID     string
	CorrelationID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

// SetCorrelationID records id on the request's trace data, if any.
func SetCorrelationID(ctx context.Context, id string) {
	if td := GetTraceData(ctx); td != nil {
		td.CorrelationID = id
	}
}
