package journal

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars), empty without an
	// active span.
	TraceID string
	SpanID  string
}

// ExtractTraceInfo reads the active span from ctx. Without one (unit tests,
// tracing disabled) both ids are empty.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEntry builds an Entry stamped with the trace ids found in ctx.
//
//	entry := journal.NewEntry(ctx, order.ID, journal.StatusStepDone, "create-session", "", nil)
//	_ = repo.Append(ctx, entry)
func NewEntry(
	ctx context.Context,
	orderID string,
	status Status,
	step string,
	detail string,
	errs []string,
) *Entry {
	ti := ExtractTraceInfo(ctx)

	errJSON := "[]"
	if len(errs) > 0 {
		if b, err := json.Marshal(errs); err == nil {
			errJSON = string(b)
		}
	}

	return &Entry{
		OrderID:       orderID,
		Status:        status,
		Step:          step,
		Detail:        detail,
		ErrorMessages: errJSON,
		TraceID:       ti.TraceID,
		SpanID:        ti.SpanID,
		RecordedAt:    time.Now().UTC(),
	}
}

// Record appends an entry when repo is non-nil. Journal failures never fail
// the operation being journaled; they are returned for logging only.
func Record(ctx context.Context, repo Repository, entry *Entry) error {
	if repo == nil {
		return nil
	}
	return repo.Append(ctx, entry)
}
