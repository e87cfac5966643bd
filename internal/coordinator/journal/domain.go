// Package journal defines the append-only audit trail of everything that
// happens to an order's payment: each checkout step and each webhook
// delivery, with the OpenTelemetry ids active at the time.
//
// The order store holds current state; the journal answers "how did it get
// there" and lets an operator jump from a row to the trace in Grafana/Tempo.
package journal

import "time"

// Status is the outcome recorded by a journal entry.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusStepDone     Status = "STEP_DONE"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusFailed       Status = "FAILED"
	// Webhook outcomes.
	StatusApplied  Status = "APPLIED"
	StatusNoop     Status = "NOOP"
	StatusRejected Status = "REJECTED"
)

// Entry is a single row in the journal.
type Entry struct {
	// OrderID is the internal order id. Webhooks for unknown gateway ids are
	// journaled under the gateway id instead.
	OrderID string

	Status Status

	// Step is the checkout step name or the provider event type.
	Step string

	// Detail is a free-form JSON document describing the step input or event.
	Detail string

	// ErrorMessages is a JSON array of failure details.
	ErrorMessages string

	TraceID string
	SpanID  string

	RecordedAt time.Time
}
