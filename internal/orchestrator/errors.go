package orchestrator

import (
	"strings"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
)

// User-facing denial messages.
const (
	MessageDenied   = "Query cannot be run under the privileges you have."
	MessageApproval = `Query cannot be run under the privileges you have. Admin must re-run with {"approved": true}.`
	MessageFailed   = "Query could not be executed."
)

// DeniedError is the structured refusal returned for every recorded
// denial. It carries enough to reconstruct the refusal without re-running.
type DeniedError struct {
	Message    string         `json:"message"`
	WorkflowID string         `json:"workflowId"`
	ReceiptID  string         `json:"receiptId"`
	ResultHash string         `json:"resultHash"`
	Decision   model.Decision `json:"decision"`
	TablesUsed []string       `json:"tablesUsed"`
	Reasons    []string       `json:"reasons"`
	Kind       fault.Kind     `json:"kind"`
}

func (e *DeniedError) Error() string {
	return e.Message + " [" + strings.Join(e.Reasons, ",") + "]"
}

// Unwrap exposes the fault kind so fault.KindOf and errors.Is work on
// denials.
func (e *DeniedError) Unwrap() error {
	return fault.New(e.Kind, e.Message).WithReason(strings.Join(e.Reasons, ","))
}
