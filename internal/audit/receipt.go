package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// EventType is the terminal outcome a receipt records.
type EventType string

const (
	EventExecuted EventType = "EXECUTED"
	EventDenied   EventType = "DENIED"
)

// ParseEventType accepts EXECUTED, DENIED or "" (no filter).
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case "", EventExecuted, EventDenied:
		return EventType(s), nil
	default:
		return "", fmt.Errorf("unknown event type %q (expected EXECUTED or DENIED)", s)
	}
}

// Receipt is one immutable ledger record. The result itself is not stored,
// only its digest.
type Receipt struct {
	ReceiptID  string    `json:"receiptId"`
	WorkflowID string    `json:"workflowId"`
	UserID     string    `json:"userId"`
	Prompt     string    `json:"prompt"`
	SQL        string    `json:"sql"`
	ResultHash string    `json:"resultHash"`
	EventType  EventType `json:"eventType"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Entry is the input to Ledger.Append.
type Entry struct {
	WorkflowID string
	UserID     string
	Prompt     string
	SQL        string
	// Result is the scrubbed rows for EXECUTED, or the denial payload.
	Result    any
	EventType EventType
}

var (
	// ErrDuplicateWorkflow is returned when a workflow already has a receipt.
	ErrDuplicateWorkflow = errors.New("audit: workflow already has a receipt")
	errMissingWorkflow   = errors.New("audit: workflow id is required")
)

func (e Entry) validate() error {
	if e.WorkflowID == "" {
		return errMissingWorkflow
	}
	if e.EventType != EventExecuted && e.EventType != EventDenied {
		return fmt.Errorf("audit: invalid event type %q", e.EventType)
	}
	return nil
}

type hashInput struct {
	Prompt string `json:"prompt"`
	SQL    string `json:"sql"`
	Result any    `json:"result"`
}

// HashResult returns the hex SHA-256 of the RFC 8785 canonical JSON form of
// {prompt, sql, result}. Equal inputs always hash equally regardless of map
// ordering or number formatting.
func HashResult(prompt, sql string, result any) (string, error) {
	raw, err := json.Marshal(hashInput{Prompt: prompt, SQL: sql, Result: result})
	if err != nil {
		return "", fmt.Errorf("audit: marshal result: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize result: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// receiptIDLayout is yyyymmddHHMMSS; milliseconds are appended separately.
const receiptIDLayout = "20060102150405"

// NewReceiptID returns QG-<yyyymmddHHMMSSmmm>-<12 hex>. IDs sort lexically
// by creation time; the random suffix separates receipts in the same
// millisecond.
func NewReceiptID(now time.Time) string {
	now = now.UTC()
	stamp := fmt.Sprintf("%s%03d", now.Format(receiptIDLayout), now.Nanosecond()/int(time.Millisecond))
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("QG-%s-%012x", stamp, now.UnixNano()&0xffffffffffff)
	}
	return fmt.Sprintf("QG-%s-%s", stamp, hex.EncodeToString(b))
}
