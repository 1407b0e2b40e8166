// Package fault defines the error taxonomy of the governance core.
// Every fault carries a kind for routing, a short user-safe message, and an
// optional reason and suggestion for operators.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a fault.
type Kind string

const (
	PolicyMissing             Kind = "policy_missing"
	MultiStatementRejected    Kind = "multi_statement_rejected"
	ForbiddenKeyword          Kind = "forbidden_keyword"
	NonSelectStatement        Kind = "non_select_statement"
	UnqualifiedTableReference Kind = "unqualified_table_reference"
	OutOfScopeTable           Kind = "out_of_scope_table"
	ApprovalRequired          Kind = "approval_required"
	ApprovalDenied            Kind = "approval_denied"
	ExecutionFailure          Kind = "execution_failure"
	AuditWriteFailure         Kind = "audit_write_failure"
)

// Recoverable reports whether faults of this kind are turned into a DENIED
// outcome instead of failing the request. Only AuditWriteFailure is not.
func (k Kind) Recoverable() bool {
	return k != AuditWriteFailure
}

// Validation reports whether the kind originates from policy, guard or
// approval checks rather than from the execution path.
func (k Kind) Validation() bool {
	switch k {
	case ExecutionFailure, AuditWriteFailure:
		return false
	default:
		return true
	}
}

// Error is the concrete fault type.
type Error struct {
	Kind       Kind
	Message    string
	Reason     string
	Suggestion string
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, &fault.Error{Kind: fault.ExecutionFailure}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Public returns the message safe to show to a caller. Cause text is never
// included because it may carry data-store internals.
func (e *Error) Public() string {
	if e.Suggestion == "" {
		return e.Message
	}
	return e.Message + " " + e.Suggestion
}

// New creates a fault without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a fault around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithReason returns a copy of e with the reason set.
func (e *Error) WithReason(reason string) *Error {
	c := *e
	c.Reason = reason
	return &c
}

// WithSuggestion returns a copy of e with the suggestion set.
func (e *Error) WithSuggestion(s string) *Error {
	c := *e
	c.Suggestion = s
	return &c
}

// KindOf extracts the kind of the first *Error in err's chain.
// Errors outside the taxonomy report ExecutionFailure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Error
	if errors.As(err, &f) {
		return f.Kind
	}
	return ExecutionFailure
}

// Reason codes emitted by the guard, the orchestrator and the executor.
const (
	ReasonMultiStatement   = "multi_statement_not_allowed"
	ReasonWriteOrDDL       = "write_or_ddl_blocked"
	ReasonOnlySelect       = "only_select_allowed"
	ReasonMalformedSQL     = "malformed_sql"
	ReasonUnqualified      = "unqualified_tables"
	ReasonOutOfScope       = "out_of_scope_tables"
	ReasonSensitiveSchema  = "touches_sensitive_schema"
	ReasonLimitAdded       = "limit_added"
	ReasonPolicyMissing    = "policy_missing"
	ReasonApprovalRequired = "approval_required"
	ReasonApprovalDenied   = "approval_denied"
	ReasonExecutionFailed  = "execution_failed"
)

// ForReason maps a machine-readable reason code to its fault kind.
// Codes with a ":<list>" suffix are matched on their prefix. Advisory codes
// (limit_added, touches_sensitive_schema) and unknown codes return "".
func ForReason(code string) Kind {
	if i := strings.IndexByte(code, ':'); i >= 0 {
		code = code[:i]
	}
	switch code {
	case ReasonMultiStatement:
		return MultiStatementRejected
	case ReasonWriteOrDDL:
		return ForbiddenKeyword
	case ReasonOnlySelect, ReasonMalformedSQL:
		return NonSelectStatement
	case ReasonUnqualified:
		return UnqualifiedTableReference
	case ReasonOutOfScope:
		return OutOfScopeTable
	case ReasonPolicyMissing:
		return PolicyMissing
	case ReasonApprovalRequired:
		return ApprovalRequired
	case ReasonApprovalDenied:
		return ApprovalDenied
	case ReasonExecutionFailed:
		return ExecutionFailure
	default:
		return ""
	}
}

// FirstKind returns the kind of the first blocking code in reasons.
func FirstKind(reasons []string) Kind {
	for _, r := range reasons {
		if k := ForReason(r); k != "" {
			return k
		}
	}
	return ""
}
