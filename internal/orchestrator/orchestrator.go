// Package orchestrator composes policy resolution, planning, linting,
// sandboxed execution, scrubbing and receipts into one workflow per request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/proofvault/internal/audit"
	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/metrics"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/planner"
	"github.com/ppiankov/proofvault/internal/policy"
	"github.com/ppiankov/proofvault/internal/redact"
	"github.com/ppiankov/proofvault/internal/sandbox"
	"github.com/ppiankov/proofvault/internal/sqlguard"
)

// Defaults for the two orchestrator-level timeouts.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultAuditTimeout   = 5 * time.Second
)

// Config holds orchestrator timeouts.
type Config struct {
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	AuditTimeout   time.Duration `yaml:"audit_timeout" mapstructure:"audit_timeout"`
}

// Deps are the collaborators of one orchestrator.
type Deps struct {
	Resolver policy.Resolver
	Planner  planner.Planner
	Guard    *sqlguard.Guard
	Executor sandbox.Executor
	Ledger   *audit.Ledger
	Metrics  metrics.Recorder
	Logger   *slog.Logger
}

// Request is one inbound governance request.
type Request struct {
	Prompt   string        `json:"prompt"`
	Session  model.Session `json:"session"`
	Approved bool          `json:"approved,omitempty"`
}

// Response is the successful outcome of a workflow.
type Response struct {
	WorkflowID string           `json:"workflowId"`
	Decision   model.Decision   `json:"decision"`
	Risk       model.Risk       `json:"risk"`
	SQL        string           `json:"sql"`
	Result     []map[string]any `json:"result"`
	ReceiptID  string           `json:"receiptId"`
	ResultHash string           `json:"resultHash"`
	TablesUsed []string         `json:"tablesUsed"`
	Reasons    []string         `json:"reasons"`
}

// Orchestrator runs governance workflows. It is safe for concurrent use;
// each Handle call owns its own Workflow.
type Orchestrator struct {
	resolver policy.Resolver
	planner  planner.Planner
	guard    *sqlguard.Guard
	executor sandbox.Executor
	ledger   *audit.Ledger
	metrics  metrics.Recorder
	logger   *slog.Logger
	cfg      Config

	newID   func() string
	observe func(*Workflow)
}

// New validates deps and returns an orchestrator.
func New(d Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case d.Resolver == nil:
		return nil, errors.New("orchestrator: policy resolver is required")
	case d.Planner == nil:
		return nil, errors.New("orchestrator: planner is required")
	case d.Executor == nil:
		return nil, errors.New("orchestrator: executor is required")
	case d.Ledger == nil:
		return nil, errors.New("orchestrator: audit ledger is required")
	}
	if d.Guard == nil {
		d.Guard = sqlguard.New(sqlguard.DefaultConfig())
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = DefaultAuditTimeout
	}
	return &Orchestrator{
		resolver: d.Resolver,
		planner:  d.Planner,
		guard:    d.Guard,
		executor: d.Executor,
		ledger:   d.Ledger,
		metrics:  d.Metrics,
		logger:   d.Logger,
		cfg:      cfg,
		newID:    uuid.NewString,
	}, nil
}

// denial describes why a workflow stopped short of execution.
type denial struct {
	message string
	kind    fault.Kind
	reason  string // appended to the verdict reasons when set
}

// denialPayload is the result hashed into a DENIED receipt.
type denialPayload struct {
	Event                string         `json:"event"`
	Message              string         `json:"message"`
	Session              denialSession  `json:"session"`
	Decision             model.Decision `json:"decision"`
	Risk                 model.Risk     `json:"risk"`
	TablesUsed           []string       `json:"tablesUsed"`
	Reasons              []string       `json:"reasons"`
	ApprovedFlagProvided bool           `json:"approvedFlagProvided"`
}

type denialSession struct {
	Role  model.Role `json:"role"`
	Email string     `json:"email"`
	Sub   string     `json:"sub"`
}

// Handle runs one workflow to completion. It returns a *Response when the
// statement ran, a *DeniedError when the refusal was recorded, or a
// *fault.Error of kind AuditWriteFailure when no receipt could be written.
// If ctx is cancelled before the audit step no receipt is written and the
// context error is returned.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	if err := req.Session.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: invalid session: %w", err)
	}

	w := newWorkflow(o.newID(), req)
	if o.observe != nil {
		defer o.observe(w)
	}
	log := o.logger.With("workflow_id", w.ID, "role", w.Session.Role)

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	d := o.run(rctx, w, log)

	if ctx.Err() != nil {
		if d == nil {
			log.Error("workflow aborted after execution, receipt not written")
			o.metrics.IncWorkflow(string(w.Verdict.Decision), "audit_failed")
			return nil, fault.Wrap(fault.AuditWriteFailure, "workflow aborted before its receipt was written", ctx.Err())
		}
		log.Warn("workflow aborted by caller", "state", w.State)
		o.metrics.IncWorkflow(string(w.Verdict.Decision), "aborted")
		return nil, fmt.Errorf("orchestrator: workflow %s aborted: %w", w.ID, ctx.Err())
	}

	// The audit write outlives the request timeout but not a caller abort.
	actx, acancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.AuditTimeout)
	defer acancel()

	if d != nil {
		return nil, o.deny(actx, w, d, log)
	}
	return o.complete(actx, w, log)
}

// run drives the workflow up to SCRUBBED, or returns the denial that sent
// it to BLOCKED_TERMINAL. Panics become execution failures.
func (o *Orchestrator) run(ctx context.Context, w *Workflow, log *slog.Logger) (d *denial) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("workflow panicked", "state", w.State, "panic", r)
			d = failed()
		}
		if d != nil {
			w.block()
		}
	}()

	schema, err := o.resolver.Resolve(ctx, w.Session.Role)
	if err != nil {
		log.Error("policy resolution failed", "error", err)
		return failed()
	}
	if err := w.transition(StatePolicyResolved); err != nil {
		return failed()
	}
	readyErr := schema.ExecutionReady()

	// Blindfolding: the planner only sees the authorized schema.
	sql, err := o.planner.Plan(ctx, w.Prompt, schema)
	if err != nil {
		log.Error("planning failed", "error", err)
		return failed()
	}
	w.PlannedSQL = sql
	if err := w.transition(StatePlanned); err != nil {
		return failed()
	}

	w.Verdict = o.guard.Validate(sql, schema)
	if readyErr != nil {
		w.Verdict = policyMissing(w.Verdict)
	}
	for _, r := range w.Verdict.Reasons {
		o.metrics.IncGuardReason(r)
	}
	if err := w.transition(StateLinted); err != nil {
		return failed()
	}
	log.Info("statement linted", "decision", w.Verdict.Decision, "reasons", w.Verdict.Reasons, "tables", w.Verdict.TablesUsed)

	if !w.Verdict.OK {
		return &denial{message: MessageDenied, kind: fault.KindOf(w.Verdict.Err())}
	}

	if w.Verdict.Decision == model.NeedsApproval {
		if err := w.transition(StateApprovalRequired); err != nil {
			return failed()
		}
		switch {
		case !w.Approved:
			return &denial{message: MessageApproval, kind: fault.ApprovalRequired, reason: fault.ReasonApprovalRequired}
		case !w.Session.Role.Elevated():
			return &denial{message: MessageApproval, kind: fault.ApprovalDenied, reason: fault.ReasonApprovalDenied}
		}
	}

	if err := w.transition(StateExecuting); err != nil {
		return failed()
	}
	ec, err := sandbox.FromSchema(w.Session.Role, schema)
	if err != nil {
		return failed()
	}
	start := time.Now()
	rows, err := o.executor.Execute(ctx, w.Verdict.SanitizedSQL, ec)
	if err != nil {
		o.metrics.ObserveExecution(string(ec.Role), "error", time.Since(start).Seconds())
		log.Warn("execution failed", "error", err)
		return failed()
	}
	o.metrics.ObserveExecution(string(ec.Role), "ok", time.Since(start).Seconds())

	w.Result = redact.Scrub(rows)
	if err := w.transition(StateScrubbed); err != nil {
		return failed()
	}
	return nil
}

// deny writes the DENIED receipt and returns the structured refusal.
func (o *Orchestrator) deny(ctx context.Context, w *Workflow, d *denial, log *slog.Logger) error {
	v := w.Verdict
	if v.Decision == "" {
		v.Decision = model.Blocked
		v.Risk = model.RiskBlocked
	}
	reasons := append([]string{}, v.Reasons...)
	if d.reason != "" {
		reasons = append(reasons, d.reason)
	}
	tables := v.TablesUsed
	if tables == nil {
		tables = []string{}
	}
	sql := v.SanitizedSQL
	if sql == "" {
		sql = w.PlannedSQL
	}

	payload := denialPayload{
		Event:   string(audit.EventDenied),
		Message: d.message,
		Session: denialSession{
			Role:  w.Session.Role,
			Email: w.Session.Email,
			Sub:   w.Session.SubjectID,
		},
		Decision:             v.Decision,
		Risk:                 v.Risk,
		TablesUsed:           tables,
		Reasons:              reasons,
		ApprovedFlagProvided: w.Approved,
	}

	receipt, err := o.ledger.Append(ctx, audit.Entry{
		WorkflowID: w.ID,
		UserID:     w.Session.SubjectID,
		Prompt:     w.Prompt,
		SQL:        sql,
		Result:     payload,
		EventType:  audit.EventDenied,
	})
	if err != nil {
		log.Error("denial receipt write failed", "error", err)
		o.metrics.IncWorkflow(string(v.Decision), "audit_failed")
		return fault.Wrap(fault.AuditWriteFailure, "denial receipt could not be recorded", err)
	}
	w.Receipt = receipt
	_ = w.transition(StateDone)
	o.metrics.IncReceipt(string(audit.EventDenied))
	o.metrics.IncWorkflow(string(v.Decision), "denied")
	log.Info("workflow denied", "decision", v.Decision, "reasons", reasons, "receipt_id", receipt.ReceiptID)

	return &DeniedError{
		Message:    d.message,
		WorkflowID: w.ID,
		ReceiptID:  receipt.ReceiptID,
		ResultHash: receipt.ResultHash,
		Decision:   v.Decision,
		TablesUsed: tables,
		Reasons:    reasons,
		Kind:       d.kind,
	}
}

// complete writes the EXECUTED receipt and builds the response.
func (o *Orchestrator) complete(ctx context.Context, w *Workflow, log *slog.Logger) (*Response, error) {
	v := w.Verdict
	receipt, err := o.ledger.Append(ctx, audit.Entry{
		WorkflowID: w.ID,
		UserID:     w.Session.SubjectID,
		Prompt:     w.Prompt,
		SQL:        v.SanitizedSQL,
		Result:     w.Result,
		EventType:  audit.EventExecuted,
	})
	if err != nil {
		log.Error("execution receipt write failed", "error", err)
		o.metrics.IncWorkflow(string(v.Decision), "audit_failed")
		return nil, fault.Wrap(fault.AuditWriteFailure, "execution receipt could not be recorded", err)
	}
	w.Receipt = receipt
	if err := w.transition(StateAudited); err != nil {
		return nil, err
	}
	_ = w.transition(StateDone)
	o.metrics.IncReceipt(string(audit.EventExecuted))
	o.metrics.IncWorkflow(string(v.Decision), "executed")
	log.Info("workflow executed", "decision", v.Decision, "rows", len(w.Result), "receipt_id", receipt.ReceiptID)

	return &Response{
		WorkflowID: w.ID,
		Decision:   v.Decision,
		Risk:       v.Risk,
		SQL:        v.SanitizedSQL,
		Result:     w.Result,
		ReceiptID:  receipt.ReceiptID,
		ResultHash: receipt.ResultHash,
		TablesUsed: v.TablesUsed,
		Reasons:    v.Reasons,
	}, nil
}

// Lint resolves role's policy and validates sql without planning,
// executing or writing a receipt.
func (o *Orchestrator) Lint(ctx context.Context, role model.Role, sql string) (sqlguard.Verdict, error) {
	return Lint(ctx, o.resolver, o.guard, role, sql)
}

// Lint is the dry run for callers that hold a resolver and guard but no
// executor, such as offline tooling.
func Lint(ctx context.Context, r policy.Resolver, g *sqlguard.Guard, role model.Role, sql string) (sqlguard.Verdict, error) {
	schema, err := r.Resolve(ctx, role)
	if err != nil {
		return sqlguard.Verdict{}, fmt.Errorf("orchestrator: resolve policy: %w", err)
	}
	v := g.Validate(sql, schema)
	if err := schema.ExecutionReady(); err != nil {
		v = policyMissing(v)
	}
	return v, nil
}

// policyMissing turns v into a blocked verdict led by policy_missing.
func policyMissing(v sqlguard.Verdict) sqlguard.Verdict {
	tables := v.TablesUsed
	if tables == nil {
		tables = []string{}
	}
	return sqlguard.Verdict{
		Decision:   model.Blocked,
		Risk:       model.RiskBlocked,
		TablesUsed: tables,
		Reasons:    append([]string{fault.ReasonPolicyMissing}, v.Reasons...),
	}
}

func failed() *denial {
	return &denial{message: MessageFailed, kind: fault.ExecutionFailure, reason: fault.ReasonExecutionFailed}
}
