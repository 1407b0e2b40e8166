package orchestrator

import (
	"fmt"

	"github.com/ppiankov/proofvault/internal/audit"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/sqlguard"
)

// State is a workflow state.
type State string

const (
	StateInit             State = "INIT"
	StatePolicyResolved   State = "POLICY_RESOLVED"
	StatePlanned          State = "PLANNED"
	StateLinted           State = "LINTED"
	StateApprovalRequired State = "APPROVAL_REQUIRED"
	StateExecuting        State = "EXECUTING"
	StateScrubbed         State = "SCRUBBED"
	StateAudited          State = "AUDITED"
	StateBlocked          State = "BLOCKED_TERMINAL"
	StateDone             State = "DONE"
)

// transitions lists the legal successors of each state. Every non-terminal
// state may fall to BLOCKED_TERMINAL on a fault. AUDITED and
// BLOCKED_TERMINAL only lead to DONE.
var transitions = map[State][]State{
	StateInit:             {StatePolicyResolved, StateBlocked},
	StatePolicyResolved:   {StatePlanned, StateBlocked},
	StatePlanned:          {StateLinted, StateBlocked},
	StateLinted:           {StateApprovalRequired, StateExecuting, StateBlocked},
	StateApprovalRequired: {StateExecuting, StateBlocked},
	StateExecuting:        {StateScrubbed, StateBlocked},
	StateScrubbed:         {StateAudited, StateBlocked},
	StateAudited:          {StateDone},
	StateBlocked:          {StateDone},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Workflow is the per-request record. It is owned by one Handle call and
// never shared.
type Workflow struct {
	ID         string
	Session    model.Session
	Prompt     string
	Approved   bool
	PlannedSQL string
	Verdict    sqlguard.Verdict
	Result     []map[string]any
	Receipt    audit.Receipt
	State      State
	History    []State
}

func newWorkflow(id string, req Request) *Workflow {
	return &Workflow{
		ID:       id,
		Session:  req.Session,
		Prompt:   req.Prompt,
		Approved: req.Approved,
		State:    StateInit,
		History:  []State{StateInit},
	}
}

func (w *Workflow) transition(to State) error {
	if !CanTransition(w.State, to) {
		return fmt.Errorf("orchestrator: illegal transition %s -> %s", w.State, to)
	}
	w.State = to
	w.History = append(w.History, to)
	return nil
}

// block moves the workflow to BLOCKED_TERMINAL from wherever it stopped.
func (w *Workflow) block() {
	if w.State == StateBlocked {
		return
	}
	if err := w.transition(StateBlocked); err != nil {
		// Only AUDITED and DONE cannot block; neither reaches here.
		w.State = StateBlocked
		w.History = append(w.History, StateBlocked)
	}
}

// Terminal reports whether the workflow reached DONE.
func (w *Workflow) Terminal() bool {
	return w.State == StateDone
}
