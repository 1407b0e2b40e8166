// Package planner turns a natural-language prompt into a candidate SQL
// statement. Planner output is untrusted: every statement is linted by the
// guard before anything runs.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/proofvault/internal/policy"
)

// Planner produces one candidate statement for prompt.
type Planner interface {
	Plan(ctx context.Context, prompt string, schema policy.AuthorizedSchema) (string, error)
}

// Kind names a planner implementation in configuration.
type Kind string

const (
	KindStub    Kind = "stub"
	KindBedrock Kind = "bedrock"
)

// ParseKind validates a configured planner name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindStub, "":
		return KindStub, nil
	case KindBedrock:
		return KindBedrock, nil
	default:
		return "", fmt.Errorf("planner: unknown kind %q (expected stub or bedrock)", s)
	}
}

// Stub is a deterministic keyword planner for demos and tests.
// It ignores the schema on purpose: the guard decides what may run.
type Stub struct{}

// rule maps prompt keywords to a canned statement. A rule matches when
// any word in anyOf appears and, if allOf is set, every group in allOf
// has at least one word present.
type rule struct {
	anyOf []string
	allOf [][]string
	sql   string
}

var stubRules = []rule{
	{
		anyOf: []string{"customer"},
		allOf: [][]string{{"email", "phone", "ssn", "pii"}},
		sql: `SELECT customer_id, full_name, email, phone, ssn_last4, dob, kyc_status
FROM kyc_private.customers_pii
ORDER BY created_at DESC
LIMIT 25`,
	},
	{
		anyOf: []string{"risk", "flag", "alert"},
		sql: `SELECT rf.flag_type, rf.severity, rf.created_at, t.amount_cents, t.category, t.status
FROM risk_private.risk_flags rf
JOIN transactions_public.transactions t ON t.tx_id = rf.tx_id
ORDER BY rf.created_at DESC
LIMIT 50`,
	},
	{
		anyOf: []string{"kyc", "compliance"},
		sql: `SELECT kyc_status, COUNT(*) AS customers
FROM kyc_private.customers_pii
GROUP BY kyc_status
ORDER BY customers DESC
LIMIT 50`,
	},
	{
		anyOf: []string{"month"},
		sql: `SELECT date_trunc('month', posted_at) AS month,
       SUM(CASE WHEN direction='debit' THEN amount_cents ELSE 0 END) AS debits_cents,
       SUM(CASE WHEN direction='credit' THEN amount_cents ELSE 0 END) AS credits_cents
FROM transactions_public.transactions
GROUP BY 1
ORDER BY 1
LIMIT 50`,
	},
	{
		anyOf: []string{"category"},
		sql: `SELECT category, SUM(amount_cents) AS total_cents
FROM transactions_public.transactions
WHERE direction='debit'
GROUP BY category
ORDER BY total_cents DESC
LIMIT 20`,
	},
}

const stubDefault = `SELECT tx_id, posted_at, amount_cents, direction, category, status
FROM transactions_public.transactions
ORDER BY posted_at DESC
LIMIT 25`

// Plan returns the first matching canned statement, or recent transactions.
func (Stub) Plan(_ context.Context, prompt string, _ policy.AuthorizedSchema) (string, error) {
	p := strings.ToLower(prompt)
	for _, r := range stubRules {
		if r.matches(p) {
			return r.sql, nil
		}
	}
	return stubDefault, nil
}

func (r rule) matches(p string) bool {
	if !containsAny(p, r.anyOf) {
		return false
	}
	for _, group := range r.allOf {
		if !containsAny(p, group) {
			return false
		}
	}
	return true
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
