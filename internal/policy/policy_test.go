package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
)

const samplePolicy = `
roles:
  user:
    databases:
      - name: core
        tables:
          - name: kyc.customers
            columns: [id, name, risk_score]
          - name: kyc.accounts
        scope:
          org_id: org-1
          allowed_account_ids: [a1, a2]
        clearance: qg_analyst
  admin:
    databases:
      - name: core
        tables:
          - name: kyc.customers
          - name: kyc_private.documents
        scope:
          org_id: org-1
          allowed_account_ids: []
        clearance: qg_compliance
`

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseValidDocument(t *testing.T) {
	doc, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user, err := doc.Resolve(context.Background(), model.RoleUser)
	if err != nil {
		t.Fatal(err)
	}
	got := user.TableNames()
	if len(got) != 2 || got[0] != "kyc.customers" || got[1] != "kyc.accounts" {
		t.Errorf("unexpected tables %v", got)
	}
	db, ok := user.Primary()
	if !ok {
		t.Fatal("expected a primary database")
	}
	if db.Scope.OrgID != "org-1" || len(db.Scope.AllowedAccountIDs) != 2 {
		t.Errorf("unexpected scope %+v", db.Scope)
	}
	if err := user.ExecutionReady(); err != nil {
		t.Errorf("expected execution-ready schema, got %v", err)
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ``},
		{"unknown role", `roles: {root: {databases: []}}`},
		{"unknown field", `roles: {user: {databases: [], extra: 1}}`},
		{"bad clearance", `
roles:
  user:
    databases:
      - name: core
        tables: [{name: kyc.customers}]
        scope: {org_id: o, allowed_account_ids: []}
        clearance: "qg_analyst; RESET ROLE"
`},
		{"bad account id", `
roles:
  user:
    databases:
      - name: core
        tables: [{name: kyc.customers}]
        scope: {org_id: o, allowed_account_ids: ["a1,a2"]}
        clearance: qg_analyst
`},
		{"missing scope", `
roles:
  user:
    databases:
      - name: core
        tables: [{name: kyc.customers}]
        clearance: qg_analyst
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Errorf("expected %s document to be rejected", tt.name)
			}
		})
	}
}

func TestResolveUnknownRoleIsEmpty(t *testing.T) {
	doc, err := Parse([]byte(`roles: {}`))
	if err != nil {
		t.Fatal(err)
	}
	s, err := doc.Resolve(context.Background(), model.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Empty() {
		t.Errorf("expected empty schema, got %+v", s)
	}
	if err := s.ExecutionReady(); fault.KindOf(err) != fault.PolicyMissing {
		t.Errorf("expected policy_missing, got %v", err)
	}
}

func TestResolveReturnsIsolatedCopy(t *testing.T) {
	doc, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatal(err)
	}
	s, _ := doc.Resolve(context.Background(), model.RoleUser)
	s.Databases[0].Tables[0].Name = "public.hijack"
	s.Databases[0].Scope.AllowedAccountIDs[0] = "zzz"

	again, _ := doc.Resolve(context.Background(), model.RoleUser)
	if again.Databases[0].Tables[0].Name != "kyc.customers" {
		t.Error("resolver state was mutated through a returned schema")
	}
	if again.Databases[0].Scope.AllowedAccountIDs[0] != "a1" {
		t.Error("scope was mutated through a returned schema")
	}
}

func TestExecutionReady(t *testing.T) {
	base := func() AuthorizedSchema {
		return AuthorizedSchema{Databases: []Database{{
			Name:      "core",
			Tables:    []Table{{Name: "kyc.customers"}},
			Scope:     Scope{OrgID: "org-1", AllowedAccountIDs: []string{}},
			Clearance: "qg_analyst",
		}}}
	}

	if err := base().ExecutionReady(); err != nil {
		t.Fatalf("empty allowed_account_ids list is a valid scope: %v", err)
	}

	noOrg := base()
	noOrg.Databases[0].Scope.OrgID = " "
	nilIDs := base()
	nilIDs.Databases[0].Scope.AllowedAccountIDs = nil
	badClearance := base()
	badClearance.Databases[0].Clearance = "postgres"
	noTables := base()
	noTables.Databases[0].Tables = nil

	for name, s := range map[string]AuthorizedSchema{
		"no org":        noOrg,
		"nil ids":       nilIDs,
		"bad clearance": badClearance,
		"no tables":     noTables,
	} {
		err := s.ExecutionReady()
		if fault.KindOf(err) != fault.PolicyMissing {
			t.Errorf("%s: expected policy_missing, got %v", name, err)
		}
	}
}

func TestNormalizeIdent(t *testing.T) {
	tests := map[string]string{
		`kyc.customers`:          "kyc.customers",
		`"KYC"."Customers"`:      "kyc.customers",
		` Kyc . Accounts `:       "kyc.accounts",
		`customers`:              "customers",
		`"Risk_Private".signals`: "risk_private.signals",
	}
	for in, want := range tests {
		if got := NormalizeIdent(in); got != want {
			t.Errorf("NormalizeIdent(%q) = %q, want %q", in, got, want)
		}
	}
	if SchemaOf("kyc.customers") != "kyc" || SchemaOf("customers") != "" {
		t.Error("SchemaOf returned an unexpected qualifier")
	}
}

func TestFileResolverMissingFile(t *testing.T) {
	r, err := NewFileResolver(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if r.Hash() != EmptyHash {
		t.Errorf("expected empty hash, got %s", r.Hash())
	}
	s, _ := r.Resolve(context.Background(), model.RoleUser)
	if !s.Empty() {
		t.Error("missing file must authorize nothing")
	}
}

func TestFileResolverInvalidFileAtStartup(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "roles: [1, 2]")
	if _, err := NewFileResolver(path, nil); err == nil {
		t.Fatal("expected startup error for invalid policy")
	}
}

func TestFileResolverReloadFailsClosed(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, samplePolicy)
	r, err := NewFileResolver(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	first := r.Hash()

	writePolicy(t, dir, "roles: {user: {databases: nope}}")
	if err := r.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	s, _ := r.Resolve(context.Background(), model.RoleUser)
	if !s.Empty() {
		t.Error("broken reload must drop all grants")
	}

	writePolicy(t, dir, samplePolicy)
	if err := r.Reload(); err != nil {
		t.Fatal(err)
	}
	if r.Hash() != first {
		t.Errorf("expected hash %s after restoring file, got %s", first, r.Hash())
	}
}

type countingResolver struct {
	calls  int
	schema AuthorizedSchema
	err    error
}

func (c *countingResolver) Resolve(context.Context, model.Role) (AuthorizedSchema, error) {
	c.calls++
	return c.schema.Clone(), c.err
}

func TestCachedResolverTTL(t *testing.T) {
	inner := &countingResolver{schema: AuthorizedSchema{Databases: []Database{{Name: "core", Tables: []Table{{Name: "kyc.customers"}}}}}}
	c := NewCachedResolver(inner, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	c.Resolve(ctx, model.RoleUser)
	c.Resolve(ctx, model.RoleUser)
	if inner.calls != 1 {
		t.Fatalf("expected 1 backend call within TTL, got %d", inner.calls)
	}

	now = now.Add(2 * time.Minute)
	c.Resolve(ctx, model.RoleUser)
	if inner.calls != 2 {
		t.Fatalf("expected refetch after TTL, got %d calls", inner.calls)
	}

	c.Invalidate()
	c.Resolve(ctx, model.RoleUser)
	if inner.calls != 3 {
		t.Fatalf("expected refetch after invalidate, got %d calls", inner.calls)
	}
}

func TestCachedResolverDoesNotCacheErrors(t *testing.T) {
	inner := &countingResolver{err: errors.New("backend down")}
	c := NewCachedResolver(inner, time.Minute)
	ctx := context.Background()
	if _, err := c.Resolve(ctx, model.RoleUser); err == nil {
		t.Fatal("expected error")
	}
	inner.err = nil
	if _, err := c.Resolve(ctx, model.RoleUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("expected 2 calls, got %d", inner.calls)
	}
}

func TestCachedResolverDisabled(t *testing.T) {
	inner := &countingResolver{}
	c := NewCachedResolver(inner, 0)
	c.Resolve(context.Background(), model.RoleUser)
	c.Resolve(context.Background(), model.RoleUser)
	if inner.calls != 2 {
		t.Errorf("ttl 0 should bypass the cache, got %d calls", inner.calls)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `roles: {}`)
	r, err := NewFileResolver(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan struct{}, 4)
	w, err := NewWatcher(r, nil, func() { reloaded <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writePolicy(t, dir, samplePolicy)

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
	s, _ := r.Resolve(context.Background(), model.RoleUser)
	if s.Empty() {
		t.Error("expected reloaded grants")
	}
}
