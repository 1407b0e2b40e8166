package model

import "testing"

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"user", RoleUser, false},
		{"admin", RoleAdmin, false},
		{"ADMIN", "", true},
		{"student", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRole(%q) err=%v, wantErr=%v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseRole(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestElevated(t *testing.T) {
	if RoleUser.Elevated() {
		t.Error("user must not be elevated")
	}
	if !RoleAdmin.Elevated() {
		t.Error("admin must be elevated")
	}
}

func TestRiskMirrorsDecision(t *testing.T) {
	cases := map[Decision]Risk{
		Safe:          RiskSafe,
		NeedsApproval: RiskNeedsReview,
		Blocked:       RiskBlocked,
		"weird":       RiskBlocked,
	}
	for d, want := range cases {
		if got := RiskFor(d); got != want {
			t.Errorf("RiskFor(%q)=%q, want %q", d, got, want)
		}
	}
}

func TestSessionValidate(t *testing.T) {
	if err := (Session{SubjectID: "u1", Role: RoleUser}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (Session{Role: RoleUser}).Validate(); err == nil {
		t.Fatal("expected error for missing subject")
	}
	if err := (Session{SubjectID: "u1", Role: "root"}).Validate(); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestParseClearance(t *testing.T) {
	for _, c := range Clearances {
		got, err := ParseClearance(string(c))
		if err != nil || got != c {
			t.Errorf("ParseClearance(%q)=%q,%v", c, got, err)
		}
	}
	for _, bad := range []string{"", "QG_ANALYST", "qg_analyst; DROP ROLE x", "postgres", "qg_analyst "} {
		if _, err := ParseClearance(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
