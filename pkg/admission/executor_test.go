package admission

import (
	"testing"

	"github.com/cuemby/awcp/pkg/protocol"
)

func TestExecutorPolicyAdmit(t *testing.T) {
	tests := []struct {
		name        string
		policy      *ExecutorPolicy
		invite      *protocol.Invite
		wantErr     bool
		wantErrCode protocol.ErrorCode
	}{
		{
			name:   "within limits",
			policy: NewExecutorPolicy(2, 3600, false),
			invite: &protocol.Invite{Lease: protocol.Lease{TTLSeconds: 300}},
		},
		{
			name:        "requires auth but none provided",
			policy:      NewExecutorPolicy(2, 3600, true),
			invite:      &protocol.Invite{Lease: protocol.Lease{TTLSeconds: 300}},
			wantErr:     true,
			wantErrCode: protocol.ErrDeclined,
		},
		{
			name:   "auth provided satisfies requirement",
			policy: NewExecutorPolicy(2, 3600, true),
			invite: &protocol.Invite{Lease: protocol.Lease{TTLSeconds: 300}, Auth: &protocol.Auth{Credential: "t"}},
		},
		{
			name:        "ttl exceeds ceiling",
			policy:      NewExecutorPolicy(2, 300, false),
			invite:      &protocol.Invite{Lease: protocol.Lease{TTLSeconds: 3600}},
			wantErr:     true,
			wantErrCode: protocol.ErrDeclined,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Admit(tt.invite)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Admit() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				perr := protocol.AsError(err)
				if perr.Code != tt.wantErrCode {
					t.Errorf("expected code %s, got %s", tt.wantErrCode, perr.Code)
				}
			}
		})
	}
}

func TestExecutorPolicyConcurrencyCap(t *testing.T) {
	p := NewExecutorPolicy(1, 0, false)
	invite := &protocol.Invite{}

	if err := p.Admit(invite); err != nil {
		t.Fatalf("first Admit should succeed: %v", err)
	}
	if err := p.Admit(invite); err == nil {
		t.Fatal("second Admit should be declined at the concurrency cap")
	}

	p.Release()
	if err := p.Admit(invite); err != nil {
		t.Fatalf("Admit after Release should succeed: %v", err)
	}
}

func TestExecutorPolicyReleaseNeverGoesNegative(t *testing.T) {
	p := NewExecutorPolicy(1, 0, false)
	p.Release()
	p.Release()

	if err := p.Admit(&protocol.Invite{}); err != nil {
		t.Fatalf("Admit should still succeed after extra Release calls: %v", err)
	}
	if err := p.Admit(&protocol.Invite{}); err == nil {
		t.Fatal("second Admit should be declined at MaxConcurrent=1; extra Release calls must not leave spare slots")
	}
}

func TestExecutorPolicyEffectiveTTL(t *testing.T) {
	p := NewExecutorPolicy(0, 600, false)

	if got := p.EffectiveTTL(300); got != 300 {
		t.Errorf("EffectiveTTL(300) = %d, want 300", got)
	}
	if got := p.EffectiveTTL(900); got != 600 {
		t.Errorf("EffectiveTTL(900) = %d, want 600 (capped)", got)
	}
}

func TestEffectiveAccessMode(t *testing.T) {
	if got := EffectiveAccessMode(protocol.AccessReadOnly); got != protocol.AccessReadOnly {
		t.Errorf("EffectiveAccessMode(ro) = %s, want ro", got)
	}
	if got := EffectiveAccessMode(protocol.AccessReadWrite); got != protocol.AccessReadWrite {
		t.Errorf("EffectiveAccessMode(rw) = %s, want rw", got)
	}
}
