package admission

import (
	"sync"

	"github.com/cuemby/awcp/pkg/protocol"
)

// ExecutorPolicy enforces the executor-side INVITE acceptance policy: a
// concurrency cap on active assignments and a ceiling on requested lease
// TTL. It mirrors Controller's check shape — checks against configured
// limits and a mutex-guarded count of active assignments, returning a
// protocol.Error rather than panicking or logging and moving on.
type ExecutorPolicy struct {
	MaxConcurrent int
	MaxTTLSeconds int
	RequireAuth   bool

	mu     sync.Mutex
	active int
}

// NewExecutorPolicy builds a policy with the given limits.
func NewExecutorPolicy(maxConcurrent, maxTTLSeconds int, requireAuth bool) *ExecutorPolicy {
	return &ExecutorPolicy{MaxConcurrent: maxConcurrent, MaxTTLSeconds: maxTTLSeconds, RequireAuth: requireAuth}
}

// Admit evaluates an INVITE against the policy. On acceptance it reserves a
// concurrency slot; callers must call Release when the corresponding
// assignment reaches a terminal state.
func (p *ExecutorPolicy) Admit(invite *protocol.Invite) error {
	if p.RequireAuth && invite.Auth == nil {
		return protocol.NewError(protocol.ErrDeclined, "invite carries no credential", "auth is required by this executor's policy")
	}
	if p.MaxTTLSeconds > 0 && invite.Lease.TTLSeconds > p.MaxTTLSeconds {
		return protocol.NewError(protocol.ErrDeclined,
			"requested ttl exceeds executor policy",
			"lower ttlSeconds or raise the executor's maxTtlSeconds")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MaxConcurrent > 0 && p.active >= p.MaxConcurrent {
		return protocol.NewError(protocol.ErrDeclined, "executor at max concurrent assignments", "retry later")
	}
	p.active++
	return nil
}

// Release frees a concurrency slot reserved by a prior Admit call. Safe to
// call more than once; extra calls are clamped at zero rather than going
// negative.
func (p *ExecutorPolicy) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active > 0 {
		p.active--
	}
}

// EffectiveTTL caps requested against the policy ceiling, used when
// constructing ExecutorConstraints for ACCEPT.
func (p *ExecutorPolicy) EffectiveTTL(requested int) int {
	if p.MaxTTLSeconds > 0 && requested > p.MaxTTLSeconds {
		return p.MaxTTLSeconds
	}
	return requested
}

// EffectiveAccessMode caps the accepted access mode at the requested one —
// the executor never grants more than asked (ro stays ro; rw may be
// downgraded to ro by a future policy hook, but never upgraded).
func EffectiveAccessMode(requested protocol.AccessMode) protocol.AccessMode {
	return requested
}
