package network

import (
	"github.com/stark-io/stark/pkg/stark"
)

// policySnapshot is an immutable view of all network policies, keyed by the
// namespace they live in. A new snapshot is built on every policy change
// and swapped in atomically, so evaluation never takes a lock.
type policySnapshot struct {
	byNamespace map[string][]*stark.NetworkPolicy
}

func newPolicySnapshot(policies []*stark.NetworkPolicy) *policySnapshot {
	snap := &policySnapshot{byNamespace: map[string][]*stark.NetworkPolicy{}}
	for _, p := range policies {
		snap.byNamespace[p.Namespace] = append(snap.byNamespace[p.Namespace], p)
	}
	return snap
}

// Allowed decides whether source may route to target. The precedence is
// deny rules, then allow rules (including the service's own allowlist),
// then default deny. Cross-namespace traffic needs an allow rule in the
// target's namespace. System services are reachable from anywhere, and a
// service can always reach itself.
func (s *policySnapshot) Allowed(source, target *serviceState) (bool, string) {
	if target.visibility == stark.VisibilitySystem {
		return true, ""
	}
	if source.id == target.id {
		return true, ""
	}

	allow := false
	for _, p := range s.byNamespace[target.namespace] {
		if !matchesService(p.TargetService, target.name) || !matchesService(p.SourceService, source.name) {
			continue
		}
		if p.Action == stark.PolicyDeny {
			return false, "denied by policy"
		}
		allow = true
	}
	if allow {
		return true, ""
	}

	if source.namespace == target.namespace {
		for _, name := range target.allowedSources {
			if name == "*" || name == source.name {
				return true, ""
			}
		}
	}
	return false, "default-deny"
}

func matchesService(pattern, name string) bool {
	return pattern == "*" || pattern == name
}
