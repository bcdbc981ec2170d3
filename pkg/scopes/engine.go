// Package scopes implements the deterministic mapping from upstream
// provider group membership to the gateway's scope set. It is pure: no
// I/O, no clock, same inputs always produce the same output.
package scopes

import "sort"

// SyntheticUserScope is added to every authenticated session regardless
// of group mapping.
const SyntheticUserScope = "user:token"

// SyntheticAdminScope is added when the authenticating username is in
// the configured admin list.
const SyntheticAdminScope = "admin:token"

// Mapping is the deployment's declarative scope -> group-list table
// (configuration key `group_mapping`).
type Mapping map[string][]string

// Derive computes the scope set for a user given their upstream group
// membership, the configured mapping, and whether they are an admin.
// Output ordering is not significant to callers but Derive returns a
// sorted, deduplicated slice for deterministic tests and logging.
func Derive(groups []string, mapping Mapping, isAdmin bool) []string {
	groupSet := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		groupSet[g] = struct{}{}
	}

	result := make(map[string]struct{})
	for scope, mappedGroups := range mapping {
		for _, g := range mappedGroups {
			if _, ok := groupSet[g]; ok {
				result[scope] = struct{}{}
				break
			}
		}
	}

	result[SyntheticUserScope] = struct{}{}
	if isAdmin {
		result[SyntheticAdminScope] = struct{}{}
	}

	out := make([]string, 0, len(result))
	for s := range result {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Satisfy mode for the /auth predicate (§4.7).
type Satisfy string

// Satisfy modes.
const (
	SatisfyAll Satisfy = "all"
	SatisfyAny Satisfy = "any"
)

// Check evaluates whether held satisfies required under mode.
func Check(held []string, required []string, mode Satisfy) bool {
	if len(required) == 0 {
		return true
	}
	heldSet := make(map[string]struct{}, len(held))
	for _, s := range held {
		heldSet[s] = struct{}{}
	}

	switch mode {
	case SatisfyAny:
		for _, req := range required {
			if _, ok := heldSet[req]; ok {
				return true
			}
		}
		return false
	default: // SatisfyAll
		for _, req := range required {
			if _, ok := heldSet[req]; !ok {
				return false
			}
		}
		return true
	}
}

// IsSubset reports whether every scope in child is also present in
// parent — the invariant enforced at token-creation time (data model
// invariant 2) and at mint time (InsufficientScope check, §4.6).
func IsSubset(child, parent []string) bool {
	parentSet := make(map[string]struct{}, len(parent))
	for _, s := range parent {
		parentSet[s] = struct{}{}
	}
	for _, s := range child {
		if _, ok := parentSet[s]; !ok {
			return false
		}
	}
	return true
}
