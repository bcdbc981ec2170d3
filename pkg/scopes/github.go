package scopes

import "strings"

// maxGroupNameLength is the boundary at which a synthesized GitHub
// `<org>-<team>` group name is truncated. GitHub org logins are capped at
// 39 characters and team slugs at 100, but the group name handed to the
// mapping table is truncated much tighter than either: 32 characters,
// matching the limit GitHub itself enforces on OAuth/SAML team-sync group
// names, so a group produced here is always safe to round-trip through
// GitHub's own team-sync APIs if a deployment later introduces one.
const maxGroupNameLength = 32

// GitHubGroupName synthesizes the group name the scope engine's mapping
// table matches against, for a user who belongs to team within org.
// GitHub "groups" don't exist as a first-class concept — the gateway
// synthesizes one group per (org, team) pair the user belongs to.
func GitHubGroupName(org, team string) string {
	name := org + "-" + team
	return truncateAtBoundary(name, maxGroupNameLength)
}

// truncateAtBoundary truncates s to at most n characters without
// splitting a multi-byte rune, and without leaving a dangling trailing
// hyphen where one happens to land on the cut.
func truncateAtBoundary(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := runes[:n]
	return strings.TrimRight(string(cut), "-")
}
