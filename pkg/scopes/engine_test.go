package scopes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveMapsGroupsToScopes(t *testing.T) {
	mapping := Mapping{
		"exec:admin": {"lsst-sqre-square"},
		"read:all":   {"lsst-sqre-square", "lsst-sqre-data"},
	}

	got := Derive([]string{"lsst-sqre-square"}, mapping, false)
	assert.ElementsMatch(t, []string{"exec:admin", "read:all", SyntheticUserScope}, got)
}

func TestDeriveAlwaysAddsUserToken(t *testing.T) {
	got := Derive(nil, Mapping{}, false)
	assert.Equal(t, []string{SyntheticUserScope}, got)
}

func TestDeriveAddsAdminTokenForAdmins(t *testing.T) {
	got := Derive(nil, Mapping{}, true)
	assert.ElementsMatch(t, []string{SyntheticAdminScope, SyntheticUserScope}, got)
}

func TestDeriveIsPure(t *testing.T) {
	mapping := Mapping{"read:all": {"g1"}}
	a := Derive([]string{"g1"}, mapping, false)
	b := Derive([]string{"g1"}, mapping, false)
	assert.Equal(t, a, b)
}

func TestCheckSatisfyAll(t *testing.T) {
	held := []string{"read:all", "user:token"}
	assert.True(t, Check(held, []string{"read:all"}, SatisfyAll))
	assert.False(t, Check(held, []string{"read:all", "exec:admin"}, SatisfyAll))
}

func TestCheckSatisfyAny(t *testing.T) {
	held := []string{"read:all"}
	assert.True(t, Check(held, []string{"read:all", "exec:admin"}, SatisfyAny))
	assert.False(t, Check(held, []string{"exec:admin"}, SatisfyAny))
}

func TestCheckEmptyRequiredAlwaysSatisfied(t *testing.T) {
	assert.True(t, Check(nil, nil, SatisfyAll))
}

func TestIsSubset(t *testing.T) {
	assert.True(t, IsSubset([]string{"read:all"}, []string{"read:all", "exec:admin"}))
	assert.False(t, IsSubset([]string{"exec:admin"}, []string{"read:all"}))
}

func TestGitHubGroupNameTruncatesAtBoundary(t *testing.T) {
	got := GitHubGroupName("lsst-sqre", "square")
	assert.Equal(t, "lsst-sqre-square", got)
}

func TestGitHubGroupNameTruncatesLongNames(t *testing.T) {
	got := GitHubGroupName("an-extremely-long-organization-login", "a-very-long-team-slug-name")
	assert.LessOrEqual(t, len([]rune(got)), maxGroupNameLength)
	assert.False(t, len(got) > 0 && got[len(got)-1] == '-')
}
