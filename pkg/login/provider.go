// Package login implements the upstream OAuth2/GitHub and OIDC login
// state machine: authorize-redirect, code exchange, identity and group
// derivation, and the resulting session cookie (spec.md §4.4).
package login

import "context"

// Identity is what a Provider resolves an authorization code down to.
// Groups are provider-native group names (already in the form the scope
// engine's mapping table expects — see pkg/scopes.GitHubGroupName for
// how the GitHub provider synthesizes them from org/team pairs).
type Identity struct {
	Username string
	Email    string
	Groups   []string
}

// Provider is an upstream identity provider the login state machine
// drives through the authorization-code flow.
type Provider interface {
	// Name identifies the provider for logging and the WWW-Authenticate
	// realm.
	Name() string

	// AuthCodeURL returns the provider's authorize endpoint URL carrying
	// state and the configured redirect_uri.
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for the caller's identity.
	Exchange(ctx context.Context, code string) (*Identity, error)
}
