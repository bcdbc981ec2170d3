package login

import (
	"context"
	"errors"
	"net"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/retry"
)

// isTransientDiscoveryError reports whether err is a network-level
// failure worth retrying discovery against. Discovery runs once at
// startup, so only genuine connectivity failures are worth a retry;
// a malformed or unreachable-by-config issuer should fail fast.
func isTransientDiscoveryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// OIDCConfig is the deployment's generic OIDC provider configuration
// (configuration keys `oidc.issuer`, `oidc.client_id`,
// `oidc.client_secret_file`, `oidc.redirect_url`, `oidc.groups_claim`).
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// GroupsClaim names the ID token claim carrying group membership.
	// Defaults to "groups" if empty.
	GroupsClaim string
	Scopes      []string
}

// OIDCProvider drives the generic OIDC half of the login state machine:
// discovery happened once at startup (NewOIDCProvider), then per-login
// it exchanges a code and verifies the returned ID token's issuer,
// audience, and signature against the provider's published JWKS.
type OIDCProvider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	groupsClaim string
}

// NewOIDCProvider performs OIDC discovery against cfg.Issuer and builds a
// Provider ready to drive logins. Discovery failure at startup is a
// configuration error: the gateway should not start serving `/login`
// against a provider it could not resolve.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	provider, err := retry.Do(ctx, isTransientDiscoveryError, func() (*oidc.Provider, error) {
		return oidc.NewProvider(ctx, cfg.Issuer)
	})
	if err != nil {
		return nil, httperr.Wrap(httperr.KindConfigError, "OIDC discovery failed", err)
	}

	requestScopes := cfg.Scopes
	if len(requestScopes) == 0 {
		requestScopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	groupsClaim := cfg.GroupsClaim
	if groupsClaim == "" {
		groupsClaim = "groups"
	}

	return &OIDCProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       requestScopes,
		},
		verifier:    provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		groupsClaim: groupsClaim,
	}, nil
}

func (*OIDCProvider) Name() string { return "oidc" }

func (p *OIDCProvider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	oauthToken, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindProviderError, "OIDC code exchange failed", err)
	}

	rawIDToken, ok := oauthToken.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, httperr.New(httperr.KindProviderError, "OIDC token response carried no id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindProviderError, "OIDC ID token verification failed", err)
	}

	var claims struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, httperr.Wrap(httperr.KindProviderError, "OIDC claims decode failed", err)
	}

	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, httperr.Wrap(httperr.KindProviderError, "OIDC claims decode failed", err)
	}

	return &Identity{
		Username: claims.Subject,
		Email:    claims.Email,
		Groups:   stringsClaim(raw[p.groupsClaim]),
	}, nil
}

// stringsClaim coerces a decoded JSON claim value into a string slice.
// OIDC providers vary in whether a groups claim is an array or a single
// string; both are accepted.
func stringsClaim(v any) []string {
	switch vv := v.(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{vv}
	default:
		return nil
	}
}
