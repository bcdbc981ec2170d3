package login

import (
	"context"
	"errors"
	"net"

	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
	"golang.org/x/time/rate"

	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/retry"
	"github.com/lsst-dm/jwt-authorizer/pkg/scopes"
)

// isTransientGitHubError reports whether err is a network-level failure
// worth retrying. It deliberately does not special-case GitHub's HTTP
// error body (rate limits, 5xx) since those are surfaced as plain
// *github.ErrorResponse values without a reliable class to branch on
// here; a network timeout or connection reset is the case retrying
// actually helps with.
func isTransientGitHubError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// GitHubConfig is the deployment's GitHub OAuth App configuration
// (configuration keys `github.client_id`, `github.client_secret_file`).
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// GitHubProvider drives the GitHub half of the login state machine:
// authorization-code exchange, then /user, /user/emails, and team
// membership lookups to build an Identity.
type GitHubProvider struct {
	oauthConfig *oauth2.Config
	rateLimiter *rate.Limiter
}

// NewGitHubProvider builds a GitHubProvider. scopes requested from GitHub
// are fixed: read:user and read:org are all the gateway ever needs to
// derive identity and team membership.
func NewGitHubProvider(cfg GitHubConfig) *GitHubProvider {
	return &GitHubProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user", "read:org"},
			Endpoint:     githuboauth.Endpoint,
		},
		// GitHub allows 5,000 req/hr per installation; 20 req/s with a
		// burst of 40 keeps this gateway well under that even at peak
		// concurrent logins.
		rateLimiter: rate.NewLimiter(20, 40),
	}
}

func (*GitHubProvider) Name() string { return "github" }

func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (p *GitHubProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return nil, httperr.Wrap(httperr.KindProviderError, "rate limited waiting to contact GitHub", err)
	}

	oauthToken, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindProviderError, "GitHub code exchange failed", err)
	}

	httpClient := p.oauthConfig.Client(ctx, oauthToken)
	client := github.NewClient(httpClient)

	user, err := retry.Do(ctx, isTransientGitHubError, func() (*github.User, error) {
		u, _, err := client.Users.Get(ctx, "")
		return u, err
	})
	if err != nil {
		return nil, httperr.Wrap(httperr.KindProviderError, "fetching GitHub user failed", err)
	}

	email, err := primaryVerifiedEmail(ctx, client)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindProviderError, "fetching GitHub user emails failed", err)
	}

	groups, err := teamGroups(ctx, client)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindProviderError, "fetching GitHub team memberships failed", err)
	}

	return &Identity{
		Username: user.GetLogin(),
		Email:    email,
		Groups:   groups,
	}, nil
}

func primaryVerifiedEmail(ctx context.Context, client *github.Client) (string, error) {
	emails, err := retry.Do(ctx, isTransientGitHubError, func() ([]*github.UserEmail, error) {
		e, _, err := client.Users.ListEmails(ctx, nil)
		return e, err
	})
	if err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.GetPrimary() && e.GetVerified() {
			return e.GetEmail(), nil
		}
	}
	return "", nil
}

// teamGroups lists every team the user belongs to across all
// organizations and synthesizes the `<org>-<team>` group name for each
// (spec.md §4.3).
func teamGroups(ctx context.Context, client *github.Client) ([]string, error) {
	var groups []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		type page struct {
			teams []*github.Team
			resp  *github.Response
		}
		pg, err := retry.Do(ctx, isTransientGitHubError, func() (page, error) {
			teams, resp, err := client.Teams.ListUserTeams(ctx, opts)
			return page{teams: teams, resp: resp}, err
		})
		if err != nil {
			return nil, err
		}
		teams, resp := pg.teams, pg.resp
		for _, team := range teams {
			org := team.GetOrganization().GetLogin()
			groups = append(groups, scopes.GitHubGroupName(org, team.GetSlug()))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return groups, nil
}
