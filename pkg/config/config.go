// Package config loads and validates the gateway's deployment
// configuration (spec.md §6): a single YAML document read through
// viper, unmarshaled into a typed Config, with secret values read from
// the files their *_file keys point at rather than embedded inline.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// AudienceConfig names the `aud` claim(s) the issuer accepts. Deployments
// that mint only one kind of token set Default and leave Internal empty,
// which IssuerConfig.InternalAudience treats as "same as Default".
type AudienceConfig struct {
	Default  string `mapstructure:"default" yaml:"default"`
	Internal string `mapstructure:"internal" yaml:"internal,omitempty"`
}

// IssuerConfig configures the internal JWT signer (§4.6) and the
// audiences it is allowed to mint for.
type IssuerConfig struct {
	Issuer           string         `mapstructure:"iss" yaml:"iss"`
	Audience         AudienceConfig `mapstructure:"aud" yaml:"aud"`
	KeyID            string         `mapstructure:"key_id" yaml:"key_id"`
	KeyFile          string         `mapstructure:"key_file" yaml:"key_file"`
	ExpiresInMinutes int            `mapstructure:"exp_minutes" yaml:"exp_minutes"`
}

// InternalAudience returns the audience minted internal JWTs should
// carry, falling back to the default audience when no internal-specific
// value is configured.
func (c *IssuerConfig) InternalAudience() string {
	if c.Audience.Internal != "" {
		return c.Audience.Internal
	}
	return c.Audience.Default
}

// GitHubConfig configures the GitHub OAuth App login provider.
// Mutually exclusive with OIDCConfig. ClientSecretFile is a path, never
// the secret itself, so it is safe to include in a config dump.
type GitHubConfig struct {
	ClientID         string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecretFile string `mapstructure:"client_secret_file" yaml:"client_secret_file"`
}

// OIDCConfig configures a generic OIDC login provider. Mutually
// exclusive with GitHubConfig.
type OIDCConfig struct {
	ClientID         string            `mapstructure:"client_id" yaml:"client_id"`
	ClientSecretFile string            `mapstructure:"client_secret_file" yaml:"client_secret_file"`
	LoginURL         string            `mapstructure:"login_url" yaml:"login_url,omitempty"`
	TokenURL         string            `mapstructure:"token_url" yaml:"token_url,omitempty"`
	RedirectURL      string            `mapstructure:"redirect_url" yaml:"redirect_url,omitempty"`
	Scopes           []string          `mapstructure:"scopes" yaml:"scopes,omitempty"`
	Issuer           string            `mapstructure:"issuer" yaml:"issuer"`
	Audience         string            `mapstructure:"audience" yaml:"audience,omitempty"`
	LoginParams      map[string]string `mapstructure:"login_params" yaml:"login_params,omitempty"`
}

// KubernetesConfig configures the optional service-secret projection
// for in-cluster notebook/internal token consumers.
type KubernetesConfig struct {
	ServiceSecrets []string `mapstructure:"service_secrets" yaml:"service_secrets,omitempty"`
}

// Config is the full set of recognized configuration keys (spec.md §6).
type Config struct {
	Realm             string              `mapstructure:"realm" yaml:"realm"`
	SessionSecretFile string              `mapstructure:"session_secret_file" yaml:"session_secret_file"`
	DatabaseURL       string              `mapstructure:"database_url" yaml:"database_url"`
	RedisURL          string              `mapstructure:"redis_url" yaml:"redis_url"`
	AfterLogoutURL    string              `mapstructure:"after_logout_url" yaml:"after_logout_url"`
	Proxies           []string            `mapstructure:"proxies" yaml:"proxies,omitempty"`
	InitialAdmins     []string            `mapstructure:"initial_admins" yaml:"initial_admins,omitempty"`
	BootstrapToken    string              `mapstructure:"bootstrap_token" yaml:"bootstrap_token,omitempty"`
	KnownScopes       map[string]string   `mapstructure:"known_scopes" yaml:"known_scopes,omitempty"`
	GroupMapping      map[string][]string `mapstructure:"group_mapping" yaml:"group_mapping,omitempty"`

	// SessionLifetimeMinutes bounds session tokens and their cookie's
	// Max-Age (spec.md §3 invariant 3, §4.1, §4.5); spec.md §6 names the
	// concept ("the configured session lifetime") without naming a key,
	// so this is an ADDED key rather than a spec.md literal.
	SessionLifetimeMinutes int `mapstructure:"session_lifetime_minutes" yaml:"session_lifetime_minutes"`

	Issuer     IssuerConfig      `mapstructure:"issuer" yaml:"issuer"`
	GitHub     *GitHubConfig     `mapstructure:"github" yaml:"github,omitempty"`
	OIDC       *OIDCConfig       `mapstructure:"oidc" yaml:"oidc,omitempty"`
	Kubernetes *KubernetesConfig `mapstructure:"kubernetes" yaml:"kubernetes,omitempty"`
}

// Dump renders the effective, fully-resolved configuration as YAML, for
// operators to confirm what a deployment actually loaded (defaults
// included) without grepping multiple override sources. Secret values
// themselves are never part of Config — only the *_file paths pointing
// at them — so the dump is safe to paste into a bug report.
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// Load reads configuration from path (or the search locations below if
// path is empty), applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gafaelfawr")
		v.AddConfigPath("/etc/gafaelfawr")
		v.AddConfigPath(".")
	}

	v.SetDefault("realm", "gafaelfawr")
	v.SetDefault("issuer.exp_minutes", 15)
	v.SetDefault("after_logout_url", "/")
	v.SetDefault("session_lifetime_minutes", 1440)

	v.SetEnvPrefix("GAFAELFAWR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants spec.md §6 implies but viper cannot
// enforce on its own: required keys, provider exclusivity, and that
// every proxies entry parses as a CIDR.
func (c *Config) Validate() error {
	if c.Realm == "" {
		return fmt.Errorf("realm is required")
	}
	if c.SessionSecretFile == "" {
		return fmt.Errorf("session_secret_file is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}
	if c.Issuer.Issuer == "" || c.Issuer.KeyID == "" || c.Issuer.KeyFile == "" || c.Issuer.Audience.Default == "" {
		return fmt.Errorf("issuer.iss, issuer.key_id, issuer.key_file, and issuer.aud.default are required")
	}

	if c.GitHub != nil && c.OIDC != nil {
		return fmt.Errorf("github and oidc login providers are mutually exclusive")
	}
	if c.GitHub == nil && c.OIDC == nil {
		return fmt.Errorf("exactly one of github or oidc must be configured")
	}
	if c.GitHub != nil && (c.GitHub.ClientID == "" || c.GitHub.ClientSecretFile == "") {
		return fmt.Errorf("github.client_id and github.client_secret_file are required")
	}
	if c.OIDC != nil && (c.OIDC.ClientID == "" || c.OIDC.ClientSecretFile == "" || c.OIDC.Issuer == "") {
		return fmt.Errorf("oidc.client_id, oidc.client_secret_file, and oidc.issuer are required")
	}

	for _, cidr := range c.Proxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("proxies entry %q is not a valid CIDR: %w", cidr, err)
		}
	}

	return nil
}

// ExpiresIn returns the issuer's configured token lifetime as a
// time.Duration.
func (c *IssuerConfig) ExpiresIn() time.Duration {
	return time.Duration(c.ExpiresInMinutes) * time.Minute
}

// SessionLifetime returns the configured session token/cookie lifetime
// as a time.Duration.
func (c *Config) SessionLifetime() time.Duration {
	return time.Duration(c.SessionLifetimeMinutes) * time.Minute
}

// ReadSecretFile reads and trims a secret from the file at path. Secrets
// are never placed inline in YAML (spec.md §6's *_file key convention);
// this is the single place that indirection is resolved.
func ReadSecretFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file %s: %w", path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}
