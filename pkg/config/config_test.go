package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
realm: example.org
session_secret_file: /etc/gafaelfawr/session-secret
database_url: postgres://localhost/gafaelfawr
redis_url: redis://localhost:6379/0
proxies:
  - 10.0.0.0/8
initial_admins:
  - alice
bootstrap_token: gt-bootstrap.secret
known_scopes:
  read:all: read access to everything
group_mapping:
  read:all: [employees]
issuer:
  iss: https://gafaelfawr.example.org
  aud:
    default: https://example.org
  key_id: k1
  key_file: /etc/gafaelfawr/signing-key.pem
  exp_minutes: 30
github:
  client_id: abc123
  client_secret_file: /etc/gafaelfawr/github-secret
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gafaelfawr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "example.org", cfg.Realm)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Proxies)
	assert.Equal(t, 30, cfg.Issuer.ExpiresInMinutes)
	assert.Equal(t, "https://example.org", cfg.Issuer.InternalAudience())
	require.NotNil(t, cfg.GitHub)
	assert.Nil(t, cfg.OIDC)
}

func TestIssuerInternalAudienceFallsBackToDefault(t *testing.T) {
	issuer := IssuerConfig{Audience: AudienceConfig{Default: "https://example.org"}}
	assert.Equal(t, "https://example.org", issuer.InternalAudience())

	issuer.Audience.Internal = "https://internal.example.org"
	assert.Equal(t, "https://internal.example.org", issuer.InternalAudience())
}

func TestValidateRejectsBothProviders(t *testing.T) {
	path := writeConfig(t, validYAML+"\noidc:\n  client_id: x\n  client_secret_file: /f\n  issuer: https://idp.example.org\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestValidateRejectsNoProvider(t *testing.T) {
	noProvider := `
realm: example.org
session_secret_file: /etc/gafaelfawr/session-secret
database_url: postgres://localhost/gafaelfawr
redis_url: redis://localhost:6379/0
issuer:
  iss: https://gafaelfawr.example.org
  aud:
    default: https://example.org
  key_id: k1
  key_file: /etc/gafaelfawr/signing-key.pem
`
	path := writeConfig(t, noProvider)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of github or oidc")
}

func TestValidateRejectsInvalidProxyCIDR(t *testing.T) {
	path := writeConfig(t, validYAML+"\nproxies:\n  - not-a-cidr\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid CIDR")
}

func TestValidateRejectsMissingRequiredKeys(t *testing.T) {
	path := writeConfig(t, "realm: example.org\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestDumpRoundTripsThroughYAML(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(out), "realm: example.org")
	assert.Contains(t, string(out), "client_secret_file: /etc/gafaelfawr/github-secret")
}

func TestReadSecretFileTrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(path, []byte("s3cr3t\n"), 0o600))

	got, err := ReadSecretFile(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got)
}
