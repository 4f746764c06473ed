package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validConfig = `{
  "apiBaseURL": "https://api.example.test/v1",
  "tokenURL": "https://auth.example.test/token",
  "tenants": [
    {"id": "yokohama", "name": "Yokohama", "clientId": "yk-client", "clientSecret": "yk-secret"},
    {"id": "mito", "clientId": "mt-client", "clientSecretEnv": "CLINICSYNC_TEST_MITO_SECRET"}
  ]
}`

func lookup(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func TestParseResolvesSecretsAndDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(validConfig), lookup(map[string]string{"CLINICSYNC_TEST_MITO_SECRET": "mt-secret"}))
	require.NoError(t, err)

	require.Equal(t, DefaultTimezone, cfg.Timezone)
	require.Equal(t, "Asia/Tokyo", cfg.Location().String())
	require.Equal(t, []string{"yokohama", "mito"}, cfg.TenantIDs())

	creds := cfg.Credentials()
	require.Len(t, creds, 2)
	require.Equal(t, "yk-secret", creds[0].ClientSecret)
	require.Equal(t, "mt-secret", creds[1].ClientSecret)
	require.Equal(t, "mt-client", creds[1].ClientID)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	env := lookup(map[string]string{"CLINICSYNC_TEST_MITO_SECRET": "mt-secret"})
	cases := map[string]string{
		"not json":        `{`,
		"missing tenants": `{"apiBaseURL": "https://a.test", "tokenURL": "https://a.test/token"}`,
		"empty tenants":   `{"apiBaseURL": "https://a.test", "tokenURL": "https://a.test/token", "tenants": []}`,
		"bad url":         `{"apiBaseURL": "ftp://a.test", "tokenURL": "https://a.test/token", "tenants": [{"id": "a", "clientId": "c", "clientSecret": "s"}]}`,
		"both secrets":    `{"apiBaseURL": "https://a.test", "tokenURL": "https://a.test/token", "tenants": [{"id": "a", "clientId": "c", "clientSecret": "s", "clientSecretEnv": "X"}]}`,
		"no secret":       `{"apiBaseURL": "https://a.test", "tokenURL": "https://a.test/token", "tenants": [{"id": "a", "clientId": "c"}]}`,
		"unknown field":   `{"apiBaseURL": "https://a.test", "tokenURL": "https://a.test/token", "extra": 1, "tenants": [{"id": "a", "clientId": "c", "clientSecret": "s"}]}`,
		"bad tenant id":   `{"apiBaseURL": "https://a.test", "tokenURL": "https://a.test/token", "tenants": [{"id": "Bad Id", "clientId": "c", "clientSecret": "s"}]}`,
		"duplicate id":    `{"apiBaseURL": "https://a.test", "tokenURL": "https://a.test/token", "tenants": [{"id": "a", "clientId": "c", "clientSecret": "s"}, {"id": "a", "clientId": "d", "clientSecret": "t"}]}`,
		"bad timezone":    `{"apiBaseURL": "https://a.test", "tokenURL": "https://a.test/token", "timezone": "Mars/Olympus", "tenants": [{"id": "a", "clientId": "c", "clientSecret": "s"}]}`,
		"unset env":       `{"apiBaseURL": "https://a.test", "tokenURL": "https://a.test/token", "tenants": [{"id": "a", "clientId": "c", "clientSecretEnv": "CLINICSYNC_TEST_UNSET"}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc), env)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.json")
	doc := `{
  "apiBaseURL": "https://api.example.test/v1",
  "tokenURL": "https://auth.example.test/token",
  "timezone": "UTC",
  "tenants": [{"id": "ginza", "clientId": "gz", "clientSecretEnv": "CLINICSYNC_TEST_GINZA_SECRET"}]
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("CLINICSYNC_TEST_GINZA_SECRET", "gz-secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, time.UTC, cfg.Location())
	require.Equal(t, "gz-secret", cfg.Credentials()[0].ClientSecret)

	_, err = Load(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrInvalidConfig))
}
