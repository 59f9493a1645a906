package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"prod": environmentProduction,
	"stag": environmentStaging,
	"dev":  environmentDevelopment,
}

// AppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath selects an environment specific configuration
// file (config-production.yml next to config.yml) when one exists for
// the current environment.
func resolveEnvSpecificPath(path string) string {
	env := AppEnvironment()
	if env == environmentDevelopment {
		return path
	}
	ext := filepath.Ext(path)
	candidate := strings.TrimSuffix(path, ext) + "-" + env + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}

// ResolveCredentials reads the account's API credentials from the
// environment variables named in its configuration. Key and secret are
// mandatory; the passphrase only when a variable name was configured.
func (a AccountConfig) ResolveCredentials() (apiKey, apiSecret, passphrase string, err error) {
	keyEnv := a.APIKeyEnv
	if keyEnv == "" {
		keyEnv = fmt.Sprintf("%s_%s_API_KEY", strings.ToUpper(a.UserID), strings.ToUpper(a.Exchange))
	}
	secretEnv := a.APISecretEnv
	if secretEnv == "" {
		secretEnv = fmt.Sprintf("%s_%s_API_SECRET", strings.ToUpper(a.UserID), strings.ToUpper(a.Exchange))
	}

	apiKey = strings.TrimSpace(os.Getenv(keyEnv))
	apiSecret = strings.TrimSpace(os.Getenv(secretEnv))
	if apiKey == "" || apiSecret == "" {
		return "", "", "", fmt.Errorf("missing credentials for %s/%s: set %s and %s", a.UserID, a.Exchange, keyEnv, secretEnv)
	}

	if a.PassphraseEnv != "" {
		passphrase = strings.TrimSpace(os.Getenv(a.PassphraseEnv))
		if passphrase == "" {
			return "", "", "", fmt.Errorf("missing passphrase for %s/%s: set %s", a.UserID, a.Exchange, a.PassphraseEnv)
		}
	}
	return apiKey, apiSecret, passphrase, nil
}
