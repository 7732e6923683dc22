package config

import (
	"strings"

	"go.uber.org/zap"
)

const defaultTwoFactorSigningKey = "change-me-in-production-32bytes!"

// ProductionWarnings returns the insecure settings found in the configuration
func (c *Config) ProductionWarnings() []string {
	var warnings []string

	if c.TwoFactor.Enabled && c.TwoFactor.SigningKey == defaultTwoFactorSigningKey {
		warnings = append(warnings, "two_factor.signing_key is the built-in default")
	}
	if !c.TwoFactor.Enabled {
		warnings = append(warnings, "two-factor authentication is disabled")
	}
	if !c.TLS.Enabled {
		warnings = append(warnings, "HTTP listener is not using TLS; basic auth credentials travel in clear text")
	}
	if !c.Session.Secure {
		warnings = append(warnings, "session cookies are not marked Secure")
	}
	if c.LDAP.Enabled && c.LDAP.SkipTLSVerify {
		warnings = append(warnings, "ldap.skip_tls_verify is enabled")
	}
	if c.LDAP.Enabled && !c.LDAP.UseTLS && !c.LDAP.StartTLS {
		warnings = append(warnings, "ldap connection is unencrypted; passwords are pushed in clear text")
	}
	if c.Keycloak.Enabled && strings.HasPrefix(c.Keycloak.BaseURL, "http://") {
		warnings = append(warnings, "keycloak.base_url is not https")
	}
	if c.StoreBackend == "memory" {
		warnings = append(warnings, "memory store loses all users on restart")
	}

	return warnings
}

// LogSecurityWarnings logs actionable security warnings when running in
// production with insecure defaults. Call this at service startup after
// configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}
