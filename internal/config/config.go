// Package config handles loading and validation of the gateway configuration.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/laplacelab/lapgw/internal/util"
)

// Identity verification modes.
const (
	// VerifyModeRemote validates provider tokens via the remote
	// introspection endpoint.
	VerifyModeRemote = "remote"

	// VerifyModeLocal validates provider tokens locally against the
	// published JWKS.
	VerifyModeLocal = "local"
)

// Config is the root gateway configuration.
type Config struct {
	Server           ServerConfig        `yaml:"server"`
	Logging          LoggingConfig       `yaml:"logging"`
	Database         DatabaseConfig      `yaml:"database"`
	IdentityProvider IdentityConfig      `yaml:"identityProvider"`
	GatewayToken     GatewayTokenConfig  `yaml:"gatewayToken"`
	PAT              PATConfig           `yaml:"pat"`
	AgentPlatform    AgentPlatformConfig `yaml:"agentPlatform"`
	Proxy            ProxyConfig         `yaml:"proxy"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Address      string   `yaml:"address"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
	IdleTimeout  Duration `yaml:"idleTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DatabaseConfig holds the PostgreSQL connection configuration.
// When Host is empty the gateway falls back to the in-memory store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslMode"`
}

// DSN returns the connection string for the pgx stdlib driver.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password),
		d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// Enabled reports whether a database connection is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// IdentityConfig holds the external identity provider configuration.
type IdentityConfig struct {
	// Endpoint is the provider base URL. The OIDC issuer is derived
	// as <Endpoint>/oidc and the JWKS URL as <Endpoint>/oidc/jwks
	// unless overridden below.
	Endpoint string `yaml:"endpoint"`

	// Mode selects the verification strategy: "remote" or "local".
	Mode string `yaml:"mode"`

	IntrospectionEndpoint string `yaml:"introspectionEndpoint"`
	JWKSEndpoint          string `yaml:"jwksEndpoint"`
	TokenEndpoint         string `yaml:"tokenEndpoint"`

	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`

	// Audience is required for local verification.
	Audience string `yaml:"audience"`

	// ManagementResource is the resource indicator for the
	// management-plane client-credentials grant.
	ManagementResource string `yaml:"managementResource"`

	RequestTimeout Duration `yaml:"requestTimeout"`
}

// Issuer returns the OIDC issuer string derived from the endpoint.
func (c IdentityConfig) Issuer() string {
	if c.Endpoint == "" {
		return ""
	}
	return trimSlash(c.Endpoint) + "/oidc"
}

// JWKSURL returns the JWKS endpoint, derived from the base endpoint
// when not set explicitly.
func (c IdentityConfig) JWKSURL() string {
	if c.JWKSEndpoint != "" {
		return c.JWKSEndpoint
	}
	if c.Endpoint == "" {
		return ""
	}
	return trimSlash(c.Endpoint) + "/oidc/jwks"
}

// TokenURL returns the OIDC token endpoint, derived from the base
// endpoint when not set explicitly.
func (c IdentityConfig) TokenURL() string {
	if c.TokenEndpoint != "" {
		return c.TokenEndpoint
	}
	if c.Endpoint == "" {
		return ""
	}
	return trimSlash(c.Endpoint) + "/oidc/token"
}

// GatewayTokenConfig holds the signing configuration for minted
// gateway tokens.
type GatewayTokenConfig struct {
	Secret    string   `yaml:"secret"`
	Issuer    string   `yaml:"issuer"`
	ExpiresIn Duration `yaml:"expiresIn"`
}

// PATConfig holds personal access token generation settings.
type PATConfig struct {
	// Tag is the human-readable token prefix tag, e.g. "lap" yields
	// tokens of the form lap_<random>.
	Tag string `yaml:"tag"`

	// SecretSize is the number of random characters in the secret.
	SecretSize int `yaml:"secretSize"`

	// PrefixLength is the length of the indexable lookup prefix.
	PrefixLength int `yaml:"prefixLength"`
}

// AgentPlatformConfig holds the agent-platform API configuration.
type AgentPlatformConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	ExchangeTimeout Duration `yaml:"exchangeTimeout"`
	TaskTimeout     Duration `yaml:"taskTimeout"`
}

// ProxyConfig holds the passthrough proxy configuration.
type ProxyConfig struct {
	// TargetBaseURL is the downstream service base URL. When empty the
	// forwarder answers with a diagnostic echo instead of forwarding.
	TargetBaseURL string   `yaml:"targetBaseURL"`
	Timeout       Duration `yaml:"timeout"`
}

// Default timeout values.
const (
	DefaultReadTimeout      = 30 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
	DefaultIdleTimeout      = 120 * time.Second
	DefaultIdentityTimeout  = 10 * time.Second
	DefaultExchangeTimeout  = 30 * time.Second
	DefaultTaskTimeout      = 20 * time.Second
	DefaultProxyTimeout     = 20 * time.Second
	DefaultGatewayTokenTTL  = time.Hour
	DefaultPATSecretSize    = 48
	DefaultPATPrefixLength  = 12
	DefaultPATTag           = "lap"
	DefaultPort             = 8080
	DefaultDatabasePort     = 5432
	DefaultDatabaseSSLMode  = "disable"
)

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDatabasePort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDatabaseSSLMode
	}
	if c.IdentityProvider.Mode == "" {
		c.IdentityProvider.Mode = VerifyModeLocal
	}
	if c.IdentityProvider.RequestTimeout == 0 {
		c.IdentityProvider.RequestTimeout = Duration(DefaultIdentityTimeout)
	}
	if c.GatewayToken.ExpiresIn == 0 {
		c.GatewayToken.ExpiresIn = Duration(DefaultGatewayTokenTTL)
	}
	if c.PAT.Tag == "" {
		c.PAT.Tag = DefaultPATTag
	}
	if c.PAT.SecretSize == 0 {
		c.PAT.SecretSize = DefaultPATSecretSize
	}
	if c.PAT.PrefixLength == 0 {
		c.PAT.PrefixLength = DefaultPATPrefixLength
	}
	if c.AgentPlatform.ExchangeTimeout == 0 {
		c.AgentPlatform.ExchangeTimeout = Duration(DefaultExchangeTimeout)
	}
	if c.AgentPlatform.TaskTimeout == 0 {
		c.AgentPlatform.TaskTimeout = Duration(DefaultTaskTimeout)
	}
	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = Duration(DefaultProxyTimeout)
	}
}

// Validate checks the configuration for missing required values.
func (c *Config) Validate() error {
	if c.GatewayToken.Secret == "" {
		return util.NewConfigError("gatewayToken.secret", "signing secret is required")
	}
	if c.GatewayToken.Issuer == "" {
		return util.NewConfigError("gatewayToken.issuer", "issuer is required")
	}

	switch c.IdentityProvider.Mode {
	case VerifyModeRemote:
		if c.IdentityProvider.IntrospectionEndpoint == "" {
			return util.NewConfigError(
				"identityProvider.introspectionEndpoint",
				"required for remote verification",
			)
		}
	case VerifyModeLocal:
		if c.IdentityProvider.JWKSURL() == "" {
			return util.NewConfigError(
				"identityProvider.jwksEndpoint",
				"endpoint or jwksEndpoint required for local verification",
			)
		}
	default:
		return util.NewConfigError(
			"identityProvider.mode",
			fmt.Sprintf("unknown verification mode %q", c.IdentityProvider.Mode),
		)
	}

	return nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
