// Package config loads and validates the signaling hub's configuration
// document: a single JSON file read once at startup and treated as
// immutable for the lifetime of the process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/signalhub/hub/internal/v1/logging"
	"go.uber.org/zap"
)

// AuthMethod enumerates the supported connection authentication schemes.
type AuthMethod string

const (
	AuthMethodNone              AuthMethod = "none"
	AuthMethodToken              AuthMethod = "token"
	AuthMethodEthereumHandshake AuthMethod = "ethereum-handshake"
	// AuthMethodJWT authenticates service/bridge connections (e.g. an
	// operator console or a TURN-adjacent relay) against a JWKS-issued
	// bearer token instead of a wallet signature.
	AuthMethodJWT AuthMethod = "jwt"
)

// FilterType is the kind of an IP filter list entry.
type FilterType string

const (
	FilterWhitelist FilterType = "whitelist"
	FilterBlacklist FilterType = "blacklist"
)

// RoutingMode decides how the router fans a frame out to room members.
type RoutingMode string

const (
	RoutingBroadcast RoutingMode = "broadcast"
	RoutingUnicast   RoutingMode = "unicast"
	RoutingMulticast RoutingMode = "multicast"
)

// RateLimitScope is accepted in configuration but, per the enforcer's
// documented gap, only ScopePerClient is actually distinguished.
type RateLimitScope string

const (
	ScopeGlobal    RateLimitScope = "global"
	ScopePerClient RateLimitScope = "per-client"
	ScopePerRoom   RateLimitScope = "per-room"
	ScopePerIP     RateLimitScope = "per-ip"
)

// ServerConfig is the listener configuration.
type ServerConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	WSPath string `json:"wsPath"`
}

// RoomConfig describes one configured room. The first entry in Rooms is
// the default room used as a join fallback and for auto-join on
// authentication.
type RoomConfig struct {
	ID                  string      `json:"id"`
	RoutingMode         RoutingMode `json:"routingMode"`
	AllowedMessageTypes []string    `json:"allowedMessageTypes,omitempty"`
}

// IPFilterRule is one entry of the ordered ipFilters list.
type IPFilterRule struct {
	Pattern string     `json:"pattern"`
	Type    FilterType `json:"type"`
}

// ConnectionLimits bounds concurrent connections.
// MaxConnectionsPerUser is accepted but unused (documented gap, §9).
type ConnectionLimits struct {
	MaxConnectionsPerIP    int `json:"maxConnectionsPerIP"`
	MaxConnectionsPerRoom  int `json:"maxConnectionsPerRoom"`
	MaxConnectionsPerUser  int `json:"maxConnectionsPerUser"`
	MaxTotalConnections    int `json:"maxTotalConnections"`
	// MaxConnectAttemptsPerMinute bounds upgrade attempts per IP per
	// minute, enforced ahead of MaxConnectionsPerIP (§4.3 connect-rate
	// gate). Zero disables the gate.
	MaxConnectAttemptsPerMinute int `json:"maxConnectAttemptsPerMinute"`
}

// RateLimitRule is one entry of rateLimitRules.
type RateLimitRule struct {
	Enabled      bool           `json:"enabled"`
	MaxMessages  int            `json:"maxMessages"`
	WindowMs     int64          `json:"windowMs"`
	MessageTypes []string       `json:"messageTypes,omitempty"`
	Scope        RateLimitScope `json:"scope,omitempty"`
}

// JWTAuthConfig configures the jwt auth method addition.
type JWTAuthConfig struct {
	IssuerDomain string `json:"issuerDomain"`
	Audience     string `json:"audience"`
}

// AuthConfig controls connection authentication.
type AuthConfig struct {
	Enabled          bool          `json:"enabled"`
	Method           AuthMethod    `json:"method"`
	AllowAnonymous   bool          `json:"allowAnonymous"`
	AnonymousPrefix  string        `json:"anonymousPrefix"`
	HandshakeMessage string        `json:"handshakeMessage"`
	HandshakeExpiry  int64         `json:"handshakeExpiry"`
	JWT              JWTAuthConfig `json:"jwt,omitempty"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// RedisConfig backs the connect-rate limiter's shared store when set.
// Omitted entirely, the limiter falls back to an in-memory store.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
}

// Config is the immutable configuration snapshot loaded at startup.
type Config struct {
	Server           ServerConfig     `json:"server"`
	Rooms            []RoomConfig     `json:"rooms"`
	IPFilters        []IPFilterRule   `json:"ipFilters,omitempty"`
	ConnectionLimits ConnectionLimits `json:"connectionLimits"`
	RateLimitRules   []RateLimitRule  `json:"rateLimitRules,omitempty"`
	Auth             AuthConfig       `json:"auth"`
	Logging          LoggingConfig    `json:"logging"`
	Redis            *RedisConfig     `json:"redis,omitempty"`
}

// DefaultRoom returns the fallback room, or false if none is configured.
func (c *Config) DefaultRoom() (RoomConfig, bool) {
	if len(c.Rooms) == 0 {
		return RoomConfig{}, false
	}
	return c.Rooms[0], true
}

// RoomByID looks up a configured room by id.
func (c *Config) RoomByID(id string) (RoomConfig, bool) {
	for _, r := range c.Rooms {
		if r.ID == id {
			return r, true
		}
	}
	return RoomConfig{}, false
}

// candidatePaths are tried in order when CONFIG_PATH is not set, mirroring
// the tolerant multi-path search the process uses to locate its .env file.
var candidatePaths = []string{"./config.json", "./config/config.json", "/etc/signalhub/config.json"}

// Load reads and validates the configuration document. path, if empty,
// is resolved from CONFIG_PATH or the candidate search list; if no file
// is found the process continues with permissive defaults (auth disabled,
// no rooms, no filters) rather than failing startup.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	paths := candidatePaths
	if path != "" {
		paths = append([]string{path}, candidatePaths...)
	}

	var data []byte
	var loadedFrom string
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err == nil {
			data = b
			loadedFrom = p
			break
		}
	}

	cfg := defaultConfig()
	if data == nil {
		logging.Warn(nil, "no configuration document found, continuing with defaults")
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration document %s: %w", loadedFrom, err)
		}
		logging.Info(nil, "loaded configuration document", zap.String("path", loadedFrom))
	}

	applyEnvOverrides(cfg)

	if errs := validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:   "0.0.0.0",
			Port:   6742,
			WSPath: "/ws",
		},
		ConnectionLimits: ConnectionLimits{
			MaxConnectionsPerIP: 0,
			MaxTotalConnections: 0,
		},
		Auth: AuthConfig{
			Enabled: false,
			Method:  AuthMethodNone,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Server.Port = port
		}
	}
}

func validate(cfg *Config) []string {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port))
	}
	if cfg.Server.WSPath == "" {
		errs = append(errs, "server.wsPath must not be empty")
	}

	seen := make(map[string]bool, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		if r.ID == "" {
			errs = append(errs, "every room must have a non-empty id")
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("duplicate room id %q", r.ID))
		}
		seen[r.ID] = true
	}

	for _, f := range cfg.IPFilters {
		if f.Type != FilterWhitelist && f.Type != FilterBlacklist {
			errs = append(errs, fmt.Sprintf("ipFilters entry %q has invalid type %q", f.Pattern, f.Type))
		}
	}

	for _, n := range []struct {
		name  string
		value int
	}{
		{"connectionLimits.maxConnectionsPerIP", cfg.ConnectionLimits.MaxConnectionsPerIP},
		{"connectionLimits.maxConnectionsPerRoom", cfg.ConnectionLimits.MaxConnectionsPerRoom},
		{"connectionLimits.maxConnectionsPerUser", cfg.ConnectionLimits.MaxConnectionsPerUser},
		{"connectionLimits.maxTotalConnections", cfg.ConnectionLimits.MaxTotalConnections},
		{"connectionLimits.maxConnectAttemptsPerMinute", cfg.ConnectionLimits.MaxConnectAttemptsPerMinute},
	} {
		if n.value < 0 {
			errs = append(errs, fmt.Sprintf("%s must not be negative (got %d)", n.name, n.value))
		}
	}

	for _, rule := range cfg.RateLimitRules {
		if rule.MaxMessages < 0 {
			errs = append(errs, "rateLimitRules entry has negative maxMessages")
		}
		if rule.WindowMs < 0 {
			errs = append(errs, "rateLimitRules entry has negative windowMs")
		}
	}

	switch cfg.Auth.Method {
	case AuthMethodNone, AuthMethodToken, AuthMethodEthereumHandshake, AuthMethodJWT, "":
	default:
		errs = append(errs, fmt.Sprintf("auth.method has unknown value %q", cfg.Auth.Method))
	}

	if cfg.Auth.Method == AuthMethodEthereumHandshake && cfg.Auth.HandshakeExpiry < 0 {
		errs = append(errs, "auth.handshakeExpiry must not be negative")
	}

	if cfg.Auth.Method == AuthMethodJWT {
		if cfg.Auth.JWT.IssuerDomain == "" {
			errs = append(errs, "auth.jwt.issuerDomain is required when auth.method is \"jwt\"")
		}
	}

	return errs
}

// HandshakeExpirySeconds returns the configured handshake expiry with the
// documented default of 300 seconds applied when unset.
func (c *Config) HandshakeExpirySeconds() int64 {
	if c.Auth.HandshakeExpiry > 0 {
		return c.Auth.HandshakeExpiry
	}
	return 300
}
