// Package config loads server configuration from the environment.
//
// An optional .env file in the working directory is read first (handy in
// development); real environment variables always win over it. Every key has
// a default except JWT_SECRET.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/code-aura/internal/model"
)

// minSecretLength matches auth.NewTokenService.
const minSecretLength = 16

// OAuthProvider is the client registration for one provider. The URL
// overrides are empty in production; they exist so a staging deployment (or
// a test) can point a provider at a different host.
type OAuthProvider struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
}

// Enabled reports whether the provider is usable: both halves of the client
// registration must be present.
func (p OAuthProvider) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

type Config struct {
	Port    int
	DBPath  string
	BaseURL string // public origin used to build OAuth redirect URLs

	JWTSecret string
	JWTTTL    time.Duration
	JWTIssuer string

	SessionSecret string
	SecureCookies bool

	OAuth        map[model.Provider]OAuthProvider
	OAuthTimeout time.Duration

	RedisURL    string // "" → revocations are kept in SQLite
	BcryptCost  int
	LogLevel    slog.Level
	CORSOrigins []string
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function. Tests pass a map-backed
// lookup instead of mutating the process environment.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}

	cfg := Config{
		Port:   p.getInt("PORT", 8080),
		DBPath: p.getString("DB_PATH", "data/codeaura.db"),

		JWTSecret: getenv("JWT_SECRET"),
		JWTTTL:    p.getDuration("JWT_TTL", 24*time.Hour),
		JWTIssuer: p.getString("JWT_ISSUER", "code-aura"),

		SecureCookies: p.getBool("SECURE_COOKIES", false),

		OAuth:        make(map[model.Provider]OAuthProvider, len(model.Providers)),
		OAuthTimeout: p.getDuration("OAUTH_TIMEOUT", 10*time.Second),

		RedisURL:    getenv("REDIS_URL"),
		BcryptCost:  p.getInt("BCRYPT_COST", 12),
		LogLevel:    p.getLevel("LOG_LEVEL", slog.LevelInfo),
		CORSOrigins: p.getList("CORS_ORIGINS", []string{"*"}),
	}

	cfg.BaseURL = strings.TrimSuffix(p.getString("BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")
	cfg.SessionSecret = p.getString("SESSION_SECRET", cfg.JWTSecret)

	for _, provider := range model.Providers {
		prefix := strings.ToUpper(string(provider)) + "_"
		cfg.OAuth[provider] = OAuthProvider{
			ClientID:     getenv(prefix + "CLIENT_ID"),
			ClientSecret: getenv(prefix + "CLIENT_SECRET"),
			AuthURL:      getenv(prefix + "AUTH_URL"),
			TokenURL:     getenv(prefix + "TOKEN_URL"),
			APIBaseURL:   getenv(prefix + "API_BASE_URL"),
		}
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default.
func (c Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength))
	}
	if len(c.SessionSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least %d characters", minSecretLength))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range", c.Port))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL must be positive"))
	}
	if c.OAuthTimeout <= 0 {
		errs = append(errs, errors.New("OAUTH_TIMEOUT must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// CallbackURL is where provider p redirects the browser after consent. It
// must match the redirect URI registered with the provider.
func (c Config) CallbackURL(p model.Provider) string {
	return c.BaseURL + "/auth/" + string(p) + "/callback"
}

// EnabledProviders lists configured providers in display order.
func (c Config) EnabledProviders() []model.Provider {
	var out []model.Provider
	for _, p := range model.Providers {
		if c.OAuth[p].Enabled() {
			out = append(out, p)
		}
	}
	return out
}

// =========================================================================
// PARSING HELPERS
// =========================================================================

// parser collects every malformed value instead of stopping at the first,
// so a misconfigured deployment reports all its problems at once.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) getString(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) getInt(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (p *parser) getBool(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (p *parser) getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration (e.g. 24h, 90s)", key, v))
		return def
	}
	return d
}

func (p *parser) getLevel(key string, def slog.Level) slog.Level {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a log level (debug, info, warn, error)", key, v))
		return def
	}
	return l
}

func (p *parser) getList(key string, def []string) []string {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
