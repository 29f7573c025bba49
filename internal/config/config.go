package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
)

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Redis struct {
	URL           string `yaml:"url"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
	PoolSize      int    `yaml:"pool_size"`
}

type Auth struct {
	JWTSecret     string `yaml:"jwt_secret"`
	JWTSecretFile string `yaml:"jwt_secret_file"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	TokenTTLMin   int    `yaml:"token_ttl_min"`
}

// Policy is the YAML form of a ratelimit.Policy. The header flags default
// to true when omitted.
type Policy struct {
	Capacity      int     `yaml:"capacity"`
	RefillRate    float64 `yaml:"refill_rate"`
	Priority      int     `yaml:"priority"`
	SetHeaders    *bool   `yaml:"set_headers"`
	Set429Headers *bool   `yaml:"set_429_headers"`
}

type HeaderNames struct {
	Limit      string `yaml:"limit"`
	Remaining  string `yaml:"remaining"`
	Reset      string `yaml:"reset"`
	ResetAfter string `yaml:"reset_after"`
	Bucket     string `yaml:"bucket"`
	Scope      string `yaml:"scope"`
	Global     string `yaml:"global"`
}

type RateLimit struct {
	Store               string      `yaml:"store"` // "redis" or "memory"
	StoreKey            string      `yaml:"store_key"`
	AuthorizationHeader string      `yaml:"authorization_header_key"`
	Headers             HeaderNames `yaml:"headers"`
	ExcludePaths        []string    `yaml:"exclude_paths"`

	// Hex encoded; the *_file variants name a file holding the hex string.
	EncryptionKey       string `yaml:"encryption_key"`
	EncryptionKeyFile   string `yaml:"encryption_key_file"`
	EncryptionNonce     string `yaml:"encryption_nonce"`
	EncryptionNonceFile string `yaml:"encryption_nonce_file"`

	GlobalLimits []Policy `yaml:"global_limits"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Redis         Redis         `yaml:"redis"`
	Auth          Auth          `yaml:"auth"`
	RateLimit     RateLimit     `yaml:"rate_limit"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (r Redis) DialTimeout() time.Duration {
	if r.DialTimeoutMS == 0 {
		return 2 * time.Second
	}
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

func (a Auth) TokenTTL() time.Duration {
	if a.TokenTTLMin == 0 {
		return time.Hour
	}
	return time.Duration(a.TokenTTLMin) * time.Minute
}

// Secret returns the HMAC key used to verify access tokens.
func (a Auth) Secret() ([]byte, error) {
	s, err := inlineOrFile(a.JWTSecret, a.JWTSecretFile)
	if err != nil {
		return nil, fmt.Errorf("config: jwt secret: %w", err)
	}
	if s == "" {
		return nil, errors.New("config: jwt secret is not set")
	}
	return []byte(s), nil
}

func (p Policy) Policy() ratelimit.Policy {
	opts := []ratelimit.PolicyOption{ratelimit.WithPriority(p.Priority)}
	if p.SetHeaders != nil {
		opts = append(opts, ratelimit.WithHeaders(*p.SetHeaders))
	}
	if p.Set429Headers != nil {
		opts = append(opts, ratelimit.With429Headers(*p.Set429Headers))
	}
	return ratelimit.NewPolicy(p.Capacity, p.RefillRate, opts...)
}

func (r RateLimit) Policies() []ratelimit.Policy {
	out := make([]ratelimit.Policy, 0, len(r.GlobalLimits))
	for _, p := range r.GlobalLimits {
		out = append(out, p.Policy())
	}
	return out
}

func (h HeaderNames) Names() ratelimit.HeaderNames {
	return ratelimit.HeaderNames{
		Limit:      h.Limit,
		Remaining:  h.Remaining,
		Reset:      h.Reset,
		ResetAfter: h.ResetAfter,
		Bucket:     h.Bucket,
		Scope:      h.Scope,
		Global:     h.Global,
	}
}

// Secrets decodes the bucket id encryption key and nonce.
func (r RateLimit) Secrets() (key, nonce []byte, err error) {
	key, err = hexSecret("encryption key", r.EncryptionKey, r.EncryptionKeyFile)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = hexSecret("encryption nonce", r.EncryptionNonce, r.EncryptionNonceFile)
	if err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

func hexSecret(name, inline, file string) ([]byte, error) {
	s, err := inlineOrFile(inline, file)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", name, err)
	}
	if s == "" {
		return nil, fmt.Errorf("config: %s is not set", name)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", name, err)
	}
	return b, nil
}

func inlineOrFile(inline, file string) (string, error) {
	if inline != "" || file == "" {
		return strings.TrimSpace(inline), nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}

	rl := &cfg.RateLimit
	if rl.Store == "" {
		rl.Store = StoreRedis
	}
	if rl.StoreKey == "" {
		rl.StoreKey = "rate_limit"
	}
	if rl.AuthorizationHeader == "" {
		rl.AuthorizationHeader = ratelimit.DefaultAuthorizationHeader
	}
	// An explicit empty list disables global limits.
	if rl.GlobalLimits == nil {
		off := false
		rl.GlobalLimits = []Policy{{Capacity: 50, RefillRate: 50, SetHeaders: &off}}
	}
}

func (cfg *Root) Validate() error {
	var errs []error

	switch cfg.RateLimit.Store {
	case StoreRedis, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.store: unknown backend %q", cfg.RateLimit.Store))
	}
	for i, p := range cfg.RateLimit.GlobalLimits {
		if err := p.Policy().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rate_limit.global_limits[%d]: %w", i, err))
		}
	}
	for _, pat := range cfg.RateLimit.ExcludePaths {
		if _, err := regexp.Compile(pat); err != nil {
			errs = append(errs, fmt.Errorf("rate_limit.exclude_paths: %w", err))
		}
	}
	if !strings.HasPrefix(cfg.Observability.PrometheusPath, "/") {
		errs = append(errs, errors.New("observability.prometheus_path: must start with /"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
