package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Config is the full snapshot consumed by the decision engine, the auth gate and the proxy.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Origin   OriginConfig   `koanf:"origin"`
	Cache    CacheConfig    `koanf:"cache"`
	AuthGate AuthGateConfig `koanf:"authGate"`

	// Sources lists the files that contributed to this snapshot, in load order.
	Sources []string `koanf:"-"`
}

// ServerConfig collects the listener, logging and admin surface knobs.
type ServerConfig struct {
	Listen                 ListenConfig  `koanf:"listen"`
	Logging                LoggingConfig `koanf:"logging"`
	Admin                  AdminConfig   `koanf:"admin"`
	ShutdownTimeoutSeconds int           `koanf:"shutdownTimeoutSeconds"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// AdminConfig places health and metrics endpoints under a reserved prefix.
type AdminConfig struct {
	Prefix string `koanf:"prefix"`
}

// OriginConfig points the proxy at the application that renders pages on MISS and BYPASS.
type OriginConfig struct {
	URL        string          `koanf:"url"`
	HostHeader string          `koanf:"hostHeader"`
	ErrorPage  ErrorPageConfig `koanf:"errorPage"`
}

// ErrorPageConfig selects the body served when the origin cannot be reached.
type ErrorPageConfig struct {
	Template        string `koanf:"template"`
	TemplateFile    string `koanf:"templateFile"`
	TemplatesFolder string `koanf:"templatesFolder"`
}

// CacheConfig is the read-path view of the page cache: where entries live and how keys are built.
type CacheConfig struct {
	Enabled            bool          `koanf:"enabled"`
	OutputDir          string        `koanf:"outputDir"`
	SecretKey          string        `koanf:"secretKey"`
	LoggedInCookie     string        `koanf:"loggedInCookie"`
	LoggedInCache      bool          `koanf:"loggedInCache"`
	Hosts              []string      `koanf:"hosts"`
	IgnoredQueryParams []string      `koanf:"ignoredQueryParams"`
	TTLSeconds         int           `koanf:"ttlSeconds"`
	StatusHeader       string        `koanf:"statusHeader"`
	IndexFile          string        `koanf:"indexFile"`
	Exclude            ExcludeConfig `koanf:"exclude"`
	Compat             CompatConfig  `koanf:"compat"`
}

// ExcludeConfig lists the conditions under which a request is never served from cache.
type ExcludeConfig struct {
	// Methods are the cacheable methods; anything else bypasses.
	Methods     []string `koanf:"methods"`
	Paths       []string `koanf:"paths"`
	QueryParams []string `koanf:"queryParams"`
	Cookies     []string `koanf:"cookies"`
	Expressions []string `koanf:"expressions"`
}

// CompatConfig holds the host-environment rule that hides the status header on MISS and BYPASS.
type CompatConfig struct {
	SuppressMarkers      []string `koanf:"suppressMarkers"`
	SuppressUnlessCookie string   `koanf:"suppressUnlessCookie"`
}

// AuthGateConfig describes the second-factor check backing the session classifier.
type AuthGateConfig struct {
	Enabled           bool               `koanf:"enabled"`
	Driver            string             `koanf:"driver"`
	DSN               string             `koanf:"dsn"`
	TablePrefix       string             `koanf:"tablePrefix"`
	SecurityPlugin    string             `koanf:"securityPlugin"`
	TwoFactorOption   string             `koanf:"twoFactorOption"`
	ConfiguredMetaKey string             `koanf:"configuredMetaKey"`
	SecretMetaKey     string             `koanf:"secretMetaKey"`
	TwoFactorCookie   string             `koanf:"twoFactorCookie"`
	VerdictCache      VerdictCacheConfig `koanf:"verdictCache"`
}

// VerdictCacheConfig controls how long auth gate answers are reused.
type VerdictCacheConfig struct {
	Backend    string      `koanf:"backend"`
	TTLSeconds int         `koanf:"ttlSeconds"`
	KeySalt    string      `koanf:"keySalt"`
	Redis      RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

var (
	headerTokenPattern = regexp.MustCompile("^[!#$%&'*+\\-.^_`|~0-9A-Za-z]+$")
	identifierPattern  = regexp.MustCompile(`^[A-Za-z0-9_]*$`)
	hostnamePattern    = regexp.MustCompile(`^[A-Za-z0-9.:-]+$`)
)

// CacheActive reports whether the read path has enough configuration to consult the store.
func (c CacheConfig) CacheActive() bool {
	return c.Enabled && strings.TrimSpace(c.OutputDir) != ""
}

// TTL converts the configured freshness window into a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// TwoFactorCookieName renders the per-user second-factor cookie name.
func (c AuthGateConfig) TwoFactorCookieName(userID int64) string {
	return fmt.Sprintf(c.TwoFactorCookie, userID)
}

// TwoFactorCookiePrefix is the part of the cookie pattern that precedes the user id.
func (c AuthGateConfig) TwoFactorCookiePrefix() string {
	if idx := strings.Index(c.TwoFactorCookie, "%"); idx >= 0 {
		return c.TwoFactorCookie[:idx]
	}
	return c.TwoFactorCookie
}

// ShutdownTimeout converts the configured grace period into a duration.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if prefix := c.Server.Admin.Prefix; prefix != "" && !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("config: server.admin.prefix must start with '/': %q", prefix)
	}
	if raw := strings.TrimSpace(c.Origin.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: origin.url invalid: %q", raw)
		}
	}
	if c.Origin.ErrorPage.Template != "" && c.Origin.ErrorPage.TemplateFile != "" {
		return errors.New("config: origin.errorPage template and templateFile are mutually exclusive")
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	return c.AuthGate.validate()
}

func (c CacheConfig) validate() error {
	if c.TTLSeconds < 0 {
		return fmt.Errorf("config: cache.ttlSeconds invalid: %d", c.TTLSeconds)
	}
	if !headerTokenPattern.MatchString(c.StatusHeader) {
		return fmt.Errorf("config: cache.statusHeader invalid: %q", c.StatusHeader)
	}
	if strings.ContainsAny(c.IndexFile, `/\`) || c.IndexFile == "" || c.IndexFile == "." || c.IndexFile == ".." {
		return fmt.Errorf("config: cache.indexFile invalid: %q", c.IndexFile)
	}
	for i, host := range c.Hosts {
		if !hostnamePattern.MatchString(host) {
			return fmt.Errorf("config: cache.hosts[%d] invalid: %q", i, host)
		}
	}
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("config: cache.secretKey required when cache is enabled")
	}
	if strings.ContainsAny(c.SecretKey, `/\`) {
		return errors.New("config: cache.secretKey must not contain path separators")
	}
	for i, method := range c.Exclude.Methods {
		if strings.TrimSpace(method) == "" {
			return fmt.Errorf("config: cache.exclude.methods[%d] empty", i)
		}
	}
	return nil
}

func (c AuthGateConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Driver) == "" {
		return errors.New("config: authGate.driver required when the gate is enabled")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("config: authGate.dsn required when the gate is enabled")
	}
	if !identifierPattern.MatchString(c.TablePrefix) {
		return fmt.Errorf("config: authGate.tablePrefix invalid: %q", c.TablePrefix)
	}
	if strings.Count(c.TwoFactorCookie, "%d") != 1 {
		return fmt.Errorf("config: authGate.twoFactorCookie must contain exactly one %%d: %q", c.TwoFactorCookie)
	}
	if c.VerdictCache.TTLSeconds < 0 {
		return fmt.Errorf("config: authGate.verdictCache.ttlSeconds invalid: %d", c.VerdictCache.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.VerdictCache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.VerdictCache.Redis.Address) == "" {
			return errors.New("config: authGate.verdictCache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: authGate.verdictCache.backend unsupported: %s", c.VerdictCache.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values used when no file or environment override is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Admin: AdminConfig{
				Prefix: "/_pagecache",
			},
			ShutdownTimeoutSeconds: 10,
		},
		Cache: CacheConfig{
			Enabled:        false,
			LoggedInCookie: "wordpress_logged_in",
			IgnoredQueryParams: []string{
				"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
				"gclid", "fbclid",
			},
			TTLSeconds:   604800,
			StatusHeader: "X-Page-Cache",
			IndexFile:    "index.html",
			Exclude: ExcludeConfig{
				Methods: []string{"GET", "HEAD"},
				QueryParams: []string{
					"fl_builder", "vcv-action", "et_fb", "ct_builder", "tve", "preview",
					"elementor-preview", "uxb_iframe", "trp-edit-translation",
				},
			},
		},
		AuthGate: AuthGateConfig{
			Driver:            "sqlite",
			TablePrefix:       "wp_",
			SecurityPlugin:    "sg-security/sg-security.php",
			TwoFactorOption:   "sg_security_sg2fa",
			ConfiguredMetaKey: "sg_security_2fa_configured",
			SecretMetaKey:     "sg_security_2fa_secret",
			TwoFactorCookie:   "sg_security_2fa_%d_cookie",
			VerdictCache: VerdictCacheConfig{
				Backend:    "memory",
				TTLSeconds: 30,
			},
		},
	}
}
