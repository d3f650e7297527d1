package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator; empty file entries are ignored.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the non-empty config files this loader reads, in precedence order.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if strings.TrimSpace(path) != "" {
			out = append(out, path)
		}
	}
	return out
}

// canonicalEnvKeys restores camelCase segments that environment variables cannot express.
var canonicalEnvKeys = map[string]string{
	"server.logging.correlationheader":         "server.logging.correlationHeader",
	"server.shutdowntimeoutseconds":            "server.shutdownTimeoutSeconds",
	"origin.hostheader":                        "origin.hostHeader",
	"origin.errorpage.template":                "origin.errorPage.template",
	"origin.errorpage.templatefile":            "origin.errorPage.templateFile",
	"origin.errorpage.templatesfolder":         "origin.errorPage.templatesFolder",
	"cache.outputdir":                          "cache.outputDir",
	"cache.secretkey":                          "cache.secretKey",
	"cache.loggedincookie":                     "cache.loggedInCookie",
	"cache.loggedincache":                      "cache.loggedInCache",
	"cache.ignoredqueryparams":                 "cache.ignoredQueryParams",
	"cache.ttlseconds":                         "cache.ttlSeconds",
	"cache.statusheader":                       "cache.statusHeader",
	"cache.indexfile":                          "cache.indexFile",
	"cache.exclude.queryparams":                "cache.exclude.queryParams",
	"cache.compat.suppressmarkers":             "cache.compat.suppressMarkers",
	"cache.compat.suppressunlesscookie":        "cache.compat.suppressUnlessCookie",
	"authgate.enabled":                         "authGate.enabled",
	"authgate.driver":                          "authGate.driver",
	"authgate.dsn":                             "authGate.dsn",
	"authgate.tableprefix":                     "authGate.tablePrefix",
	"authgate.securityplugin":                  "authGate.securityPlugin",
	"authgate.twofactoroption":                 "authGate.twoFactorOption",
	"authgate.configuredmetakey":               "authGate.configuredMetaKey",
	"authgate.secretmetakey":                   "authGate.secretMetaKey",
	"authgate.twofactorcookie":                 "authGate.twoFactorCookie",
	"authgate.verdictcache.backend":            "authGate.verdictCache.backend",
	"authgate.verdictcache.ttlseconds":         "authGate.verdictCache.ttlSeconds",
	"authgate.verdictcache.keysalt":            "authGate.verdictCache.keySalt",
	"authgate.verdictcache.redis.address":      "authGate.verdictCache.redis.address",
	"authgate.verdictcache.redis.username":     "authGate.verdictCache.redis.username",
	"authgate.verdictcache.redis.password":     "authGate.verdictCache.redis.password",
	"authgate.verdictcache.redis.db":           "authGate.verdictCache.redis.db",
	"authgate.verdictcache.redis.tls.enabled":  "authGate.verdictCache.redis.tls.enabled",
	"authgate.verdictcache.redis.tls.cafile":   "authGate.verdictCache.redis.tls.caFile",
}

// listEnvKeys are split on commas so a single variable can carry a list.
var listEnvKeys = map[string]struct{}{
	"cache.hosts":                  {},
	"cache.ignoredQueryParams":     {},
	"cache.exclude.methods":        {},
	"cache.exclude.paths":          {},
	"cache.exclude.queryParams":    {},
	"cache.exclude.cookies":        {},
	"cache.compat.suppressMarkers": {},
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	sources := make([]string, 0, len(l.files))
	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
		sources = append(sources, path)
	}

	if l.envPrefix != "" {
		// Double underscores signal a nested path (PAGECACHE_CACHE__TTLSECONDS -> cache.ttlSeconds).
		transform := func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, l.envPrefix+"_")
			key = strings.ToLower(strings.ReplaceAll(key, "__", "."))
			if mapped, ok := canonicalEnvKeys[key]; ok {
				key = mapped
			} else {
				key = strings.ReplaceAll(key, "_", "")
			}
			if _, ok := listEnvKeys[key]; ok {
				return key, splitList(value)
			}
			return key, value
		}
		if err := k.Load(env.ProviderWithValue(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Sources = sources
	return cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension for %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"admin": map[string]any{
				"prefix": cfg.Server.Admin.Prefix,
			},
			"shutdownTimeoutSeconds": cfg.Server.ShutdownTimeoutSeconds,
		},
		"origin": map[string]any{
			"url":        cfg.Origin.URL,
			"hostHeader": cfg.Origin.HostHeader,
			"errorPage": map[string]any{
				"template":        cfg.Origin.ErrorPage.Template,
				"templateFile":    cfg.Origin.ErrorPage.TemplateFile,
				"templatesFolder": cfg.Origin.ErrorPage.TemplatesFolder,
			},
		},
		"cache": map[string]any{
			"enabled":            cfg.Cache.Enabled,
			"outputDir":          cfg.Cache.OutputDir,
			"secretKey":          cfg.Cache.SecretKey,
			"loggedInCookie":     cfg.Cache.LoggedInCookie,
			"loggedInCache":      cfg.Cache.LoggedInCache,
			"hosts":              cfg.Cache.Hosts,
			"ignoredQueryParams": cfg.Cache.IgnoredQueryParams,
			"ttlSeconds":         cfg.Cache.TTLSeconds,
			"statusHeader":       cfg.Cache.StatusHeader,
			"indexFile":          cfg.Cache.IndexFile,
			"exclude": map[string]any{
				"methods":     cfg.Cache.Exclude.Methods,
				"paths":       cfg.Cache.Exclude.Paths,
				"queryParams": cfg.Cache.Exclude.QueryParams,
				"cookies":     cfg.Cache.Exclude.Cookies,
				"expressions": cfg.Cache.Exclude.Expressions,
			},
			"compat": map[string]any{
				"suppressMarkers":      cfg.Cache.Compat.SuppressMarkers,
				"suppressUnlessCookie": cfg.Cache.Compat.SuppressUnlessCookie,
			},
		},
		"authGate": map[string]any{
			"enabled":           cfg.AuthGate.Enabled,
			"driver":            cfg.AuthGate.Driver,
			"dsn":               cfg.AuthGate.DSN,
			"tablePrefix":       cfg.AuthGate.TablePrefix,
			"securityPlugin":    cfg.AuthGate.SecurityPlugin,
			"twoFactorOption":   cfg.AuthGate.TwoFactorOption,
			"configuredMetaKey": cfg.AuthGate.ConfiguredMetaKey,
			"secretMetaKey":     cfg.AuthGate.SecretMetaKey,
			"twoFactorCookie":   cfg.AuthGate.TwoFactorCookie,
			"verdictCache": map[string]any{
				"backend":    cfg.AuthGate.VerdictCache.Backend,
				"ttlSeconds": cfg.AuthGate.VerdictCache.TTLSeconds,
				"keySalt":    cfg.AuthGate.VerdictCache.KeySalt,
				"redis": map[string]any{
					"address":  cfg.AuthGate.VerdictCache.Redis.Address,
					"username": cfg.AuthGate.VerdictCache.Redis.Username,
					"password": cfg.AuthGate.VerdictCache.Redis.Password,
					"db":       cfg.AuthGate.VerdictCache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.AuthGate.VerdictCache.Redis.TLS.Enabled,
						"caFile":  cfg.AuthGate.VerdictCache.Redis.TLS.CAFile,
					},
				},
			},
		},
	}
}
