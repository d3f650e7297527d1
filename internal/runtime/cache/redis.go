package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"os"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	valkey "github.com/valkey-io/valkey-go"
)

const scanBatch = 200

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig locates the server. KeyPrefix scopes Size to the verdict
// namespace when the database is shared; empty counts the whole database.
type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       RedisTLSConfig
}

type redisCache struct {
	client    valkey.Client
	keyPrefix string
}

// NewRedis connects and checks the server with PING before returning.
func NewRedis(cfg RedisConfig) (VerdictCache, error) {
	if cfg.Address == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidConfig, "cache: redis address required")
	}
	tlsConfig, err := redisTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		TLSConfig:         tlsConfig,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "cache: redis connect")
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "cache: redis ping")
	}
	return &redisCache{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

func redisTLS(cfg RedisTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile == "" {
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "cache: redis ca file %s", cfg.CAFile)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "cache: redis ca file %s holds no certificates", cfg.CAFile)
	}
	tlsConfig.RootCAs = roots
	return tlsConfig, nil
}

func (c *redisCache) Lookup(ctx context.Context, key string) (Verdict, bool, error) {
	payload, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return Verdict{}, false, nil
	}
	if err != nil {
		return Verdict{}, false, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "cache: redis get")
	}
	var verdict Verdict
	if err := json.Unmarshal(payload, &verdict); err != nil {
		return Verdict{}, false, platformerrors.Wrap(err, platformerrors.CodeInternal, "cache: decode verdict")
	}
	return verdict, true, nil
}

// Store writes verdict with a PX expiry derived from ExpiresAt; redis owns
// eviction from then on. An already expired verdict is dropped silently.
func (c *redisCache) Store(ctx context.Context, key string, verdict Verdict) error {
	if verdict.ExpiresAt.IsZero() {
		return platformerrors.New(platformerrors.CodeInvalidInput, "cache: redis verdict needs an expiry")
	}
	if verdict.StoredAt.IsZero() {
		verdict.StoredAt = time.Now().UTC()
	}
	ttl := time.Until(verdict.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(verdict)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "cache: encode verdict")
	}
	set := c.client.B().Set().Key(key).Value(valkey.BinaryString(payload)).Px(ttl).Build()
	if err := c.client.Do(ctx, set).Error(); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeUnavailable, "cache: redis set")
	}
	return nil
}

func (c *redisCache) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	return c.scan(ctx, prefix+"*", func(keys []string) error {
		if err := c.client.Do(ctx, c.client.B().Del().Key(keys...).Build()).Error(); err != nil {
			return platformerrors.Wrap(err, platformerrors.CodeUnavailable, "cache: redis del")
		}
		return nil
	})
}

func (c *redisCache) Size(ctx context.Context) (int64, error) {
	if c.keyPrefix == "" {
		size, err := c.client.Do(ctx, c.client.B().Dbsize().Build()).AsInt64()
		if err != nil {
			return 0, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "cache: redis dbsize")
		}
		return size, nil
	}
	var size int64
	err := c.scan(ctx, c.keyPrefix+"*", func(keys []string) error {
		size += int64(len(keys))
		return nil
	})
	return size, err
}

// scan walks keys matching pattern with SCAN, handing each non-empty batch to fn.
func (c *redisCache) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		entry, err := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build()).AsScanEntry()
		if err != nil {
			return platformerrors.Wrap(err, platformerrors.CodeUnavailable, "cache: redis scan")
		}
		if len(entry.Elements) > 0 {
			if err := fn(entry.Elements); err != nil {
				return err
			}
		}
		if entry.Cursor == 0 {
			return nil
		}
		cursor = entry.Cursor
	}
}

func (c *redisCache) Close(context.Context) error {
	c.client.Close()
	return nil
}
