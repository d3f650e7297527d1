// Package cachekey turns a request and its session identity into the on-disk
// location of a cached page.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/l0p7/pagecache/internal/config"
	"github.com/l0p7/pagecache/internal/pathguard"
	"github.com/l0p7/pagecache/internal/runtime/pipeline"
)

const querySeparator = "?"

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9.:-]+$`)

// Settings is the subset of the cache configuration that shapes keys.
type Settings struct {
	OutputDir          string
	SecretKey          string
	PartitionLoggedIn  bool
	Hosts              []string
	IgnoredQueryParams []string
	IndexFile          string
}

// SettingsFromConfig projects the cache configuration onto key settings.
func SettingsFromConfig(cfg config.CacheConfig) Settings {
	return Settings{
		OutputDir:          cfg.OutputDir,
		SecretKey:          cfg.SecretKey,
		PartitionLoggedIn:  cfg.LoggedInCache,
		Hosts:              append([]string(nil), cfg.Hosts...),
		IgnoredQueryParams: append([]string(nil), cfg.IgnoredQueryParams...),
		IndexFile:          cfg.IndexFile,
	}
}

// Key locates one cache entry. Rel is relative to Root and uses forward slashes.
type Key struct {
	Root string
	Rel  string
	Path string
}

// Fingerprint is a short stable digest of the key, safe to log.
func (k Key) Fingerprint() string {
	sum := sha256.Sum256([]byte(k.Rel))
	return hex.EncodeToString(sum[:6])
}

// Deriver builds keys for one settings snapshot; it is safe for concurrent use.
type Deriver struct {
	settings Settings
	ignored  map[string]struct{}
	hosts    map[string]struct{}
	guard    *pathguard.Guard
}

// NewDeriver validates settings and prepares the containment guard for the output directory.
func NewDeriver(settings Settings) (*Deriver, error) {
	if strings.TrimSpace(settings.OutputDir) == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidConfig, "cachekey: output directory required")
	}
	if settings.IndexFile == "" {
		settings.IndexFile = "index.html"
	}
	guard, err := pathguard.New(settings.OutputDir)
	if err != nil {
		return nil, err
	}
	ignored := make(map[string]struct{}, len(settings.IgnoredQueryParams))
	for _, name := range settings.IgnoredQueryParams {
		ignored[name] = struct{}{}
	}
	hosts, err := hostSet(settings.Hosts, settings.PartitionLoggedIn)
	if err != nil {
		return nil, err
	}
	return &Deriver{settings: settings, ignored: ignored, hosts: hosts, guard: guard}, nil
}

// hostSet lowercases the allow-list. With partitioning on, no served host may
// start with another served host plus '-', or "{host}-{login}" becomes ambiguous.
func hostSet(list []string, partitioned bool) (map[string]struct{}, error) {
	if len(list) == 0 {
		return nil, nil
	}
	hosts := make(map[string]struct{}, len(list))
	for _, host := range list {
		hosts[strings.ToLower(strings.TrimSpace(host))] = struct{}{}
	}
	if !partitioned {
		return hosts, nil
	}
	for host := range hosts {
		for other := range hosts {
			if host != other && strings.HasPrefix(host, other+"-") {
				return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "cachekey: host %q overlaps the user partitions of %q", host, other)
			}
		}
	}
	return hosts, nil
}

// checkHost keeps the host segment from impersonating a user partition. With an
// allow-list only listed hosts derive keys. Without one, a partitioned site
// refuses any host containing '-', since such a host could spell
// "{host}-{login}" on its own.
func (d *Deriver) checkHost(host string) error {
	if !hostnamePattern.MatchString(host) {
		return platformerrors.Newf(platformerrors.CodeInvalidInput, "cachekey: host %q is not a hostname", host)
	}
	if d.hosts != nil {
		if _, ok := d.hosts[strings.ToLower(host)]; !ok {
			return platformerrors.Newf(platformerrors.CodeInvalidInput, "cachekey: host %q is not served", host)
		}
		return nil
	}
	if d.settings.PartitionLoggedIn && strings.Contains(host, "-") {
		return platformerrors.Newf(platformerrors.CodeInvalidInput, "cachekey: host %q is ambiguous with user partitions; configure cache.hosts", host)
	}
	return nil
}

// Root is the absolute output directory every key lives under.
func (d *Deriver) Root() string { return d.guard.Root() }

// Derive composes {host}[-{login}]-{secret}{path}{filename} under the output
// directory. rawURL overrides the request's reconstructed URL when non-empty.
// The login segment is only used when the identity is logged in and the
// configuration partitions logged-in users.
func (d *Deriver) Derive(req pipeline.RequestContext, identity pipeline.SessionIdentity, rawURL string) (Key, error) {
	if rawURL == "" {
		rawURL = req.URL()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "cachekey: parse url")
	}
	host := u.Hostname()
	if host == "" {
		return Key{}, platformerrors.New(platformerrors.CodeInvalidInput, "cachekey: url has no host")
	}
	if err := d.checkHost(host); err != nil {
		return Key{}, err
	}

	var b strings.Builder
	b.WriteString(host)
	if identity.LoggedIn && d.settings.PartitionLoggedIn {
		if !safeSegment(identity.UserLogin) {
			return Key{}, platformerrors.New(platformerrors.CodeForbidden, "cachekey: user login not usable as a path segment")
		}
		b.WriteString("-")
		b.WriteString(identity.UserLogin)
	}
	b.WriteString("-")
	b.WriteString(d.settings.SecretKey)

	path := u.EscapedPath()
	for _, segment := range strings.Split(path, "/") {
		if segment == "." || segment == ".." {
			return Key{}, platformerrors.New(platformerrors.CodeForbidden, "cachekey: dot segment in request path")
		}
	}
	b.WriteString(path)
	b.WriteString(d.Filename(path, u.Query()))

	rel := b.String()
	full := filepath.Join(d.guard.Root(), filepath.FromSlash(rel))
	cleanRel, err := d.guard.Rel(full)
	if err != nil {
		return Key{}, err
	}
	return Key{Root: d.guard.Root(), Rel: cleanRel, Path: full}, nil
}

// Filename is the canonicalization step applied after the path: directory
// paths get the index file, and query parameters that survive the ignore list
// are appended after a literal '?' in sorted, escaped form. An escaped path
// never contains '?', so query variants cannot collide with real paths.
func (d *Deriver) Filename(path string, query url.Values) string {
	var b strings.Builder
	if path == "" || strings.HasSuffix(path, "/") {
		if path == "" {
			b.WriteString("/")
		}
		b.WriteString(d.settings.IndexFile)
	}
	kept := url.Values{}
	for name, values := range query {
		if _, skip := d.ignored[name]; skip {
			continue
		}
		kept[name] = values
	}
	if len(kept) > 0 {
		b.WriteString(querySeparator)
		// Encode sorts by key and escapes '/' and '?', so the suffix stays inside the final segment.
		b.WriteString(kept.Encode())
	}
	return b.String()
}

func safeSegment(s string) bool {
	return s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}
