// Package eligibility decides which requests may be answered from the cache at all.
package eligibility

import (
	"strings"
	"time"

	"github.com/gobwas/glob"
	platformerrors "github.com/jmgilman/go/errors"

	"github.com/l0p7/pagecache/internal/config"
	"github.com/l0p7/pagecache/internal/expr"
	"github.com/l0p7/pagecache/internal/runtime/pipeline"
)

var defaultMethods = []string{"GET", "HEAD"}

type pattern struct {
	source string
	glob   glob.Glob
}

// Rules is a compiled exclusion ruleset; it is immutable and safe for concurrent use.
type Rules struct {
	methods     map[string]struct{}
	paths       []pattern
	queryParams map[string]struct{}
	cookies     []pattern
	programs    []expr.Program
}

// Exclusion explains why a request was excluded.
type Exclusion struct {
	Rule   string
	Detail string
}

// Compile builds the ruleset. Path globs treat '/' as a separator so '*' stays
// within a segment and '**' crosses segments; cookie globs have no separator.
// An empty method list means GET and HEAD.
func Compile(cfg config.ExcludeConfig, env *expr.Environment) (*Rules, error) {
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = defaultMethods
	}
	r := &Rules{
		methods:     make(map[string]struct{}, len(methods)),
		queryParams: make(map[string]struct{}, len(cfg.QueryParams)),
	}
	for _, m := range methods {
		r.methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	for _, p := range cfg.Paths {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "eligibility: path pattern %q", p)
		}
		r.paths = append(r.paths, pattern{source: p, glob: g})
	}
	for _, name := range cfg.QueryParams {
		r.queryParams[name] = struct{}{}
	}
	for _, c := range cfg.Cookies {
		g, err := glob.Compile(c)
		if err != nil {
			return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "eligibility: cookie pattern %q", c)
		}
		r.cookies = append(r.cookies, pattern{source: c, glob: g})
	}
	if len(cfg.Expressions) > 0 {
		if env == nil {
			return nil, platformerrors.New(platformerrors.CodeInvalidConfig, "eligibility: expressions require a CEL environment")
		}
		for _, source := range cfg.Expressions {
			program, err := env.Compile(source)
			if err != nil {
				return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "eligibility: expression")
			}
			r.programs = append(r.programs, program)
		}
	}
	return r, nil
}

// Excluded reports the first rule that keeps req away from the cache. A CEL
// evaluation error excludes the request.
func (r *Rules) Excluded(req pipeline.RequestContext, now time.Time) (Exclusion, bool) {
	if r == nil {
		return Exclusion{}, false
	}
	if _, ok := r.methods[strings.ToUpper(req.Method)]; !ok {
		return Exclusion{Rule: "method", Detail: req.Method}, true
	}
	for _, p := range r.paths {
		if p.glob.Match(req.Path) {
			return Exclusion{Rule: "path", Detail: p.source}, true
		}
	}
	for name := range req.Query {
		if _, ok := r.queryParams[name]; ok {
			return Exclusion{Rule: "query", Detail: name}, true
		}
	}
	for name := range req.Cookies {
		for _, p := range r.cookies {
			if p.glob.Match(name) {
				return Exclusion{Rule: "cookie", Detail: p.source}, true
			}
		}
	}
	if len(r.programs) == 0 {
		return Exclusion{}, false
	}
	activation := map[string]any{
		"request": req.Activation(),
		"now":     now,
	}
	for _, program := range r.programs {
		matched, err := program.EvalBool(activation)
		if err != nil {
			return Exclusion{Rule: "expression_error", Detail: program.Source()}, true
		}
		if matched {
			return Exclusion{Rule: "expression", Detail: program.Source()}, true
		}
	}
	return Exclusion{}, false
}
