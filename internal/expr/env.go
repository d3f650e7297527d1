// Package expr compiles the CEL expressions operators use to keep requests
// away from the page cache.
package expr

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	platformerrors "github.com/jmgilman/go/errors"
)

// Environment holds the CEL declarations shared by every exclusion expression.
// Expressions see `request` (method, scheme, host, path, query, cookies,
// headers) and `now`, plus two helpers:
//
//	lookup(map, key)      value or null, never a missing-key error
//	globMatch(s, pattern) gobwas/glob match with '/' as separator
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the request and now variables and registers the
// lookup and globMatch helpers. Failure means the declarations themselves are
// broken, so it is reported as CodeInternal.
func NewEnvironment() (*Environment, error) {
	stringMap := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("request", stringMap),
		cel.Variable("now", cel.DynType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string", []*cel.Type{stringMap, cel.StringType}, cel.DynType,
				cel.BinaryBinding(lookup),
			),
		),
		cel.Function("globMatch",
			cel.Overload("glob_match_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(globMatch),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "expr: build environment")
	}
	return &Environment{env: env}, nil
}

// Program is one compiled boolean expression.
type Program struct {
	source  string
	program cel.Program
}

// Compile type-checks expression. Anything that cannot produce a bool is
// rejected here rather than at request time.
func (e *Environment) Compile(expression string) (Program, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return Program{}, platformerrors.New(platformerrors.CodeInvalidConfig, "expr: expression required")
	}
	checked, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Program{}, platformerrors.Wrapf(issues.Err(), platformerrors.CodeInvalidConfig, "expr: compile %q", source)
	}
	switch out := checked.OutputType(); out {
	case cel.BoolType, cel.DynType:
	default:
		return Program{}, platformerrors.Newf(platformerrors.CodeInvalidConfig, "expr: %q yields %s, want bool", source, cel.FormatCELType(out))
	}
	program, err := e.env.Program(checked)
	if err != nil {
		return Program{}, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "expr: plan %q", source)
	}
	return Program{source: source, program: program}, nil
}

// EvalBool runs the program. A dyn-typed expression that produces anything
// other than a bool is an error.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, platformerrors.New(platformerrors.CodeInternal, "expr: program not compiled")
	}
	out, _, err := p.program.Eval(vars)
	if err != nil {
		return false, platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "expr: eval %q", p.source)
	}
	if b, ok := out.(types.Bool); ok {
		return bool(b), nil
	}
	return false, platformerrors.Newf(platformerrors.CodeInvalidInput, "expr: %q produced %s, want bool", p.source, out.Type().TypeName())
}

// Source is the expression text as configured, trimmed.
func (p Program) Source() string { return p.source }

func lookup(container ref.Val, key ref.Val) ref.Val {
	mapper, ok := container.(traits.Mapper)
	if !ok {
		return types.NewErr("lookup: first argument is not a map")
	}
	if value, found := mapper.Find(key); found && value != nil {
		return value
	}
	return types.NullValue
}

func globMatch(subject ref.Val, pattern ref.Val) ref.Val {
	s, ok := subject.(types.String)
	if !ok {
		return types.MaybeNoSuchOverloadErr(subject)
	}
	p, ok := pattern.(types.String)
	if !ok {
		return types.MaybeNoSuchOverloadErr(pattern)
	}
	g, err := glob.Compile(string(p), '/')
	if err != nil {
		return types.NewErr("globMatch: %v", err)
	}
	return types.Bool(g.Match(string(s)))
}
