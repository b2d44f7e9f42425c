//
//  Copyright © Control Core Inc. All rights reserved.
//
// OPA abstraction for parsing, compiling and evaluating tenant policies

package opa

import (
	"context"
	"fmt"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/mohae/deepcopy"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

var logger = logging.GetLogger("opa")
var agent = "opa"

// Builtins is a set of builtin function names
type Builtins map[string]struct{}

// Compiler converts textual Rego policies to reusable ASTs.
type Compiler struct {
	options *CompilerOptions
}

// Ast is a compiled set of Rego modules, safe for concurrent evaluation.
type Ast struct {
	name     string
	compiler *ast.Compiler
}

// Modules is a map of module name to module source code
type Modules map[string]string

// CompilerOptions contains configuration options for the compiler.
type CompilerOptions struct {
	regoVersion  ast.RegoVersion
	capabilities *ast.Capabilities
}

func filter[T any](ss []T, test func(T) bool) (ret []T) {
	for _, s := range ss {
		if test(s) {
			ret = append(ret, s)
		}
	}
	return
}

// CompilerOptionFunc is a function that modifies CompilerOptions.
type CompilerOptionFunc func(*CompilerOptions)

// WithRegoVersion sets the rego version for the compiler.
func WithRegoVersion(regoVersion ast.RegoVersion) CompilerOptionFunc {
	return func(o *CompilerOptions) {
		o.regoVersion = regoVersion
	}
}

// WithCapabilities sets the rego Capabilities options for the compiler.
// This must come before WithUnsafeBuiltins, when both are used.
func WithCapabilities(capabilities *ast.Capabilities) CompilerOptionFunc {
	return func(o *CompilerOptions) {
		o.capabilities = capabilities
	}
}

// WithUnsafeBuiltins removes the named builtin functions from the
// compiler's capabilities.  Tenant-authored policies must not reach out of
// the evaluator (e.g. http.send); external data arrives through the PIP
// cache instead.
func WithUnsafeBuiltins(unsafeBuiltins Builtins) CompilerOptionFunc {
	return func(o *CompilerOptions) {
		o.capabilities.Builtins = filter(o.capabilities.Builtins, func(builtin *ast.Builtin) bool {
			_, ok := unsafeBuiltins[builtin.Name]
			return !ok
		})
	}
}

// NewCompiler creates a new Compiler with the specified options.
func NewCompiler(options ...CompilerOptionFunc) *Compiler {
	opts := &CompilerOptions{
		regoVersion:  ast.RegoV0,
		capabilities: ast.CapabilitiesForThisVersion(),
	}
	for _, o := range options {
		o(opts)
	}

	return &Compiler{options: opts}
}

// Clone creates a new Compiler based on the current configuration,
// optionally applying additional options.
func (c *Compiler) Clone(options ...CompilerOptionFunc) *Compiler {
	opts := &CompilerOptions{
		regoVersion:  c.options.regoVersion,
		capabilities: deepcopy.Copy(c.options.capabilities).(*ast.Capabilities),
	}
	for _, o := range options {
		o(opts)
	}

	return &Compiler{options: opts}
}

// ValidateSource parses source without compiling it, returning a
// validation error describing any syntax problem.  Used by the policy
// lifecycle so that create/update can reject bad policies without any
// network dependency.
func (c *Compiler) ValidateSource(name, source string) error {
	_, err := ast.ParseModuleWithOpts(name, source, ast.ParserOptions{RegoVersion: c.options.regoVersion})
	if err != nil {
		return common.Validation("policy source does not parse",
			common.FieldError{Path: "source", Reason: err.Error()})
	}
	return nil
}

// Compile compiles the provided modules and returns an Ast suitable for
// reusable evaluation.
func (c *Compiler) Compile(name string, modules Modules) (*Ast, error) {
	parsed := make(map[string]*ast.Module, len(modules))

	for f, module := range modules {
		pm, err := ast.ParseModuleWithOpts(f, module, ast.ParserOptions{RegoVersion: c.options.regoVersion})
		if err != nil {
			return nil, err
		}
		parsed[f] = pm
	}

	compiler := ast.NewCompiler().WithCapabilities(c.options.capabilities)

	compiler.Compile(parsed)

	if compiler.Failed() {
		return nil, compiler.Errors
	}

	return &Ast{
		name:     name,
		compiler: compiler,
	}, nil
}

// Evaluate evaluates the compiled AST with the given input and query
// string, returning the first result or a typed error.
func (p *Ast) Evaluate(ctx context.Context, queryStr string, input interface{}) (rego.Result, error) {
	logger.Debugf(agent, "Evaluate", "query: %s against: %s", queryStr, p.name)

	query := rego.New(
		rego.Query(queryStr),
		rego.Compiler(p.compiler),
		rego.Input(input),
	)

	results, err := query.Eval(ctx)
	if err != nil {
		logger.Debugf(agent, "Evaluate", "queryEval %+v", err)
		return rego.Result{}, common.WrapError(common.KindInternal, "policy evaluation failed", err)
	}
	if len(results) == 0 {
		logger.Debugf(agent, "Evaluate", "no results: %s", p.name)
		return rego.Result{}, common.NewErrorf(common.KindInternal, "no evaluation results for %s", p.name)
	}

	return results[0], nil
}

// EvaluateBool evaluates queryStr and coerces the single expression value
// to a boolean.  An undefined result is false, not an error.
func (p *Ast) EvaluateBool(ctx context.Context, queryStr string, input interface{}) (bool, error) {
	query := rego.New(
		rego.Query(queryStr),
		rego.Compiler(p.compiler),
		rego.Input(input),
	)

	results, err := query.Eval(ctx)
	if err != nil {
		return false, common.WrapError(common.KindInternal, "policy evaluation failed", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// undefined decision
		return false, nil
	}

	b, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, common.NewErrorf(common.KindInternal,
			"unexpected evaluation result %T for %s", results[0].Expressions[0].Value, p.name)
	}
	return b, nil
}

// PackageOf returns the package path declared by source, or an error when
// the source does not parse.  Conflict scanning uses this to group
// policies without compiling them.
func PackageOf(source string) (string, error) {
	module, err := ast.ParseModuleWithOpts("probe.rego", source, ast.ParserOptions{RegoVersion: ast.RegoV0})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", module.Package.Path), nil
}
