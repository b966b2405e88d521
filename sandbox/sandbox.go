// Package sandbox validates and executes user-authored model-definition
// scripts.
//
// A script is a YAML document mapping a closed set of hook names to
// expressions:
//
//	create_model: mlp(hyperparameters)
//	preprocess_data: preprocessed(data, labels)
//	train_model: fit(model, train_data, train_labels, val_data, val_labels, training_config)
//
// Hooks are compiled ahead of time by expr-lang against a restricted
// environment: the expression builtins (len, abs, min, max, sum, ...) plus
// whatever helpers the host registers. User text is never evaluated in an
// open namespace, there is no filesystem or process access, and every
// failure comes back as a wrapped error rather than a panic.
package sandbox

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"

	"github.com/fieldlab/traceml/pkg/errors"
)

// The closed hook set. Scripts may define any subset; the orchestrator
// requires create_model and treats the others as optional.
const (
	HookCreateModel = "create_model"
	HookPreprocess  = "preprocess_data"
	HookTrainModel  = "train_model"
)

// denylist is scanned against the raw script text. The policy is textual,
// not semantic: any match rejects the script outright.
var denylist = []string{
	"subprocess",
	"os.system",
	"exec(",
	"eval(",
	"__import__",
	"open(",
	"input(",
}

// Sandbox compiles and runs script hooks inside a fixed helper environment.
type Sandbox struct {
	helpers map[string]any
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithHelpers registers named values and functions visible to every hook.
// This is the entire allowlist surface beyond the expression builtins.
func WithHelpers(helpers map[string]any) Option {
	return func(s *Sandbox) {
		for name, v := range helpers {
			s.helpers[name] = v
		}
	}
}

// New creates a Sandbox.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{helpers: make(map[string]any)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// parse decodes the YAML hook document.
func parse(script string) (map[string]string, error) {
	hooks := make(map[string]string)
	if err := yaml.Unmarshal([]byte(script), &hooks); err != nil {
		return nil, errors.Wrap(err, "script is not a valid hook document")
	}
	for name := range hooks {
		switch name {
		case HookCreateModel, HookPreprocess, HookTrainModel:
		default:
			return nil, errors.Newf("unknown hook %q", name)
		}
	}
	return hooks, nil
}

// Validate checks a script without running it: the document must parse,
// every hook must compile, and the raw text must not contain any denylisted
// operation. The returned message explains the first failure, or confirms
// the pass.
func (s *Sandbox) Validate(script string) (bool, string) {
	for _, pattern := range denylist {
		if strings.Contains(script, pattern) {
			return false, fmt.Sprintf("potentially unsafe operation detected: %s", pattern)
		}
	}

	hooks, err := parse(script)
	if err != nil {
		return false, err.Error()
	}
	if len(hooks) == 0 {
		return false, "script defines no hooks"
	}
	for name, src := range hooks {
		if _, err := expr.Compile(src, expr.AllowUndefinedVariables()); err != nil {
			return false, fmt.Sprintf("syntax error in %s: %v", name, err)
		}
	}
	return true, "script validation passed"
}

// Execute compiles and runs one hook with the given variables merged over
// the registered helpers. A missing hook is a NotFoundError; any compile
// failure, runtime error or panic inside the hook is returned as a
// ScriptError naming the hook — never propagated raw.
func (s *Sandbox) Execute(script, hook string, vars map[string]any) (result any, err error) {
	hooks, perr := parse(script)
	if perr != nil {
		return nil, errors.NewScriptError(hook, perr)
	}
	src, ok := hooks[hook]
	if !ok {
		return nil, errors.NewNotFoundError("hook", hook)
	}

	env := make(map[string]any, len(s.helpers)+len(vars))
	for name, v := range s.helpers {
		env[name] = v
	}
	for name, v := range vars {
		env[name] = v
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.NewScriptError(hook, errors.Newf("panic: %v", r))
		}
	}()

	program, cerr := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
	if cerr != nil {
		return nil, errors.NewScriptError(hook, cerr)
	}
	out, rerr := expr.Run(program, env)
	if rerr != nil {
		return nil, errors.NewScriptError(hook, rerr)
	}
	return out, nil
}
