package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/traceml/pkg/errors"
)

const validScript = `create_model: make_counter(hyperparameters)
preprocess_data: data
train_model: fit(model)
`

func newTestSandbox() *Sandbox {
	return New(WithHelpers(map[string]any{
		"make_counter": func(params map[string]any) int {
			n, _ := params["n"].(int)
			return n
		},
		"fit": func(n int) int { return n * 2 },
		"boom": func() (int, error) {
			return 0, errors.New("boom")
		},
		"panics": func() int { panic("unreachable state") },
	}))
}

func TestValidateAcceptsWellFormedScript(t *testing.T) {
	ok, msg := newTestSandbox().Validate(validScript)
	assert.True(t, ok)
	assert.Equal(t, "script validation passed", msg)
}

func TestValidateDenylist(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"eval", "create_model: eval(payload)"},
		{"exec", "create_model: exec(payload)"},
		{"subprocess", "create_model: subprocess.run(cmd)"},
		{"os system", "create_model: os.system(cmd)"},
		{"import", "create_model: __import__(mod)"},
		{"open", "create_model: open(path)"},
		{"input", "create_model: input(prompt)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := newTestSandbox().Validate(tt.script)
			assert.False(t, ok)
			assert.True(t, strings.HasPrefix(msg, "potentially unsafe operation detected"), msg)
		})
	}
}

func TestValidateRejectsMalformedScripts(t *testing.T) {
	s := newTestSandbox()

	ok, _ := s.Validate("just a scalar that is not a mapping")
	assert.False(t, ok)

	ok, msg := s.Validate("unknown_hook: fit(model)")
	assert.False(t, ok)
	assert.Contains(t, msg, "unknown hook")

	ok, msg = s.Validate("")
	assert.False(t, ok)
	assert.Contains(t, msg, "no hooks")

	ok, msg = s.Validate("create_model: fit(model,,)")
	assert.False(t, ok)
	assert.Contains(t, msg, "syntax error in create_model")
}

func TestExecuteRunsHook(t *testing.T) {
	s := newTestSandbox()

	out, err := s.Execute(validScript, HookCreateModel, map[string]any{
		"hyperparameters": map[string]any{"n": 21},
	})
	require.NoError(t, err)
	assert.Equal(t, 21, out)

	out, err = s.Execute(validScript, HookTrainModel, map[string]any{"model": 21})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestExecuteMissingHookIsNotFound(t *testing.T) {
	s := newTestSandbox()
	_, err := s.Execute("create_model: make_counter(hyperparameters)", HookTrainModel, nil)

	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "hook", nf.Kind)
	assert.Equal(t, HookTrainModel, nf.ID)
}

func TestExecuteWrapsHelperError(t *testing.T) {
	s := newTestSandbox()
	_, err := s.Execute("create_model: boom()", HookCreateModel, nil)

	var se *errors.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, HookCreateModel, se.Hook)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecuteRecoversPanic(t *testing.T) {
	s := newTestSandbox()
	_, err := s.Execute("create_model: panics()", HookCreateModel, nil)

	var se *errors.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "unreachable state")
}

func TestExecuteMalformedDocument(t *testing.T) {
	s := newTestSandbox()
	_, err := s.Execute("not: a: valid: yaml: doc", HookCreateModel, nil)

	var se *errors.ScriptError
	assert.ErrorAs(t, err, &se)
}
