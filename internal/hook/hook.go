// Package hook runs the operator-configured post-run command after each
// terminal run. The command template is tokenized once; every firing
// substitutes run variables into the tokens and exports them as environment
// variables. Hook failures never influence run status.
package hook

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"actionserver/internal/fault"
	"actionserver/pkg/logging"
)

// EnvPrefix is prepended to every substituted variable exported into the
// hook's environment.
const EnvPrefix = "ACTION_SERVER_HOOK_"

// Invocation carries the per-run values available to the command template.
type Invocation struct {
	RunID            string
	ActionName       string
	BaseArtifactsDir string
	RunArtifactsDir  string
	Context          map[string]string
}

// Runner holds the tokenized command template. An empty template yields a
// disabled runner whose Fire is a no-op.
type Runner struct {
	argv    []string
	timeout time.Duration
}

// New tokenizes the template with shell quoting rules. The timeout bounds
// each firing; non-positive means no bound.
func New(template string, timeout time.Duration) (*Runner, error) {
	r := &Runner{timeout: timeout}
	if strings.TrimSpace(template) == "" {
		return r, nil
	}
	argv, err := shellquote.Split(template)
	if err != nil {
		return nil, fault.Wrap(fault.KindHookFailed, err, "tokenizing post-run command")
	}
	r.argv = argv
	return r, nil
}

// Enabled reports whether a command template is configured.
func (r *Runner) Enabled() bool { return len(r.argv) > 0 }

// Fire executes the hook for one terminal run. Each token substitutes
// $run_id, $action_name, $base_artifacts_dir, $run_artifacts_dir, and every
// invocation-context entry; the same variables are exported with the
// EnvPrefix. The returned error is classified fault.HookFailed.
func (r *Runner) Fire(ctx context.Context, inv Invocation) error {
	if !r.Enabled() {
		return nil
	}

	vars := make(map[string]string, len(inv.Context)+4)
	for k, v := range inv.Context {
		vars[k] = v
	}
	vars["run_id"] = inv.RunID
	vars["action_name"] = inv.ActionName
	vars["base_artifacts_dir"] = inv.BaseArtifactsDir
	vars["run_artifacts_dir"] = inv.RunArtifactsDir

	argv := make([]string, len(r.argv))
	for i, tok := range r.argv {
		argv[i] = os.Expand(tok, func(name string) string { return vars[name] })
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	env := os.Environ()
	for k, v := range vars {
		env = append(env, EnvPrefix+envName(k)+"="+v)
	}
	cmd.Env = env

	logging.Debug("Hook", "Firing post-run command for run %s", inv.RunID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fault.Wrap(fault.KindHookFailed, err, "post-run command: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// envName uppercases a variable name and squashes everything outside
// [A-Z0-9] to underscores so context keys always yield valid env names.
func envName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
