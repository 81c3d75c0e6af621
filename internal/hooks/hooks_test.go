package hooks

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
}

func TestExecuteNoHook(t *testing.T) {
	r := &Runner{Dir: t.TempDir()}
	assert.NoError(t, r.Execute(context.Background(), PostDeploy, nil))

	var nilRunner *Runner
	assert.NoError(t, nilRunner.Execute(context.Background(), PostDeploy, nil))
}

func TestExecuteFileHookWins(t *testing.T) {
	requireBash(t)

	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	hook := "echo \"$MINIPAAS_WORKLOAD $MINIPAAS_VERSION\" > " + marker + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "post-deploy.sh"), []byte(hook), 0o755))

	r := &Runner{
		Dir:     dir,
		Scripts: map[HookType]string{PostDeploy: "exit 1"},
	}
	err := r.Execute(context.Background(), PostDeploy, map[string]string{
		"MINIPAAS_WORKLOAD": "app1",
		"MINIPAAS_VERSION":  "v1.0",
	})
	require.NoError(t, err)

	got, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "app1 v1.0\n", string(got))
}

func TestExecuteScriptFailure(t *testing.T) {
	requireBash(t)

	r := &Runner{Scripts: map[HookType]string{PostRollback: "echo nope >&2; exit 3"}}
	err := r.Execute(context.Background(), PostRollback, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "post-rollback hook failed")
	assert.Contains(t, err.Error(), "nope")
}

func TestEnviron(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, Environ(map[string]string{"B": "2", "A": "1"}))
}

func TestParseHookType(t *testing.T) {
	got, err := ParseHookType("post-rollback")
	require.NoError(t, err)
	assert.Equal(t, PostRollback, got)

	_, err = ParseHookType("pre-deploy")
	assert.ErrorContains(t, err, "invalid hook name: pre-deploy")
}
