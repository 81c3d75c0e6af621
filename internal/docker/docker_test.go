package docker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunArgs(t *testing.T) {
	args := RunArgs(RunSpec{
		Name:   "paas-app1",
		Image:  "localhost:5000/app1:v1.0",
		Ports:  []PortBinding{{Host: 8000, Container: 80}},
		Env:    map[string]string{"B": "2", "A": "1"},
		Limits: Limits{CPUs: "0.5", Memory: "256m"},
	})

	assert.Equal(t, []string{
		"run", "-d", "--name", "paas-app1",
		"-p", "8000:80",
		"-e", "A=1", "-e", "B=2",
		"--cpus", "0.5", "--memory", "256m",
		"localhost:5000/app1:v1.0",
	}, args)
}

func TestRunArgsWithoutLimits(t *testing.T) {
	args := RunArgs(RunSpec{Name: "n", Image: "img"})
	assert.Equal(t, []string{"run", "-d", "--name", "n", "img"}, args)
}

// fakeDocker writes a shell script standing in for the docker binary
func fakeDocker(t *testing.T, script string) *CLI {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return &CLI{Binary: path}
}

func TestRemoveIgnoresMissingContainer(t *testing.T) {
	c := fakeDocker(t, `echo "Error response from daemon: No such container: $3" >&2; exit 1`)
	assert.NoError(t, c.Remove(context.Background(), "paas-app1"))
}

func TestFailureCarriesOutput(t *testing.T) {
	c := fakeDocker(t, `echo "manifest unknown" >&2; exit 1`)

	err := c.Pull(context.Background(), "localhost:5000/app1:v9.9")
	require.Error(t, err)

	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "manifest unknown", ce.Output)
	assert.Contains(t, err.Error(), "pull localhost:5000/app1:v9.9")
}

func TestLogsStreamsOutput(t *testing.T) {
	c := fakeDocker(t, `echo "args: $*"; echo "boom" >&2`)

	var out bytes.Buffer
	require.NoError(t, c.Logs(context.Background(), "paas-app1", true, &out))
	assert.Equal(t, "args: logs -f paas-app1\nboom\n", out.String())
}
