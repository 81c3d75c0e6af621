package ssh

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/etc/caddy/Caddyfile'`, ShellQuote("/etc/caddy/Caddyfile"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
}

func TestReadKeyExplicitPath(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "deploy_key")
	require.NoError(t, os.WriteFile(path, []byte("key"), 0600))

	key, err := readKey(home, path)
	require.NoError(t, err)
	assert.Equal(t, "key", string(key))

	key, err = readKey(home, "~/deploy_key")
	require.NoError(t, err)
	assert.Equal(t, "key", string(key))
}

func TestReadKeyMissing(t *testing.T) {
	_, err := readKey(t.TempDir(), "")
	assert.Error(t, err)
}

func TestReadKeyDefaultOrder(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, ".ssh")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "id_rsa"), []byte("rsa"), 0600))

	key, err := readKey(home, "")
	require.NoError(t, err)
	assert.Equal(t, "rsa", string(key))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "id_ed25519"), []byte("ed25519"), 0600))
	key, err = readKey(home, "")
	require.NoError(t, err)
	assert.Equal(t, "ed25519", string(key))
}

func TestHostAddr(t *testing.T) {
	assert.Equal(t, "proxy.example:22", hostAddr("proxy.example"))
	assert.Equal(t, "proxy.example:2222", hostAddr("proxy.example:2222"))
}

func TestCommandError(t *testing.T) {
	err := &CommandError{Command: "sudo systemctl reload caddy", Stderr: "unit not found", Err: errors.New("exit 5")}
	assert.Equal(t, `remote command "sudo systemctl reload caddy": exit 5: unit not found`, err.Error())
}
