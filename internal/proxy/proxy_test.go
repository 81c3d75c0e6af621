package proxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	writes []string
	err    error
}

func (m *memSink) Write(ctx context.Context, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes = append(m.writes, string(content))
	return nil
}

func (m *memSink) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return ""
	}
	return m.writes[len(m.writes)-1]
}

func TestRender(t *testing.T) {
	got := Render(":80", []Route{
		{Workload: "app2", Ports: []int{8001}},
		{Workload: "app1", Ports: []int{8000, 8005}},
	})

	want := `# Generated by minipaas. Changes will be overwritten.
:80 {
	# app1
	reverse_proxy /app1_0/* 127.0.0.1:8000
	reverse_proxy /app1_1/* 127.0.0.1:8005

	# app2
	reverse_proxy /app2_0/* 127.0.0.1:8001
}
`
	assert.Equal(t, want, got)
}

func TestRenderEmpty(t *testing.T) {
	got := Render("", nil)
	assert.Contains(t, got, ":80 {\n}")
}

func TestRenderWorkloadOneLinePerInstance(t *testing.T) {
	out := RenderWorkload("app1", []int{8000, 8010, 8011})
	assert.Equal(t, 3, strings.Count(out, "reverse_proxy"))
	assert.Contains(t, out, "/app1_2/* 127.0.0.1:8011")
}

func TestWriterKeepsOtherWorkloads(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(":80", sink, nil)
	ctx := context.Background()

	require.NoError(t, w.Apply(ctx, "app1", []int{8000, 8005}))
	require.NoError(t, w.Apply(ctx, "app2", []int{8001}))

	last := sink.last()
	assert.Contains(t, last, "/app1_1/* 127.0.0.1:8005")
	assert.Contains(t, last, "/app2_0/* 127.0.0.1:8001")

	require.NoError(t, w.Apply(ctx, "app1", []int{8000}))
	last = sink.last()
	assert.NotContains(t, last, "/app1_1/")
	assert.Contains(t, last, "/app2_0/")
}

func TestWriterConcurrentApply(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(":80", sink, nil)

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Apply(context.Background(), name, []int{9000}))
		}()
	}
	wg.Wait()

	last := sink.last()
	for _, name := range []string{"a", "b", "c", "d"} {
		assert.Contains(t, last, "# "+name+"\n")
	}
}

func TestWriterFailure(t *testing.T) {
	sink := &memSink{err: errors.New("read-only file system")}
	w := NewWriter(":80", sink, nil)

	err := w.Apply(context.Background(), "app1", []int{8000})
	assert.ErrorIs(t, err, ErrConfigWrite)
	assert.Len(t, w.Routes(), 1)
}

type fakeSignaler struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (f *fakeSignaler) Kill(ctx context.Context, container, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, container+":"+signal)
	if f.failures > 0 {
		f.failures--
		return errors.New("container not running")
	}
	return nil
}

func TestFileSinkWritesAndSignals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Caddyfile")
	sig := &fakeSignaler{failures: 2}
	sink := &FileSink{
		Path:          path,
		Container:     "caddy",
		Signal:        "USR1",
		Signaler:      sig,
		ReloadRetries: 3,
		RetryInterval: time.Millisecond,
	}

	require.NoError(t, sink.Write(context.Background(), []byte(":80 {\n}\n")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":80 {\n}\n", string(got))
	assert.Equal(t, []string{"caddy:USR1", "caddy:USR1", "caddy:USR1"}, sig.calls)
}

func TestFileSinkGivesUp(t *testing.T) {
	sig := &fakeSignaler{failures: 10}
	sink := &FileSink{
		Path:          filepath.Join(t.TempDir(), "Caddyfile"),
		Container:     "caddy",
		Signaler:      sig,
		ReloadRetries: 2,
		RetryInterval: time.Millisecond,
	}

	err := sink.Write(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Len(t, sig.calls, 3)
	assert.Equal(t, "caddy:HUP", sig.calls[0])
}

type fakeRemote struct {
	uploads  map[string]string
	commands []string
	closed   bool
}

func (f *fakeRemote) Execute(command string) (string, error) {
	f.commands = append(f.commands, command)
	return "", nil
}

func (f *fakeRemote) Upload(content []byte, remotePath string) error {
	f.uploads[remotePath] = string(content)
	return nil
}

func (f *fakeRemote) Close() error {
	f.closed = true
	return nil
}

func TestSSHSink(t *testing.T) {
	remote := &fakeRemote{uploads: map[string]string{}}
	sink := &SSHSink{
		Dial:          func() (RemoteExecutor, error) { return remote, nil },
		Path:          "/etc/caddy/Caddyfile",
		ReloadCommand: "sudo systemctl reload caddy",
	}

	require.NoError(t, sink.Write(context.Background(), []byte("config")))
	assert.Equal(t, "config", remote.uploads["/etc/caddy/Caddyfile.tmp"])
	assert.Equal(t, []string{
		"sudo mv '/etc/caddy/Caddyfile.tmp' '/etc/caddy/Caddyfile' && sudo systemctl reload caddy",
	}, remote.commands)
	assert.True(t, remote.closed)
}
