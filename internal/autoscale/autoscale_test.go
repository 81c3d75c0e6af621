package autoscale

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

	"github.com/thatjpcsguy/minipaas/internal/docker"
	"github.com/thatjpcsguy/minipaas/internal/proxy"
	"github.com/thatjpcsguy/minipaas/internal/registry"
	"github.com/thatjpcsguy/minipaas/internal/version"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name                         string
		observed, threshold, current int
		want                         int
	}{
		{name: "above threshold scales up", observed: 15, threshold: 10, current: 1, want: 2},
		{name: "below threshold at one instance", observed: 2, threshold: 10, current: 1, want: 1},
		{name: "below threshold scales down", observed: 2, threshold: 10, current: 3, want: 2},
		{name: "dead zone at threshold", observed: 10, threshold: 10, current: 3, want: 3},
		{name: "zero threshold with traffic", observed: 1, threshold: 0, current: 4, want: 5},
		{name: "zero everything", observed: 0, threshold: 0, current: 1, want: 1},
		{name: "invalid current treated as one", observed: 0, threshold: 10, current: 0, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.observed, tt.threshold, tt.current))
		})
	}
}

func appendLines(t *testing.T, path string, n int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for i := 0; i < n; i++ {
		_, err := f.WriteString(`{"request":{"uri":"/app1_0/"}}` + "\n")
		require.NoError(t, err)
	}
}

func TestLineCounterWindowedDelta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendLines(t, path, 40)

	c := NewLineCounter(path, nil)
	require.NoError(t, c.Baseline())

	n, err := c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lines before the baseline are not counted")

	appendLines(t, path, 15)
	n, err = c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 15, n)

	n, err = c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "counts are not cumulative")

	appendLines(t, path, 3)
	n, err = c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLineCounterPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntw"), 0o644))

	c := NewLineCounter(path, nil)
	n, err := c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("o\nthree\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err = c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLineCounterTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendLines(t, path, 20)

	c := NewLineCounter(path, nil)
	require.NoError(t, c.Baseline())

	// rotated: new file is shorter than the previous offset
	require.NoError(t, os.Remove(path))
	appendLines(t, path, 4)

	n, err := c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLineCounterMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	c := NewLineCounter(path, nil)
	require.NoError(t, c.Baseline())

	n, err := c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	appendLines(t, path, 2)
	n, err = c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// scriptedSampler returns counts in order, then zero
type scriptedSampler struct {
	mu     sync.Mutex
	counts []int
	errs   []error
}

func (s *scriptedSampler) Sample() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.counts) == 0 {
		return 0, nil
	}
	n := s.counts[0]
	s.counts = s.counts[1:]
	return n, nil
}

// recordingProxy renders through a real proxy.Writer into memory
type recordingProxy struct {
	mu      sync.Mutex
	writer  *proxy.Writer
	configs []string
	fail    int
}

func newRecordingProxy() *recordingProxy {
	p := &recordingProxy{}
	p.writer = proxy.NewWriter(":80", p, nil)
	return p
}

func (p *recordingProxy) Write(ctx context.Context, content []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 {
		p.fail--
		return errors.New("caddy not running")
	}
	p.configs = append(p.configs, string(content))
	return nil
}

func (p *recordingProxy) Apply(ctx context.Context, name string, ports []int) error {
	return p.writer.Apply(ctx, name, ports)
}

func (p *recordingProxy) writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.configs...)
}

// fakeRuntime records replica containers
type fakeRuntime struct {
	mu      sync.Mutex
	running map[string]docker.RunSpec
	removed []string
	failRun bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: map[string]docker.RunSpec{}}
}

func (f *fakeRuntime) Run(ctx context.Context, spec docker.RunSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRun {
		return errors.New("no space left on device")
	}
	f.running[spec.Name] = spec
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, container string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, container)
	f.removed = append(f.removed, container)
	return nil
}

type staticSpecs map[string]docker.RunSpec

func (s staticSpecs) RunningSpec(name string) (docker.RunSpec, bool) {
	spec, ok := s[name]
	return spec, ok
}

type harness struct {
	reg      *registry.Registry
	runtime  *fakeRuntime
	proxy    *recordingProxy
	replicas *Replicas
}

func newHarness(t *testing.T, workloads map[string]int) *harness {
	t.Helper()

	store := registry.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	reg, err := registry.Open(context.Background(), store, registry.Options{
		BasePort: 8000,
		Probe:    func(int) bool { return true },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	specs := staticSpecs{}
	for name, port := range workloads {
		_, err := reg.UpsertAfterDeploy(context.Background(), name, "repo-"+name, version.Initial, port)
		require.NoError(t, err)
		specs[name] = docker.RunSpec{
			Name:  "paas-" + name,
			Image: "registry.test/" + name + ":v1.0",
			Ports: []docker.PortBinding{{Host: port, Container: 80}},
			Env:   map[string]string{"APP_ENV": "prod"},
		}
	}

	h := &harness{reg: reg, runtime: newFakeRuntime(), proxy: newRecordingProxy()}
	h.replicas = &Replicas{
		Runtime:  h.runtime,
		Specs:    specs,
		Ports:    reg,
		PortFree: func(int) bool { return true },
	}
	return h
}

func (h *harness) controller(name string, threshold int, sampler Sampler) *Controller {
	return &Controller{
		Name:      name,
		Threshold: threshold,
		Sampler:   sampler,
		Scaler:    h.replicas,
		Registry:  h.reg,
		Proxy:     h.proxy,
	}
}

func TestControllerScalesUpAndWritesTwoRoutes(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	c := h.controller("app1", 10, &scriptedSampler{counts: []int{15}})
	ctx := context.Background()

	c.reset(ctx)
	require.Len(t, h.proxy.writes(), 1)

	c.cycle(ctx)

	writes := h.proxy.writes()
	require.Len(t, writes, 2)
	last := writes[len(writes)-1]
	assert.Contains(t, last, "reverse_proxy /app1_0/* 127.0.0.1:8000")
	assert.Contains(t, last, "reverse_proxy /app1_1/* 127.0.0.1:8001")
	assert.NotContains(t, last, "/app1_2/")

	rec, _ := h.reg.Get("app1")
	assert.Equal(t, 2, rec.InstanceCount)
	assert.Equal(t, 8000, rec.AllocatedPort)

	replica, ok := h.runtime.running["paas-app1-1"]
	require.True(t, ok)
	assert.Equal(t, "registry.test/app1:v1.0", replica.Image)
	assert.Equal(t, []docker.PortBinding{{Host: 8001, Container: 80}}, replica.Ports)
	assert.Equal(t, "prod", replica.Env["APP_ENV"])
}

func TestControllerDeadZoneWritesNothing(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	c := h.controller("app1", 10, &scriptedSampler{counts: []int{2, 10}})
	ctx := context.Background()

	c.reset(ctx)
	before := len(h.proxy.writes())

	c.cycle(ctx)
	c.cycle(ctx)

	assert.Len(t, h.proxy.writes(), before)
	rec, _ := h.reg.Get("app1")
	assert.Equal(t, 1, rec.InstanceCount)
	assert.Empty(t, h.runtime.running)
}

func TestControllerScalesDownHighestFirst(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	c := h.controller("app1", 10, &scriptedSampler{counts: []int{50, 50, 0, 0, 0}})
	ctx := context.Background()

	c.reset(ctx)
	c.cycle(ctx)
	c.cycle(ctx)
	rec, _ := h.reg.Get("app1")
	require.Equal(t, 3, rec.InstanceCount)

	c.cycle(ctx)
	assert.NotContains(t, h.runtime.running, "paas-app1-2")
	assert.Contains(t, h.runtime.running, "paas-app1-1")

	c.cycle(ctx)
	c.cycle(ctx)
	rec, _ = h.reg.Get("app1")
	assert.Equal(t, 1, rec.InstanceCount, "never below one instance")
	assert.Empty(t, h.runtime.running)

	last := h.proxy.writes()[len(h.proxy.writes())-1]
	assert.Contains(t, last, "/app1_0/* 127.0.0.1:8000")
	assert.NotContains(t, last, "/app1_1/")
}

func TestReplicaPortsReusedAcrossScaleCycles(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	ctx := context.Background()

	ports := []int{8000}
	for i := 0; i < 6; i++ {
		up, err := h.replicas.Scale(ctx, "app1", ports, 2)
		require.NoError(t, err)
		require.Equal(t, []int{8000, 8001}, up, "cycle %d", i)

		down, err := h.replicas.Scale(ctx, "app1", up, 1)
		require.NoError(t, err)
		require.Equal(t, []int{8000}, down)
		ports = down
	}

	next, err := h.reg.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, 8002, next, "only one port taken from the registry")
}

func TestReplicaPortsSharedBetweenWorkloads(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	h.replicas.Specs.(staticSpecs)["app2"] = docker.RunSpec{
		Name:  "paas-app2",
		Image: "registry.test/app2:v1.0",
		Ports: []docker.PortBinding{{Host: 8100, Container: 80}},
	}
	ctx := context.Background()

	up, err := h.replicas.Scale(ctx, "app1", []int{8000}, 2)
	require.NoError(t, err)
	_, err = h.replicas.Scale(ctx, "app1", up, 1)
	require.NoError(t, err)

	other, err := h.replicas.Scale(ctx, "app2", []int{8100}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{8100, 8001}, other)
	assert.Equal(t, 8001, h.runtime.running["paas-app2-1"].Ports[0].Host)
}

func TestReplicaBusyPooledPortDropped(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	ctx := context.Background()

	up, err := h.replicas.Scale(ctx, "app1", []int{8000}, 2)
	require.NoError(t, err)
	_, err = h.replicas.Scale(ctx, "app1", up, 1)
	require.NoError(t, err)

	h.replicas.PortFree = func(port int) bool { return port != 8001 }
	up, err = h.replicas.Scale(ctx, "app1", []int{8000}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{8000, 8002}, up)
}

func TestReplicaFailedStartReturnsPort(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	ctx := context.Background()

	h.runtime.failRun = true
	_, err := h.replicas.Scale(ctx, "app1", []int{8000}, 2)
	require.Error(t, err)

	h.runtime.failRun = false
	up, err := h.replicas.Scale(ctx, "app1", []int{8000}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{8000, 8001}, up)
}

func TestReplicaClearReturnsPorts(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	ctx := context.Background()

	up, err := h.replicas.Scale(ctx, "app1", []int{8000}, 3)
	require.NoError(t, err)
	require.Equal(t, []int{8000, 8001, 8002}, up)

	require.NoError(t, h.replicas.Clear(ctx, "app1", 3))
	assert.Empty(t, h.runtime.running)

	up, err = h.replicas.Scale(ctx, "app1", []int{8000}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{8000, 8001, 8002}, up)
}

func TestControllerSurvivesFailures(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	sampler := &scriptedSampler{
		errs:   []error{errors.New("permission denied"), nil, nil},
		counts: []int{20, 10},
	}
	c := h.controller("app1", 10, sampler)
	ctx := context.Background()

	c.reset(ctx)
	h.proxy.fail = 1

	// bad read: nothing happens
	c.cycle(ctx)
	rec, _ := h.reg.Get("app1")
	assert.Equal(t, 1, rec.InstanceCount)

	// scale up with the proxy unreachable: the count is recorded, the
	// routes are not
	c.cycle(ctx)
	rec, _ = h.reg.Get("app1")
	assert.Equal(t, 2, rec.InstanceCount)
	writes := len(h.proxy.writes())

	// dead zone, but the pending routes are retried
	c.cycle(ctx)
	require.Len(t, h.proxy.writes(), writes+1)
	assert.Contains(t, h.proxy.writes()[writes], "/app1_1/")
}

func TestControllerScaleFailureKeepsCount(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	h.runtime.failRun = true
	c := h.controller("app1", 10, &scriptedSampler{counts: []int{99}})
	ctx := context.Background()

	c.reset(ctx)
	c.cycle(ctx)

	rec, _ := h.reg.Get("app1")
	assert.Equal(t, 1, rec.InstanceCount)
	assert.Len(t, h.proxy.writes(), 1)
}

func TestControllerResetsStaleInstanceCount(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	_, err := h.reg.SetInstanceCount(context.Background(), "app1", 3)
	require.NoError(t, err)

	c := h.controller("app1", 10, &scriptedSampler{})
	c.reset(context.Background())

	rec, _ := h.reg.Get("app1")
	assert.Equal(t, 1, rec.InstanceCount)
	assert.Equal(t, []string{"paas-app1-2", "paas-app1-1"}, h.runtime.removed)
}

func TestControllersDoNotClobberEachOther(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000, "app2": 8001})
	ctx := context.Background()

	c1 := h.controller("app1", 10, &scriptedSampler{counts: []int{11}})
	c2 := h.controller("app2", 10, &scriptedSampler{counts: []int{11, 11}})

	var wg sync.WaitGroup
	for _, c := range []*Controller{c1, c2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.reset(ctx)
			c.cycle(ctx)
		}()
	}
	wg.Wait()
	c2.cycle(ctx)

	last := h.proxy.writes()[len(h.proxy.writes())-1]
	assert.Contains(t, last, "/app1_1/")
	assert.Contains(t, last, "/app2_2/")
}

func TestControllerRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	c := h.controller("app1", 0, &scriptedSampler{counts: []int{1, 1, 1}})
	c.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		rec, _ := h.reg.Get("app1")
		return rec.InstanceCount >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestSupervisorLifecycle(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000})
	logPath := filepath.Join(t.TempDir(), "access.log")
	appendLines(t, logPath, 100)

	s := NewSupervisor(Options{
		Registry: h.reg,
		Scaler:   h.replicas,
		Proxy:    h.proxy,
		Interval: 5 * time.Millisecond,
		LogPath:  logPath,
	})

	_, err := s.Start("ghost", 10, "")
	assert.True(t, registry.IsNotFound(err))

	_, err = s.Start("app1", -1, "")
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	info, err := s.Start("app1", 10, "")
	require.NoError(t, err)
	assert.Equal(t, logPath, info.LogPath)

	_, err = s.Start("app1", 10, "")
	assert.ErrorIs(t, err, ErrMonitorRunning)

	active := s.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "app1", active[0].Name)

	// lines written before Start do not count
	time.Sleep(30 * time.Millisecond)
	rec, _ := h.reg.Get("app1")
	assert.Equal(t, 1, rec.InstanceCount)

	// the next quiet sample scales back down, so look for the routes
	appendLines(t, logPath, 50)
	require.Eventually(t, func() bool {
		for _, w := range h.proxy.writes() {
			if strings.Contains(w, "/app1_1/* 127.0.0.1:8001") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background(), "app1"))
	assert.ErrorIs(t, s.Stop(context.Background(), "app1"), ErrMonitorNotRunning)
	assert.Empty(t, s.Active())
}

func TestSupervisorStopAll(t *testing.T) {
	h := newHarness(t, map[string]int{"app1": 8000, "app2": 8001})
	s := NewSupervisor(Options{
		Registry: h.reg,
		Scaler:   h.replicas,
		Proxy:    h.proxy,
		Interval: time.Hour,
		LogPath:  filepath.Join(t.TempDir(), "access.log"),
	})

	_, err := s.Start("app1", 10, "")
	require.NoError(t, err)
	_, err = s.Start("app2", 10, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.StopAll(ctx))
	assert.Empty(t, s.Active())
}
