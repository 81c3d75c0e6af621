package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/thatjpcsguy/minipaas/internal/build"
	"github.com/thatjpcsguy/minipaas/internal/git"
	"github.com/thatjpcsguy/minipaas/internal/registry"
)

// EnvPrefix is prepended to a config key to override it from the environment
const EnvPrefix = "MINIPAAS_"

// Config represents the minipaas configuration
type Config struct {
	// Daemon settings
	ListenAddr string
	LogLevel   string

	// Registry settings
	StateBackend   string
	StatePath      string
	BasePort       int
	PortProbeLimit int

	// Build settings
	WorkDir        string
	WorktreePolicy string
	RegistryHost   string
	ServicePort    int
	BaseImage      string
	InstallCommand string

	// Runtime defaults applied to every deploy
	DeployEnv   map[string]string
	CPULimit    string
	MemoryLimit string

	// Proxy settings
	ProxyConfigPath    string
	ProxyListen        string
	ProxyContainer     string
	ProxyReloadSignal  string
	ProxySSHHost       string
	ProxySSHUser       string
	ProxyReloadCommand string
	SSHKeyPath         string

	// Autoscale settings
	RequestLogPath  string
	MonitorInterval time.Duration

	// Hooks (fallback if hook files don't exist)
	HooksDir           string
	PostDeployScript   string
	PostRollbackScript string
}

// Default returns the configuration used when no file sets a key
func Default() *Config {
	return &Config{
		ListenAddr:         "127.0.0.1:7070",
		LogLevel:           "info",
		StateBackend:       registry.BackendJSON,
		StatePath:          "~/.minipaas/state.json",
		BasePort:           8000,
		PortProbeLimit:     registry.DefaultProbeLimit,
		WorkDir:            "~/.minipaas/work",
		WorktreePolicy:     string(git.PolicyReset),
		RegistryHost:       "localhost:5000",
		ServicePort:        80,
		BaseImage:          build.DefaultBaseImage,
		InstallCommand:     build.DefaultInstallCommand,
		DeployEnv:          map[string]string{},
		ProxyConfigPath:    "~/.minipaas/Caddyfile",
		ProxyListen:        ":80",
		ProxyContainer:     "caddy",
		ProxyReloadSignal:  "HUP",
		ProxyReloadCommand: "sudo systemctl reload caddy",
		RequestLogPath:     "/var/log/caddy/access.log",
		MonitorInterval:    60 * time.Second,
		HooksDir:           ".minipaas/hooks",
	}
}

// Load reads the layered config files from the home and working directories,
// applies MINIPAAS_ environment overrides, and validates the result
func Load() (*Config, error) {
	var files []string

	// Global config first (lowest priority)
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".minipaas", "config"))
	}
	files = append(files, ".minipaas.config", ".minipaas.config.local")

	return LoadFiles(os.LookupEnv, files...)
}

// LoadFiles applies files in order, later files taking precedence, then the
// environment. Missing files are skipped.
func LoadFiles(lookup func(string) (string, bool), files ...string) (*Config, error) {
	cfg := Default()

	for _, path := range files {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if lookup != nil {
		for _, key := range Keys() {
			if value, ok := lookup(EnvPrefix + key); ok {
				if err := cfg.set(key, value); err != nil {
					return nil, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
				}
			}
		}
	}

	if err := cfg.expandVariables(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadConfigFile parses a bash-style config file
func loadConfigFile(filename string, cfg *Config) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	// Regex to match KEY="value" or KEY=value
	re := regexp.MustCompile(`^([A-Z_]+)=(.*)$`)

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		matches := re.FindStringSubmatch(line)
		if matches == nil {
			continue
		}

		if err := cfg.set(matches[1], strings.Trim(matches[2], `"'`)); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}

	return scanner.Err()
}

var setters = map[string]func(c *Config, value string) error{
	"LISTEN_ADDR":          func(c *Config, v string) error { c.ListenAddr = v; return nil },
	"LOG_LEVEL":            func(c *Config, v string) error { c.LogLevel = strings.ToLower(v); return nil },
	"STATE_BACKEND":        func(c *Config, v string) error { c.StateBackend = v; return nil },
	"STATE_PATH":           func(c *Config, v string) error { c.StatePath = v; return nil },
	"BASE_PORT":            intSetter(func(c *Config) *int { return &c.BasePort }),
	"PORT_PROBE_LIMIT":     intSetter(func(c *Config) *int { return &c.PortProbeLimit }),
	"WORK_DIR":             func(c *Config, v string) error { c.WorkDir = v; return nil },
	"WORKTREE_POLICY":      func(c *Config, v string) error { c.WorktreePolicy = v; return nil },
	"REGISTRY_HOST":        func(c *Config, v string) error { c.RegistryHost = v; return nil },
	"SERVICE_PORT":         intSetter(func(c *Config) *int { return &c.ServicePort }),
	"BASE_IMAGE":           func(c *Config, v string) error { c.BaseImage = v; return nil },
	"INSTALL_COMMAND":      func(c *Config, v string) error { c.InstallCommand = v; return nil },
	"DEPLOY_ENV":           func(c *Config, v string) error { return c.setDeployEnv(v) },
	"CPU_LIMIT":            func(c *Config, v string) error { c.CPULimit = v; return nil },
	"MEMORY_LIMIT":         func(c *Config, v string) error { c.MemoryLimit = v; return nil },
	"PROXY_CONFIG_PATH":    func(c *Config, v string) error { c.ProxyConfigPath = v; return nil },
	"PROXY_LISTEN":         func(c *Config, v string) error { c.ProxyListen = v; return nil },
	"PROXY_CONTAINER":      func(c *Config, v string) error { c.ProxyContainer = v; return nil },
	"PROXY_RELOAD_SIGNAL":  func(c *Config, v string) error { c.ProxyReloadSignal = v; return nil },
	"PROXY_SSH_HOST":       func(c *Config, v string) error { c.ProxySSHHost = v; return nil },
	"PROXY_SSH_USER":       func(c *Config, v string) error { c.ProxySSHUser = v; return nil },
	"PROXY_RELOAD_COMMAND": func(c *Config, v string) error { c.ProxyReloadCommand = v; return nil },
	"SSH_KEY_PATH":         func(c *Config, v string) error { c.SSHKeyPath = v; return nil },
	"REQUEST_LOG_PATH":     func(c *Config, v string) error { c.RequestLogPath = v; return nil },
	"MONITOR_INTERVAL":     func(c *Config, v string) error { return c.setInterval(v) },
	"HOOKS_DIR":            func(c *Config, v string) error { c.HooksDir = v; return nil },
	"POST_DEPLOY_SCRIPT":   func(c *Config, v string) error { c.PostDeployScript = v; return nil },
	"POST_ROLLBACK_SCRIPT": func(c *Config, v string) error { c.PostRollbackScript = v; return nil },
}

// Keys returns every recognised config key, sorted
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// set assigns a single key. Unknown keys are ignored.
func (c *Config) set(key, value string) error {
	fn, ok := setters[key]
	if !ok {
		return nil
	}
	if err := fn(c, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func intSetter(field func(c *Config) *int) func(c *Config, value string) error {
	return func(c *Config, value string) error {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("not an integer: %q", value)
		}
		*field(c) = n
		return nil
	}
}

// setInterval accepts a Go duration ("90s") or a bare number of seconds
func (c *Config) setInterval(value string) error {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		c.MonitorInterval = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("not a duration: %q", value)
	}
	c.MonitorInterval = d
	return nil
}

// setDeployEnv parses K=V,K=V into DeployEnv, replacing earlier values
func (c *Config) setDeployEnv(value string) error {
	env := map[string]string{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return fmt.Errorf("expected KEY=value, got %q", pair)
		}
		env[k] = v
	}
	c.DeployEnv = env
	return nil
}

// expandVariables expands environment variables and tildes in paths
func (c *Config) expandVariables() error {
	// Expand ${USER} in ProxySSHUser
	if c.ProxySSHUser == "${USER}" || c.ProxySSHUser == "$USER" {
		c.ProxySSHUser = os.Getenv("USER")
	}

	paths := []*string{&c.StatePath, &c.WorkDir, &c.RequestLogPath, &c.SSHKeyPath, &c.HooksDir}

	// Don't expand ~ in a remote PROXY_CONFIG_PATH - it names a file on the proxy host
	if !c.RemoteProxy() {
		paths = append(paths, &c.ProxyConfigPath)
	}

	for _, p := range paths {
		if !strings.HasPrefix(*p, "~") {
			continue
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to expand ~ in %s: %w", *p, err)
		}
		*p = strings.Replace(*p, "~", homeDir, 1)
	}

	return nil
}

// Validate checks that required fields are set and values are in range
func (c *Config) Validate() error {
	var problems []string

	required := map[string]string{
		"LISTEN_ADDR":       c.ListenAddr,
		"STATE_PATH":        c.StatePath,
		"WORK_DIR":          c.WorkDir,
		"REGISTRY_HOST":     c.RegistryHost,
		"BASE_IMAGE":        c.BaseImage,
		"PROXY_CONFIG_PATH": c.ProxyConfigPath,
	}
	var missing []string
	for field, value := range required {
		if value == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		problems = append(problems, "missing required configuration fields: "+strings.Join(missing, ", "))
	}

	switch c.StateBackend {
	case registry.BackendJSON, registry.BackendSQLite:
	default:
		problems = append(problems, fmt.Sprintf("STATE_BACKEND must be %s or %s", registry.BackendJSON, registry.BackendSQLite))
	}

	if _, err := git.ParsePolicy(c.WorktreePolicy); err != nil {
		problems = append(problems, err.Error())
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "LOG_LEVEL must be one of debug, info, warn, error")
	}

	if c.BasePort < 1 || c.BasePort > 65535 {
		problems = append(problems, "BASE_PORT must be between 1 and 65535")
	}
	if c.PortProbeLimit < 1 {
		problems = append(problems, "PORT_PROBE_LIMIT must be at least 1")
	}
	if c.ServicePort < 1 || c.ServicePort > 65535 {
		problems = append(problems, "SERVICE_PORT must be between 1 and 65535")
	}
	if c.MonitorInterval <= 0 {
		problems = append(problems, "MONITOR_INTERVAL must be positive")
	}
	if c.ProxySSHHost != "" && c.ProxySSHUser == "" {
		problems = append(problems, "PROXY_SSH_USER is required when PROXY_SSH_HOST is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RemoteProxy reports whether the proxy config is applied over SSH
func (c *Config) RemoteProxy() bool {
	return c.ProxySSHHost != ""
}

// ServerURL is the base URL CLI commands use to reach the daemon
func (c *Config) ServerURL() string {
	if strings.HasPrefix(c.ListenAddr, "http://") || strings.HasPrefix(c.ListenAddr, "https://") {
		return c.ListenAddr
	}
	addr := c.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
