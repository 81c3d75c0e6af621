package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultTimeout bounds the TCP connect and handshake
const DefaultTimeout = 15 * time.Second

// defaultKeys are tried in order when no key path is configured
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Options configures a connection to the proxy host
type Options struct {
	User string
	// Host may carry a port; 22 is assumed otherwise
	Host    string
	KeyPath string
	// KnownHosts defaults to ~/.ssh/known_hosts
	KnownHosts string
	Timeout    time.Duration
}

// CommandError is a remote command that exited unsuccessfully
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("remote command %q: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("remote command %q: %v: %s", e.Command, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Client is a connection to one remote host
type Client struct {
	Host   string
	User   string
	client *ssh.Client
}

// NewClient connects to host as user with the default options
func NewClient(user, host, keyPath string) (*Client, error) {
	return Dial(Options{User: user, Host: host, KeyPath: keyPath})
}

// Dial connects with key authentication, verifying the host key against
// known_hosts
func Dial(opts Options) (*Client, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	signer, err := loadSigner(home, opts.KeyPath)
	if err != nil {
		return nil, err
	}

	knownHosts := opts.KnownHosts
	if knownHosts == "" {
		knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeyCallback, err := knownhosts.New(expandHome(home, knownHosts))
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", hostAddr(opts.Host), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s@%s: %w", opts.User, opts.Host, err)
	}

	return &Client{Host: opts.Host, User: opts.User, client: client}, nil
}

func hostAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "22")
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~") {
		return home + strings.TrimPrefix(path, "~")
	}
	return path
}

// readKey returns the key at keyPath, or the first default key found in ~/.ssh
func readKey(home, keyPath string) ([]byte, error) {
	if keyPath != "" {
		key, err := os.ReadFile(expandHome(home, keyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key: %w", err)
		}
		return key, nil
	}

	for _, name := range defaultKeys {
		key, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read SSH key: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to read SSH key: none of %s found in %s",
		strings.Join(defaultKeys, ", "), filepath.Join(home, ".ssh"))
}

func loadSigner(home, keyPath string) (ssh.Signer, error) {
	key, err := readKey(home, keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// Close closes the SSH connection
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Execute runs command in a new session and returns its stdout
func (c *Client) Execute(command string) (string, error) {
	var stdout bytes.Buffer
	if err := c.run(command, nil, &stdout); err != nil {
		return "", err
	}
	return stdout.String(), nil
}

// Upload streams content into remotePath, replacing it
func (c *Client) Upload(content []byte, remotePath string) error {
	return c.run("cat > "+ShellQuote(remotePath), bytes.NewReader(content), nil)
}

func (c *Client) run(command string, stdin *bytes.Reader, stdout *bytes.Buffer) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stderr bytes.Buffer
	if stdin != nil {
		session.Stdin = stdin
	}
	if stdout != nil {
		session.Stdout = stdout
	}
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		return &CommandError{Command: command, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return nil
}

// ShellQuote quotes s for a POSIX shell
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
