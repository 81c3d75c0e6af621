package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/thatjpcsguy/minipaas/internal/fsutil"
	"github.com/thatjpcsguy/minipaas/internal/ssh"
)

// Signaler delivers a signal to a named container
type Signaler interface {
	Kill(ctx context.Context, container, signal string) error
}

// FileSink writes the configuration to a local file and signals the proxy container
type FileSink struct {
	Path string
	// Container is the proxy container to signal; empty skips the reload
	Container string
	Signal    string
	Signaler  Signaler

	ReloadRetries uint64
	RetryInterval time.Duration
}

// Write replaces the file atomically, then signals the proxy
func (s *FileSink) Write(ctx context.Context, content []byte) error {
	if err := fsutil.WriteFileAtomic(s.Path, content, 0644); err != nil {
		return err
	}

	if s.Container == "" || s.Signaler == nil {
		return nil
	}

	signal := s.Signal
	if signal == "" {
		signal = "HUP"
	}
	interval := s.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), s.ReloadRetries), ctx)
	err := backoff.Retry(func() error {
		return s.Signaler.Kill(ctx, s.Container, signal)
	}, b)
	if err != nil {
		return fmt.Errorf("failed to signal %s: %w", s.Container, err)
	}

	return nil
}

// RemoteExecutor runs commands and writes files on a remote host
type RemoteExecutor interface {
	Execute(command string) (string, error)
	Upload(content []byte, remotePath string) error
	Close() error
}

// SSHSink writes the configuration on the proxy host over SSH
type SSHSink struct {
	Dial          func() (RemoteExecutor, error)
	Path          string
	ReloadCommand string
}

// NewSSHSink returns a sink connecting to host as user for every write
func NewSSHSink(user, host, keyPath, path, reloadCommand string) *SSHSink {
	return &SSHSink{
		Dial: func() (RemoteExecutor, error) {
			return ssh.NewClient(user, host, keyPath)
		},
		Path:          path,
		ReloadCommand: reloadCommand,
	}
}

// Write uploads to a temp file beside Path, moves it into place and runs the reload command
func (s *SSHSink) Write(ctx context.Context, content []byte) error {
	client, err := s.Dial()
	if err != nil {
		return fmt.Errorf("failed to connect to proxy host: %w", err)
	}
	defer func() { _ = client.Close() }()

	tmpPath := s.Path + ".tmp"
	if err := client.Upload(content, tmpPath); err != nil {
		return fmt.Errorf("failed to write config to temp file: %w", err)
	}

	deployCmd := fmt.Sprintf("sudo mv %s %s", ssh.ShellQuote(tmpPath), ssh.ShellQuote(s.Path))
	if s.ReloadCommand != "" {
		deployCmd += " && " + s.ReloadCommand
	}
	if _, err := client.Execute(deployCmd); err != nil {
		return fmt.Errorf("failed to deploy proxy config: %w", err)
	}

	return nil
}
