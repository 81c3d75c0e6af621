package autoscale

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LineCounter counts lines appended to a log file between samples
type LineCounter struct {
	path   string
	offset int64
	logger *slog.Logger
}

// NewLineCounter creates a counter for path. Call Baseline before the first
// Sample to ignore lines written before monitoring started.
func NewLineCounter(path string, logger *slog.Logger) *LineCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineCounter{path: path, logger: logger}
}

// Path returns the log file being sampled
func (c *LineCounter) Path() string {
	return c.path
}

// Baseline moves the offset to the current end of the file
func (c *LineCounter) Baseline() error {
	info, err := os.Stat(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.offset = 0
			return nil
		}
		return fmt.Errorf("failed to stat request log: %w", err)
	}
	c.offset = info.Size()
	return nil
}

// Sample returns the number of newline characters written since the previous
// sample. A file smaller than the last offset was truncated or rotated and is
// counted from the start. A missing file counts as zero.
func (c *LineCounter) Sample() (int, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("request log does not exist, counting zero requests", "path", c.path)
			c.offset = 0
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open request log: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat request log: %w", err)
	}

	size := info.Size()
	if size < c.offset {
		c.logger.Info("request log shrank, counting from the start", "path", c.path, "size", size, "offset", c.offset)
		c.offset = 0
	}

	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek request log: %w", err)
	}

	// Only read up to the size seen above so the next sample starts exactly
	// where this one stopped
	r := io.LimitReader(f, size-c.offset)
	buf := make([]byte, 32*1024)
	count := 0
	var read int64
	for {
		n, err := r.Read(buf)
		count += bytes.Count(buf[:n], []byte{'\n'})
		read += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			c.offset += read
			return count, fmt.Errorf("failed to read request log: %w", err)
		}
	}

	c.offset += read
	return count, nil
}
