package replay

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Capture appends raw decoder lines to a file, zstd-compressed when the name
// ends in .zst. It is safe for concurrent use.
type Capture struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	enc *zstd.Encoder
	err error
}

// Create truncates or creates the capture file at path.
func Create(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	c := &Capture{f: f}
	if IsCompressed(path) {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd writer %s: %w", path, err)
		}
		c.enc = enc
		c.buf = bufio.NewWriter(enc)
	} else {
		c.buf = bufio.NewWriter(f)
	}
	return c, nil
}

// WriteLine appends line and a newline. The first write error is kept and
// returned by Close.
func (c *Capture) WriteLine(line []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if _, err := c.buf.Write(line); err != nil {
		c.err = err
		return
	}
	c.err = c.buf.WriteByte('\n')
}

// Close flushes and closes the file.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.err
	if ferr := c.buf.Flush(); err == nil {
		err = ferr
	}
	if c.enc != nil {
		if cerr := c.enc.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}
