// Package replay feeds captured rtl_433 output through the same routing path
// as a live session.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/router"
	"github.com/modoterra/rtlstream/pkg/subscription"
)

// DefaultPollInterval is how often a followed file is checked for new data.
const DefaultPollInterval = 250 * time.Millisecond

// ErrFollowCompressed is returned when following a zstd capture.
var ErrFollowCompressed = errors.New("cannot follow a compressed capture")

// Options controls how a capture is read.
type Options struct {
	// Follow keeps reading as the file grows until the context is done.
	Follow bool

	// FromEnd skips existing content when following.
	FromEnd bool

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration

	Logger  *slog.Logger
	Metrics *router.Metrics

	// MaxLineSize bounds a single line, see router.WithMaxLineSize.
	MaxLineSize int
}

// IsCompressed reports whether path names a zstd capture.
func IsCompressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

// Open returns a reader over the capture at path. Files ending in .zst are
// decompressed. With opts.Follow the reader waits for appended data and
// reports io.EOF only once ctx is done.
func Open(ctx context.Context, path string, opts Options) (io.ReadCloser, error) {
	if opts.Follow && IsCompressed(path) {
		return nil, ErrFollowCompressed
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if IsCompressed(path) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd reader %s: %w", path, err)
		}
		return &zstdFile{dec: dec, f: f}, nil
	}

	if !opts.Follow {
		return f, nil
	}

	if opts.FromEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &tailReader{ctx: ctx, f: f, poll: poll}, nil
}

// Replay routes every record of the capture at path into subs and returns
// the router statistics once the capture is exhausted (or, when following,
// once ctx is done).
func Replay(ctx context.Context, path string, subs []*subscription.Subscription, opts Options) (core.StreamStats, error) {
	r, err := Open(ctx, path, opts)
	if err != nil {
		return core.StreamStats{}, err
	}
	defer r.Close()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("replaying capture", "path", path, "follow", opts.Follow)

	rt := router.New(core.StreamReplay, r, subs,
		router.WithLogger(logger),
		router.WithMetrics(opts.Metrics),
		router.WithMaxLineSize(opts.MaxLineSize))
	rt.Run()

	st := rt.Stats()
	if err := rt.Err(); err != nil {
		return st, fmt.Errorf("replay %s: %w", path, err)
	}
	return st, nil
}

type zstdFile struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdFile) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdFile) Close() error {
	z.dec.Close()
	return z.f.Close()
}

type tailFile interface {
	io.ReadSeekCloser
	Stat() (fs.FileInfo, error)
}

// tailReader polls a file for appended data, seeking back to the start when
// the file is truncated.
type tailReader struct {
	ctx  context.Context
	f    tailFile
	poll time.Duration
}

func (t *tailReader) Read(p []byte) (int, error) {
	for {
		n, err := t.f.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		rewound, err := t.rewindIfTruncated()
		if err != nil {
			return 0, err
		}
		if rewound {
			continue
		}

		select {
		case <-t.ctx.Done():
			return 0, io.EOF
		case <-time.After(t.poll):
		}
	}
}

// rewindIfTruncated seeks to the start when the file shrank below the
// current offset.
func (t *tailReader) rewindIfTruncated() (bool, error) {
	info, err := t.f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat: %w", err)
	}
	pos, err := t.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, fmt.Errorf("seek: %w", err)
	}
	if info.Size() >= pos {
		return false, nil
	}
	if _, err := t.f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("rewind after truncation: %w", err)
	}
	return true, nil
}

func (t *tailReader) Close() error { return t.f.Close() }
