// Package extract writes archive members into a destination directory.
//
// Backends that read an archive in-process feed entries to a Job one at a time; the Job
// handles path safety, chunked copying with progress, cancellation, and restoring file
// and directory metadata in the right order.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mcdonaldj/epack/internal/logging"
	"github.com/mcdonaldj/epack/internal/ports"
	"github.com/spf13/afero"
)

// DefaultChunkSize is the copy buffer size. Progress is reported and cancellation is
// checked once per chunk.
const DefaultChunkSize = 32 * 1024

const defaultFileMode fs.FileMode = 0o644

// Engine creates extraction jobs on a filesystem.
type Engine struct {
	fs        afero.Fs
	chunkSize int
	log       *logging.Logger
}

// Option is a functional option for configuring Engine.
type Option func(*Engine)

// WithChunkSize sets the copy buffer size. Values below 1 are ignored.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithLogger sets the logger used for skipped entries.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an Engine writing to fsys. A nil fsys means the OS filesystem.
func New(fsys afero.Fs, opts ...Option) *Engine {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	e := &Engine{
		fs:        fsys,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fs returns the filesystem the engine writes to.
func (e *Engine) Fs() afero.Fs {
	return e.fs
}

// Job is one extraction into one destination. It is not safe for concurrent use; the
// goroutine that created it owns it.
type Job struct {
	engine  *Engine
	dest    string
	total   int64
	written int64
	report  func(ports.Progress)
	buf     []byte

	dirs    map[string]int
	pending []dirMeta
}

type dirMeta struct {
	path    string
	mode    fs.FileMode
	modTime time.Time
	depth   int
	seq     int
}

// Start begins a job writing into destDir, which must be an existing directory. total is
// the sum of regular file sizes and is the denominator of every reported fraction.
func (e *Engine) Start(destDir string, total int64, report func(ports.Progress)) (*Job, error) {
	info, err := e.fs.Stat(destDir)
	if err != nil {
		return nil, fmt.Errorf("%w: destination %s: %w", ports.ErrWrite, destDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: destination %s is not a directory", ports.ErrWrite, destDir)
	}
	if report == nil {
		report = func(ports.Progress) {}
	}
	return &Job{
		engine: e,
		dest:   filepath.Clean(destDir),
		total:  total,
		report: report,
		buf:    make([]byte, e.chunkSize),
		dirs:   make(map[string]int),
	}, nil
}

// Written returns the number of content bytes written so far.
func (j *Job) Written() int64 { return j.written }

// Total returns the job's declared total.
func (j *Job) Total() int64 { return j.total }

func (j *Job) fraction() float64 {
	if j.total <= 0 {
		return 0
	}
	f := float64(j.written) / float64(j.total)
	if f > 1 {
		return 1
	}
	return f
}

// Skip records an entry that will not be written, such as a link or device node.
func (j *Job) Skip(name, reason string) {
	j.engine.log.Warn("skipping %s: %s", name, reason)
}

// Write materialises one entry. For directories open is never called. For regular files
// open must return a reader over exactly entry.Size bytes; more or less data is a read
// error.
func (j *Job) Write(ctx context.Context, entry ports.Entry, open func() (io.ReadCloser, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := SafeJoin(j.dest, entry.Path)
	if err != nil {
		return err
	}
	if target == j.dest {
		// "./" and similar name the destination itself
		return nil
	}

	if entry.IsDir {
		return j.writeDir(target, entry)
	}
	return j.writeFile(ctx, target, entry, open)
}

func (j *Job) writeDir(target string, entry ports.Entry) error {
	if err := j.engine.fs.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("%w: creating directory %s: %w", ports.ErrWrite, entry.Path, err)
	}

	mode := entry.Mode.Perm()
	if mode == 0 {
		mode = 0o755
	}
	meta := dirMeta{
		path:    target,
		mode:    mode,
		modTime: entry.ModTime,
		depth:   strings.Count(target, string(filepath.Separator)),
	}
	// Duplicate directory entries keep their first position; the last metadata wins.
	if i, ok := j.dirs[target]; ok {
		meta.seq = j.pending[i].seq
		j.pending[i] = meta
	} else {
		meta.seq = len(j.pending)
		j.dirs[target] = len(j.pending)
		j.pending = append(j.pending, meta)
	}

	j.report(ports.Progress{Fraction: j.fraction(), Name: entry.Path})
	return nil
}

func (j *Job) writeFile(ctx context.Context, target string, entry ports.Entry, open func() (io.ReadCloser, error)) error {
	fsys := j.engine.fs
	if err := fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: creating parent of %s: %w", ports.ErrWrite, entry.Path, err)
	}

	rc, err := open()
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ports.ErrRead, entry.Path, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := j.create(target)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", ports.ErrWrite, entry.Path, err)
	}

	copied, err := j.copyChunks(ctx, out, rc, entry)
	if err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", ports.ErrWrite, entry.Path, err)
	}
	if copied < entry.Size {
		return fmt.Errorf("%w: %s: truncated after %d of %d bytes", ports.ErrRead, entry.Path, copied, entry.Size)
	}
	if copied == 0 {
		j.report(ports.Progress{Fraction: j.fraction(), Name: entry.Path})
	}

	mode := entry.Mode.Perm()
	if mode == 0 {
		mode = defaultFileMode
	}
	if err := fsys.Chmod(target, mode); err != nil {
		return fmt.Errorf("%w: chmod %s: %w", ports.ErrWrite, entry.Path, err)
	}
	if !entry.ModTime.IsZero() {
		if err := fsys.Chtimes(target, entry.ModTime, entry.ModTime); err != nil {
			return fmt.Errorf("%w: setting times on %s: %w", ports.ErrWrite, entry.Path, err)
		}
	}
	return nil
}

// create opens target for writing. An existing file that cannot be opened, such as a
// read-only file from an earlier extraction, is unlinked and created again.
func (j *Job) create(target string) (afero.File, error) {
	fsys := j.engine.fs
	out, err := fsys.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err == nil {
		return out, nil
	}
	info, serr := fsys.Stat(target)
	if serr != nil || info.IsDir() {
		return nil, err
	}
	if rerr := fsys.Remove(target); rerr != nil {
		return nil, err
	}
	return fsys.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
}

// copyChunks copies at most entry.Size bytes, reporting after every chunk. One extra
// byte is allowed through the limit so oversize members are detected.
func (j *Job) copyChunks(ctx context.Context, w io.Writer, r io.Reader, entry ports.Entry) (int64, error) {
	limited := io.LimitReader(r, entry.Size+1)
	var copied int64
	for {
		n, rerr := limited.Read(j.buf)
		if n > 0 {
			if copied+int64(n) > entry.Size {
				return copied, fmt.Errorf("%w: %s: content exceeds declared size %d", ports.ErrRead, entry.Path, entry.Size)
			}
			if _, werr := w.Write(j.buf[:n]); werr != nil {
				return copied, fmt.Errorf("%w: writing %s: %w", ports.ErrWrite, entry.Path, werr)
			}
			copied += int64(n)
			j.written += int64(n)
			j.report(ports.Progress{Fraction: j.fraction(), Name: entry.Path})
			if err := ctx.Err(); err != nil {
				return copied, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return copied, nil
		}
		if rerr != nil {
			return copied, fmt.Errorf("%w: reading %s: %w", ports.ErrRead, entry.Path, rerr)
		}
	}
}

// Finish applies deferred directory metadata and reports completion. Directories are
// processed deepest first, each getting its mode and then its mtime, so a restrictive
// parent never blocks a child.
func (j *Job) Finish(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dirs := make([]dirMeta, len(j.pending))
	copy(dirs, j.pending)
	sort.SliceStable(dirs, func(a, b int) bool {
		if dirs[a].depth != dirs[b].depth {
			return dirs[a].depth > dirs[b].depth
		}
		return dirs[a].seq > dirs[b].seq
	})

	fsys := j.engine.fs
	for _, d := range dirs {
		if err := fsys.Chmod(d.path, d.mode); err != nil {
			return fmt.Errorf("%w: chmod %s: %w", ports.ErrWrite, d.path, err)
		}
		if d.modTime.IsZero() {
			continue
		}
		if err := fsys.Chtimes(d.path, d.modTime, d.modTime); err != nil {
			return fmt.Errorf("%w: setting times on %s: %w", ports.ErrWrite, d.path, err)
		}
	}

	j.report(ports.Progress{Fraction: 1})
	return nil
}
