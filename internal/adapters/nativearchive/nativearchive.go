// Package nativearchive provides an in-process backend using github.com/mholt/archives.
package nativearchive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mcdonaldj/epack/internal/extract"
	"github.com/mcdonaldj/epack/internal/logging"
	"github.com/mcdonaldj/epack/internal/ports"
	"github.com/mholt/archives"
)

// Name identifies this backend in configuration.
const Name = "native"

// Backend implements ports.Backend by reading the archive in-process.
type Backend struct {
	engine *extract.Engine
	log    *logging.Logger
}

// Option is a functional option for configuring Backend.
type Option func(*Backend)

// WithEngine sets the extraction engine (and through it the target filesystem).
func WithEngine(e *extract.Engine) Option {
	return func(b *Backend) {
		b.engine = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Backend) {
		b.log = l
	}
}

// New creates a native backend. It never fails; the error return keeps the constructor
// shape shared with backends that depend on external tools.
func New(opts ...Option) (*Backend, error) {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}
	if b.engine == nil {
		b.engine = extract.New(nil, extract.WithLogger(b.log))
	}
	return b, nil
}

// Name returns "native".
func (b *Backend) Name() string { return Name }

// List enumerates the archive's files and directories, sorted by path.
// Links and special files are left out.
func (b *Backend) List(ctx context.Context, archivePath string) (ports.Listing, error) {
	var listing ports.Listing
	err := walk(ctx, archivePath, func(_ context.Context, f archives.FileInfo) error {
		entry, ok := toEntry(f)
		if !ok {
			b.log.Debug("not listing %s", f.NameInArchive)
			return nil
		}
		listing.Entries = append(listing.Entries, entry)
		if !entry.IsDir {
			listing.TotalSize += entry.Size
		}
		return nil
	})
	if err != nil {
		return ports.Listing{}, err
	}
	sort.SliceStable(listing.Entries, func(i, j int) bool {
		return listing.Entries[i].Path < listing.Entries[j].Path
	})
	return listing, nil
}

// Extract writes the archive into destDir.
//
// The archive is walked twice: the first pass totals the file sizes and rejects any
// member that would escape destDir, so a hostile archive writes nothing at all.
func (b *Backend) Extract(ctx context.Context, archivePath, destDir string, report func(ports.Progress)) error {
	listing, err := b.List(ctx, archivePath)
	if err != nil {
		return err
	}
	if err := extract.CheckNames(destDir, listing.Names()); err != nil {
		return err
	}

	job, err := b.engine.Start(destDir, listing.TotalSize, report)
	if err != nil {
		return err
	}

	err = walk(ctx, archivePath, func(ctx context.Context, f archives.FileInfo) error {
		entry, ok := toEntry(f)
		if !ok {
			if name := extract.NormalizeName(f.NameInArchive); strings.Trim(name, "/") != "" {
				job.Skip(name, kindOf(f))
			}
			return nil
		}
		return job.Write(ctx, entry, func() (io.ReadCloser, error) {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			return rc, nil
		})
	})
	if err != nil {
		return err
	}
	return job.Finish(ctx)
}

// walk opens the archive, identifies its format and calls fn for every member.
func walk(ctx context.Context, archivePath string, fn archives.FileHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOpen, err)
	}
	defer func() { _ = file.Close() }()

	format, input, err := archives.Identify(ctx, filepath.Base(archivePath), file)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: identifying %s: %w", ports.ErrOpen, archivePath, err)
	}
	ex, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("%w: %s is not a supported archive format", ports.ErrOpen, archivePath)
	}

	err = ex.Extract(ctx, input, fn)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ports.ErrPathSafety), errors.Is(err, ports.ErrWrite), errors.Is(err, ports.ErrRead):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ports.ErrRead, archivePath, err)
}

func toEntry(f archives.FileInfo) (ports.Entry, bool) {
	name := extract.NormalizeName(f.NameInArchive)
	if strings.Trim(name, "/") == "" || f.LinkTarget != "" {
		return ports.Entry{}, false
	}

	mode := f.Mode()
	switch {
	case f.IsDir():
		return ports.Entry{
			Path:    extract.DirName(name),
			IsDir:   true,
			Mode:    mode.Perm(),
			ModTime: f.ModTime(),
		}, true
	case mode.IsRegular():
		return ports.Entry{
			Path:    name,
			Size:    f.Size(),
			Mode:    mode.Perm(),
			ModTime: f.ModTime(),
		}, true
	}
	return ports.Entry{}, false
}

func kindOf(f archives.FileInfo) string {
	mode := f.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		return "symlink"
	case f.LinkTarget != "":
		return "hard link"
	case mode&(os.ModeDevice|os.ModeCharDevice) != 0:
		return "device"
	}
	return "unsupported entry type"
}

// Compile-time check that Backend implements ports.Backend.
var _ ports.Backend = (*Backend)(nil)
