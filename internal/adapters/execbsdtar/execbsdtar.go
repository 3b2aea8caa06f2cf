// Package execbsdtar provides a backend that shells out to bsdtar, with pv for progress.
package execbsdtar

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/mcdonaldj/epack/internal/extract"
	"github.com/mcdonaldj/epack/internal/logging"
	"github.com/mcdonaldj/epack/internal/ports"
	"golang.org/x/sync/errgroup"
)

// Name identifies this backend in configuration.
const Name = "shell"

// Backend implements ports.Backend with "pv -n <archive> | bsdtar -xpvf - -C <dest>".
type Backend struct {
	// bsdtarPath is the path to the bsdtar binary. Defaults to "bsdtar".
	bsdtarPath string
	// pvPath is the path to the pv binary. Defaults to "pv".
	pvPath string
	log    *logging.Logger
}

// Option is a functional option for configuring Backend.
type Option func(*Backend)

// WithBsdtarPath sets a custom path to the bsdtar binary.
func WithBsdtarPath(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.bsdtarPath = path
		}
	}
}

// WithPvPath sets a custom path to the pv binary.
func WithPvPath(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.pvPath = path
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Backend) {
		b.log = l
	}
}

// New creates a shell backend. It fails with ports.ErrBackendUnavailable when either
// tool cannot be found.
func New(opts ...Option) (*Backend, error) {
	b := &Backend{
		bsdtarPath: "bsdtar",
		pvPath:     "pv",
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, tool := range []*string{&b.bsdtarPath, &b.pvPath} {
		resolved, err := exec.LookPath(*tool)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ports.ErrBackendUnavailable, err)
		}
		*tool = resolved
	}
	return b, nil
}

// Name returns "shell".
func (b *Backend) Name() string { return Name }

// List runs "bsdtar -tvf <archive>" and parses its long listing.
func (b *Backend) List(ctx context.Context, archivePath string) (ports.Listing, error) {
	if _, err := os.Stat(archivePath); err != nil {
		return ports.Listing{}, fmt.Errorf("%w: %w", ports.ErrOpen, err)
	}

	var diag bytes.Buffer
	cmd := b.command(ctx, b.bsdtarPath, "-tvf", archivePath)
	cmd.Stderr = &diag
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return ports.Listing{}, ctx.Err()
		}
		return ports.Listing{}, classify(err, diag.String(), ports.ErrRead)
	}

	var listing ports.Listing
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		entry, ok := parseListLine(scanner.Text())
		if !ok {
			b.log.Debug("not listing %q", scanner.Text())
			continue
		}
		listing.Entries = append(listing.Entries, entry)
		if !entry.IsDir {
			listing.TotalSize += entry.Size
		}
	}
	sort.SliceStable(listing.Entries, func(i, j int) bool {
		return listing.Entries[i].Path < listing.Entries[j].Path
	})
	return listing, nil
}

type update struct {
	fraction float64
	name     string
	percent  bool
}

// Extract lists the archive to reject unsafe names, then runs the pv | bsdtar pipeline.
// pv reports whole percentages of the archive read on its stderr; bsdtar names each
// member it writes on its stderr.
func (b *Backend) Extract(ctx context.Context, archivePath, destDir string, report func(ports.Progress)) error {
	if report == nil {
		report = func(ports.Progress) {}
	}
	listing, err := b.List(ctx, archivePath)
	if err != nil {
		return err
	}
	if err := extract.CheckNames(destDir, listing.Names()); err != nil {
		return err
	}
	if info, err := os.Stat(destDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: destination %s is not a directory", ports.ErrWrite, destDir)
	}

	pv := b.command(ctx, b.pvPath, "-n", archivePath)
	tar := b.command(ctx, b.bsdtarPath, "-xpvf", "-", "-C", destDir)

	pipeR, pipeW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: creating pipe: %w", ports.ErrRead, err)
	}
	pv.Stdout = pipeW
	tar.Stdin = pipeR
	pvErr, err := pv.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrBackendUnavailable, err)
	}
	tarErr, err := tar.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrBackendUnavailable, err)
	}

	if err := tar.Start(); err != nil {
		_ = pipeR.Close()
		_ = pipeW.Close()
		return fmt.Errorf("%w: starting bsdtar: %w", ports.ErrBackendUnavailable, err)
	}
	if err := pv.Start(); err != nil {
		_ = pipeR.Close()
		_ = pipeW.Close()
		_ = tar.Process.Kill()
		_ = tar.Wait()
		return fmt.Errorf("%w: starting pv: %w", ports.ErrBackendUnavailable, err)
	}
	// The children hold their own copies of the pipe ends.
	_ = pipeR.Close()
	_ = pipeW.Close()

	updates := make(chan update, 64)
	var pvDiag, tarDiag bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		return scanLines(pvErr, func(line string) {
			if pct, err := strconv.ParseFloat(line, 64); err == nil {
				updates <- update{fraction: pct / 100, percent: true}
				return
			}
			pvDiag.WriteString(line + "\n")
		})
	})
	g.Go(func() error {
		return scanLines(tarErr, func(line string) {
			if name, ok := strings.CutPrefix(line, "x "); ok {
				updates <- update{name: extract.NormalizeName(name)}
				return
			}
			tarDiag.WriteString(line + "\n")
		})
	})
	scanned := make(chan error, 1)
	go func() {
		scanned <- g.Wait()
		close(updates)
	}()

	// Progress is forwarded from this goroutine only.
	var current ports.Progress
	for u := range updates {
		if u.percent {
			current.Fraction = u.fraction
		} else {
			current.Name = u.name
		}
		report(current)
	}
	scanErr := <-scanned
	pvWait := pv.Wait()
	tarWait := tar.Wait()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case pvWait != nil:
		return classify(pvWait, pvDiag.String(), ports.ErrRead)
	case tarWait != nil:
		return classify(tarWait, tarDiag.String(), ports.ErrRead)
	case scanErr != nil:
		return fmt.Errorf("%w: reading tool output: %w", ports.ErrRead, scanErr)
	}

	report(ports.Progress{Fraction: 1})
	return nil
}

// command creates an exec.Cmd killed when ctx is cancelled. The tools run in the C
// locale: listing dates and diagnostics are parsed as English text.
func (b *Backend) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	b.log.Debug("running %s %s", name, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	return cmd
}

func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			fn(line)
		}
	}
	return scanner.Err()
}

// classify maps a failed tool run to a sentinel using its diagnostics.
func classify(err error, diag string, fallback error) error {
	diag = strings.TrimSpace(diag)
	lower := strings.ToLower(diag)
	sentinel := fallback
	switch {
	case strings.Contains(lower, "unrecognized archive format"),
		strings.Contains(lower, "failed to open"),
		strings.Contains(lower, "no such file"):
		sentinel = ports.ErrOpen
	case strings.Contains(lower, "can't create"),
		strings.Contains(lower, "cannot create"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "no space left"),
		strings.Contains(lower, "read-only file system"):
		sentinel = ports.ErrWrite
	case strings.Contains(lower, "path contains '..'"):
		sentinel = ports.ErrPathSafety
	}
	if diag == "" {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return fmt.Errorf("%w: %w: %s", sentinel, err, diag)
}

// Compile-time check that Backend implements ports.Backend.
var _ ports.Backend = (*Backend)(nil)
