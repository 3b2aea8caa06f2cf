// Package execworker provides a backend that runs the native backend in a child process.
//
// The child is this same executable started as "<exe> worker ...". It streams JSON-lines
// events on stdout; the parent turns them back into listings, progress and errors.
package execworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mcdonaldj/epack/internal/logging"
	"github.com/mcdonaldj/epack/internal/ports"
	"golang.org/x/sync/errgroup"
)

// Name identifies this backend in configuration.
const Name = "worker"

// Command is the hidden subcommand the child is started with.
const Command = "worker"

// Backend implements ports.Backend by supervising a worker process.
type Backend struct {
	// exe is the path to the executable that understands the worker subcommand.
	exe       string
	env       []string
	waitDelay time.Duration
	log       *logging.Logger
}

// Option is a functional option for configuring Backend.
type Option func(*Backend)

// WithExecutable sets the executable to start. Defaults to the running executable.
func WithExecutable(path string) Option {
	return func(b *Backend) {
		b.exe = path
	}
}

// WithEnv adds environment variables for the child.
func WithEnv(env ...string) Option {
	return func(b *Backend) {
		b.env = append(b.env, env...)
	}
}

// WithWaitDelay bounds how long the child may take to exit after being interrupted.
func WithWaitDelay(d time.Duration) Option {
	return func(b *Backend) {
		b.waitDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Backend) {
		b.log = l
	}
}

// New creates a worker backend. It fails with ports.ErrBackendUnavailable when the
// executable cannot be determined.
func New(opts ...Option) (*Backend, error) {
	b := &Backend{waitDelay: 5 * time.Second}
	for _, opt := range opts {
		opt(b)
	}
	if b.exe == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: locating executable: %w", ports.ErrBackendUnavailable, err)
		}
		b.exe = exe
	}
	if _, err := os.Stat(b.exe); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrBackendUnavailable, err)
	}
	return b, nil
}

// Name returns "worker".
func (b *Backend) Name() string { return Name }

// List runs "worker list" and collects the entries it reports.
func (b *Backend) List(ctx context.Context, archivePath string) (ports.Listing, error) {
	var listing ports.Listing
	err := b.run(ctx, func(ev Event) {
		switch ev.Type {
		case EventEntry:
			if ev.Entry != nil {
				listing.Entries = append(listing.Entries, *ev.Entry)
			}
		case EventDone:
			listing.TotalSize = ev.TotalSize
		}
	}, "list", archivePath)
	if err != nil {
		return ports.Listing{}, err
	}
	return listing, nil
}

// Extract runs "worker extract" and forwards its progress to report.
func (b *Backend) Extract(ctx context.Context, archivePath, destDir string, report func(ports.Progress)) error {
	if report == nil {
		report = func(ports.Progress) {}
	}
	return b.run(ctx, func(ev Event) {
		if ev.Type == EventProgress {
			report(ports.Progress{Fraction: ev.Fraction, Name: ev.Name})
		}
	}, "extract", archivePath, destDir)
}

// run starts the child, feeds every event to handle and maps the outcome to an error.
func (b *Backend) run(ctx context.Context, handle func(Event), args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := b.command(ctx, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrBackendUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrBackendUnavailable, err)
	}

	b.log.Debug("starting %s %s", b.exe, strings.Join(cmd.Args[1:], " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting worker: %w", ports.ErrBackendUnavailable, err)
	}

	var diag bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&diag, stderr)
		return err
	})

	// Events are handled here so callbacks run on the caller's goroutine.
	var failure *Event
	readErr := decode(stdout, func(ev Event) {
		if ev.Type == EventError {
			failure = &ev
			return
		}
		handle(ev)
	})
	if err := g.Wait(); readErr == nil {
		readErr = err
	}
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case failure != nil:
		return failure.Err()
	case waitErr != nil:
		return fmt.Errorf("%w: worker failed: %w: %s", ports.ErrRead, waitErr, strings.TrimSpace(diag.String()))
	case readErr != nil && !errors.Is(readErr, os.ErrClosed):
		return fmt.Errorf("%w: reading worker output: %w", ports.ErrRead, readErr)
	}
	return nil
}

// command builds the child process. Cancellation interrupts the child so it can stop at
// a chunk boundary; it is killed if it has not exited after waitDelay.
func (b *Backend) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, b.exe, append([]string{Command}, args...)...)
	cmd.Env = append(os.Environ(), b.env...)
	cmd.Cancel = func() error {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = b.waitDelay
	return cmd
}

// Compile-time check that Backend implements ports.Backend.
var _ ports.Backend = (*Backend)(nil)
