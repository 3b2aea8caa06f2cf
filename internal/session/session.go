// Package session runs archive operations off the foreground loop.
//
// A Session owns one backend and at most one running operation. Work happens on a
// background goroutine; results come back through a progress.Channel that the
// foreground drains by calling Poll, so every callback runs on the goroutine that
// calls Poll.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mcdonaldj/epack/internal/logging"
	"github.com/mcdonaldj/epack/internal/ports"
	"github.com/mcdonaldj/epack/internal/progress"
	"github.com/spf13/afero"
)

// ExtractRequest describes one extraction.
type ExtractRequest struct {
	Archive string
	// Destination defaults to the archive's directory.
	Destination string
	// CreateFolder extracts into Destination/<archive name without extensions>.
	CreateFolder bool
	// DeleteArchive removes the archive after a successful extraction.
	DeleteArchive bool
}

// Target returns the directory the archive will be extracted into.
func (r ExtractRequest) Target() string {
	dest := r.Destination
	if dest == "" {
		dest = filepath.Dir(r.Archive)
	}
	if r.CreateFolder {
		dest = filepath.Join(dest, FolderName(r.Archive))
	}
	return dest
}

// archiveExts are stripped by FolderName, longest first.
var archiveExts = []string{
	".tar.gz", ".tar.bz2", ".tar.xz", ".tar.zst", ".tar.lz4", ".tar.lz", ".tar.br", ".tar.sz", ".tar.z",
	".tgz", ".tbz2", ".tbz", ".txz", ".tzst", ".tlz4",
	".tar", ".zip", ".rar", ".7z", ".iso", ".gz", ".bz2", ".xz", ".zst", ".lz4", ".z",
}

// FolderName returns the archive's base name without archive extensions.
func FolderName(archive string) string {
	base := filepath.Base(archive)
	lower := strings.ToLower(base)
	for _, ext := range archiveExts {
		if strings.HasSuffix(lower, ext) && len(base) > len(ext) {
			return base[:len(base)-len(ext)]
		}
	}
	if ext := filepath.Ext(base); ext != "" && len(base) > len(ext) {
		return base[:len(base)-len(ext)]
	}
	return base + ".d"
}

type job struct {
	name   string
	cancel context.CancelFunc
	ch     *progress.Channel
	done   chan struct{}

	onProgress func(float64, string)
	onResult   func(progress.Result)
}

// Session orchestrates operations on one backend.
type Session struct {
	backend ports.Backend
	fs      afero.Fs
	log     *logging.Logger

	mu     sync.Mutex
	active *job
}

// Option is a functional option for configuring Session.
type Option func(*Session)

// WithFs sets the filesystem used to prepare destinations and delete archives.
func WithFs(fs afero.Fs) Option {
	return func(s *Session) {
		s.fs = fs
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// New creates a Session using backend.
func New(backend ports.Backend, opts ...Option) *Session {
	s := &Session{
		backend: backend,
		fs:      afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the session's backend.
func (s *Session) Backend() ports.Backend {
	return s.backend
}

// ListContent starts listing archive. onDone receives the sorted listing, or an error
// (context.Canceled after Abort).
func (s *Session) ListContent(archive string, onDone func(ports.Listing, error)) error {
	return s.start("list "+archive, nil, func(r progress.Result) {
		if onDone == nil {
			return
		}
		switch {
		case r.Status == progress.StatusSuccess && r.Listing != nil:
			onDone(*r.Listing, nil)
		case r.Status == progress.StatusCancelled:
			onDone(ports.Listing{}, context.Canceled)
		default:
			onDone(ports.Listing{}, r.Err)
		}
	}, func(ctx context.Context, _ *progress.Channel) progress.Result {
		listing, err := s.backend.List(ctx, archive)
		if err != nil {
			return progress.FromError(err)
		}
		return progress.Result{Status: progress.StatusSuccess, Listing: &listing}
	})
}

// Extract starts an extraction. onProgress receives fractions in [0,1] that never
// decrease, with the entry being written; onDone receives the terminal result.
func (s *Session) Extract(req ExtractRequest, onProgress func(float64, string), onDone func(progress.Result)) error {
	return s.start("extract "+req.Archive, onProgress, onDone, func(ctx context.Context, ch *progress.Channel) progress.Result {
		dest, err := s.prepare(req)
		if err != nil {
			return progress.FromError(err)
		}

		s.log.Info("extracting %s into %s with %s", req.Archive, dest, s.backend.Name())
		err = s.backend.Extract(ctx, req.Archive, dest, func(p ports.Progress) { ch.Send(p) })
		if err != nil {
			return progress.FromError(err)
		}
		ch.Send(ports.Progress{Fraction: 1})

		if req.DeleteArchive {
			if err := s.fs.Remove(req.Archive); err != nil {
				return progress.FromError(fmt.Errorf("deleting archive: %w", err))
			}
			s.log.Info("deleted %s", req.Archive)
		}
		return progress.Result{Status: progress.StatusSuccess}
	})
}

// prepare checks the destination and creates the archive folder if requested.
func (s *Session) prepare(req ExtractRequest) (string, error) {
	base := req.Destination
	if base == "" {
		base = filepath.Dir(req.Archive)
	}
	info, err := s.fs.Stat(base)
	if err != nil {
		return "", fmt.Errorf("%w: destination: %w", ports.ErrWrite, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: destination %s is not a directory", ports.ErrWrite, base)
	}

	dest := req.Target()
	if req.CreateFolder {
		if err := s.fs.MkdirAll(dest, 0o755); err != nil {
			return "", fmt.Errorf("%w: creating archive folder: %w", ports.ErrWrite, err)
		}
	}
	return dest, nil
}

func (s *Session) start(name string, onProgress func(float64, string), onResult func(progress.Result),
	run func(context.Context, *progress.Channel) progress.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return fmt.Errorf("%w: %s", ports.ErrBusy, s.active.name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		name:       name,
		cancel:     cancel,
		ch:         progress.NewChannel(),
		done:       make(chan struct{}),
		onProgress: onProgress,
		onResult:   onResult,
	}
	s.active = j
	s.log.Debug("starting %s", name)

	go func() {
		defer close(j.done)
		defer func() {
			if r := recover(); r != nil {
				j.ch.Finish(progress.Result{Status: progress.StatusError, Err: fmt.Errorf("backend %s panicked: %v", s.backend.Name(), r)})
			}
		}()
		j.ch.Finish(run(ctx, j.ch))
	}()
	return nil
}

// Poll delivers whatever the running operation has produced since the last call. It
// never blocks on the worker, except to join it once the terminal result has arrived.
// Poll reports whether an operation is still running afterwards.
func (s *Session) Poll() bool {
	s.mu.Lock()
	j := s.active
	s.mu.Unlock()
	if j == nil {
		return false
	}

	snap, ok := j.ch.TryReceive()
	if !ok {
		return true
	}
	if snap.Progress != nil && j.onProgress != nil {
		j.onProgress(snap.Progress.Fraction, snap.Progress.Name)
	}
	if snap.Terminal == nil {
		return true
	}

	<-j.done
	j.cancel()
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	s.log.Debug("%s finished: %s", j.name, snap.Terminal.Status)
	if j.onResult != nil {
		j.onResult(*snap.Terminal)
	}
	return false
}

// Abort asks the running operation to stop. The terminal Cancelled result still
// arrives through Poll.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.log.Debug("aborting %s", s.active.name)
		s.active.cancel()
	}
}

// Busy reports whether an operation is running or its result is undelivered.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Ready signals when Poll has something to deliver. With no operation running the
// returned channel is nil and never fires.
func (s *Session) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.ch.Ready()
}

// Close aborts any running operation and waits for its worker to exit. Pending
// callbacks are dropped.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	j := s.active
	s.mu.Unlock()
	if j == nil {
		return nil
	}

	j.cancel()
	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	if s.active == j {
		s.active = nil
	}
	s.mu.Unlock()
	return nil
}
