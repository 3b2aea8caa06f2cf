// Package ports defines interfaces (contracts) for archive backends.
// These enable dependency injection and testability via mock implementations.
package ports

import (
	"context"
	"io/fs"
	"strings"
	"time"
)

// Entry describes one member of an archive.
type Entry struct {
	// Path is relative and slash-separated. Directories end with "/".
	Path    string      `json:"path"`
	Size    int64       `json:"size"`
	IsDir   bool        `json:"is_dir"`
	Mode    fs.FileMode `json:"mode"` // permission bits only
	ModTime time.Time   `json:"mod_time"`
}

// Name returns the entry path without the trailing directory separator.
func (e Entry) Name() string {
	return strings.TrimSuffix(e.Path, "/")
}

// FileMode returns Mode with the directory bit set for directories.
func (e Entry) FileMode() fs.FileMode {
	if e.IsDir {
		return e.Mode | fs.ModeDir
	}
	return e.Mode
}

// Listing is the result of inspecting an archive.
type Listing struct {
	// Entries are sorted by Path.
	Entries []Entry `json:"entries"`
	// TotalSize is the sum of the uncompressed sizes of all regular files.
	TotalSize int64 `json:"total_size"`
}

// Names returns the entry paths in listing order.
func (l Listing) Names() []string {
	names := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		names[i] = e.Path
	}
	return names
}

// Progress is a single extraction progress report.
type Progress struct {
	Fraction float64 `json:"fraction"` // 0..1
	Name     string  `json:"name"`     // entry currently being written
}

// Backend abstracts archive listing and extraction.
// Production code picks one of the adapters through the selector; tests use MockBackend.
//
// Both operations block until done and honour ctx cancellation. Running them off the
// caller's goroutine is the session's job, not the backend's.
type Backend interface {
	// Name identifies the backend in logs and diagnostics.
	Name() string

	// List enumerates the archive without touching the filesystem.
	// Entries are sorted by path. On failure no partial listing is returned.
	List(ctx context.Context, archivePath string) (Listing, error)

	// Extract writes the archive into destDir, calling report after every chunk
	// written. report is only ever called from the goroutine running Extract.
	Extract(ctx context.Context, archivePath, destDir string, report func(Progress)) error
}
