package mocks

import (
	"context"
	"sync"

	"github.com/mcdonaldj/epack/internal/ports"
)

// MockBackend implements ports.Backend for testing.
type MockBackend struct {
	mu sync.Mutex

	// BackendName is returned by Name. Defaults to "mock".
	BackendName string
	// Listing is returned by List for archives not in Listings.
	Listing ports.Listing
	// Listings maps archive paths to listings.
	Listings map[string]ports.Listing
	// ProgressSteps are reported in order by Extract.
	ProgressSteps []ports.Progress
	// WaitForCancel makes List and Extract block until their context is cancelled.
	WaitForCancel bool
	// PanicWith, when non-nil, makes List and Extract panic with this value.
	PanicWith any
	// Errors maps method names to errors.
	Errors map[string]error

	// ListCalls records archive paths passed to List.
	ListCalls []string
	// ExtractCalls records calls to Extract.
	ExtractCalls []BackendExtractCall

	started chan string
}

// BackendExtractCall records parameters of an Extract call.
type BackendExtractCall struct {
	Archive string
	DestDir string
}

// NewMockBackend creates a new mock backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		BackendName: "mock",
		Listings:    make(map[string]ports.Listing),
		Errors:      make(map[string]error),
		started:     make(chan string, 16),
	}
}

// Started receives the method name each time List or Extract begins.
func (m *MockBackend) Started() <-chan string {
	return m.started
}

// Name returns BackendName.
func (m *MockBackend) Name() string {
	return m.BackendName
}

// List returns the configured listing.
func (m *MockBackend) List(ctx context.Context, archivePath string) (ports.Listing, error) {
	m.mu.Lock()
	m.ListCalls = append(m.ListCalls, archivePath)
	listing, ok := m.Listings[archivePath]
	if !ok {
		listing = m.Listing
	}
	err := m.Errors["List"]
	m.mu.Unlock()

	if err := m.begin(ctx, "List"); err != nil {
		return ports.Listing{}, err
	}
	if err != nil {
		return ports.Listing{}, err
	}
	return listing, nil
}

// Extract reports ProgressSteps and returns the configured error.
func (m *MockBackend) Extract(ctx context.Context, archivePath, destDir string, report func(ports.Progress)) error {
	m.mu.Lock()
	m.ExtractCalls = append(m.ExtractCalls, BackendExtractCall{Archive: archivePath, DestDir: destDir})
	steps := append([]ports.Progress(nil), m.ProgressSteps...)
	err := m.Errors["Extract"]
	m.mu.Unlock()

	for _, p := range steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if report != nil {
			report(p)
		}
	}
	if err := m.begin(ctx, "Extract"); err != nil {
		return err
	}
	return err
}

// begin signals Started, then panics or blocks as configured.
func (m *MockBackend) begin(ctx context.Context, method string) error {
	select {
	case m.started <- method:
	default:
	}

	m.mu.Lock()
	panicWith, wait := m.PanicWith, m.WaitForCancel
	m.mu.Unlock()

	if panicWith != nil {
		panic(panicWith)
	}
	if wait {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// Compile-time check that MockBackend implements ports.Backend.
var _ ports.Backend = (*MockBackend)(nil)
