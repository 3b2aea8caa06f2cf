package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mcdonaldj/epack/internal/adapters/nativearchive"
	"github.com/mcdonaldj/epack/internal/fixtures"
	"github.com/mcdonaldj/epack/internal/mocks"
	"github.com/mcdonaldj/epack/internal/ports"
	"github.com/mcdonaldj/epack/internal/progress"
	"github.com/spf13/afero"
)

// pollUntilIdle drives the session like a foreground loop would.
func pollUntilIdle(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for s.Poll() {
		if time.Now().After(deadline) {
			t.Fatal("operation did not finish")
		}
		select {
		case <-s.Ready():
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitStarted(t *testing.T, m *mocks.MockBackend) {
	t.Helper()
	select {
	case <-m.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("backend was not called")
	}
}

func memFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/data", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/data/sample.tar.gz", []byte("archive"), 0o644); err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestIdleSession(t *testing.T) {
	s := New(mocks.NewMockBackend())
	if s.Poll() {
		t.Error("Poll() on idle session should report false")
	}
	if s.Busy() {
		t.Error("idle session should not be busy")
	}
	if s.Ready() != nil {
		t.Error("Ready() on idle session should be nil")
	}
	s.Abort()
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close() on idle session = %v", err)
	}
}

func TestListContentDeliversOnPoll(t *testing.T) {
	m := mocks.NewMockBackend()
	m.Listing = ports.Listing{
		Entries:   []ports.Entry{{Path: "a.txt", Size: 5}, {Path: "sub/b.txt", Size: 5}},
		TotalSize: 10,
	}
	s := New(m)

	called := false
	var got ports.Listing
	err := s.ListContent("/data/sample.tar.gz", func(l ports.Listing, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		called = true
		got = l
	})
	if err != nil {
		t.Fatalf("ListContent: %v", err)
	}
	waitStarted(t, m)
	if called {
		t.Fatal("callback ran before Poll")
	}

	pollUntilIdle(t, s)
	if !called {
		t.Fatal("callback not invoked")
	}
	if diff := cmp.Diff(m.Listing, got); diff != "" {
		t.Errorf("listing mismatch (-expected +got):\n%s", diff)
	}
	if s.Busy() {
		t.Error("session still busy after terminal result")
	}
}

func TestListContentError(t *testing.T) {
	m := mocks.NewMockBackend()
	m.Errors["List"] = ports.ErrOpen
	s := New(m)

	var gotErr error
	if err := s.ListContent("x", func(_ ports.Listing, err error) { gotErr = err }); err != nil {
		t.Fatal(err)
	}
	pollUntilIdle(t, s)
	if !errors.Is(gotErr, ports.ErrOpen) {
		t.Errorf("error = %v, expected ErrOpen", gotErr)
	}
}

func TestSecondOperationIsBusy(t *testing.T) {
	m := mocks.NewMockBackend()
	m.WaitForCancel = true
	s := New(m)

	var listErr error
	if err := s.ListContent("a.zip", func(_ ports.Listing, err error) { listErr = err }); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, m)

	err := s.Extract(ExtractRequest{Archive: "b.zip"}, nil, nil)
	if !errors.Is(err, ports.ErrBusy) {
		t.Errorf("Extract while listing = %v, expected ErrBusy", err)
	}
	if !s.Busy() {
		t.Error("session should be busy")
	}

	s.Abort()
	pollUntilIdle(t, s)
	if !errors.Is(listErr, context.Canceled) {
		t.Errorf("list error = %v, expected context.Canceled", listErr)
	}
	if len(m.ExtractCalls) != 0 {
		t.Errorf("rejected extraction reached the backend: %+v", m.ExtractCalls)
	}
}

func TestExtractProgressIsMonotonic(t *testing.T) {
	m := mocks.NewMockBackend()
	m.ProgressSteps = []ports.Progress{
		{Fraction: 0.1, Name: "a"},
		{Fraction: 0.5, Name: "b"},
		{Fraction: 0.3, Name: "stale"},
		{Fraction: 0.9, Name: "c"},
	}
	fs := memFs(t)
	s := New(m, WithFs(fs))

	var fractions []float64
	var result progress.Result
	err := s.Extract(ExtractRequest{Archive: "/data/sample.tar.gz"},
		func(f float64, _ string) { fractions = append(fractions, f) },
		func(r progress.Result) { result = r })
	if err != nil {
		t.Fatal(err)
	}
	pollUntilIdle(t, s)

	if result.Status != progress.StatusSuccess {
		t.Fatalf("status = %v (%v), expected success", result.Status, result.Err)
	}
	if len(fractions) == 0 {
		t.Fatal("no progress delivered")
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Fatalf("fractions not monotonic: %v", fractions)
		}
	}
	if last := fractions[len(fractions)-1]; last != 1 {
		t.Errorf("last fraction = %v, expected 1", last)
	}
	if got := m.ExtractCalls[0].DestDir; got != "/data" {
		t.Errorf("destination = %q, expected archive directory %q", got, "/data")
	}
}

func TestExtractAbort(t *testing.T) {
	m := mocks.NewMockBackend()
	m.WaitForCancel = true
	s := New(m, WithFs(memFs(t)))

	var result progress.Result
	if err := s.Extract(ExtractRequest{Archive: "/data/sample.tar.gz"}, nil, func(r progress.Result) { result = r }); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, m)
	s.Abort()
	pollUntilIdle(t, s)

	if result.Status != progress.StatusCancelled {
		t.Errorf("status = %v, expected cancelled", result.Status)
	}
	if s.Busy() {
		t.Error("worker not joined after abort")
	}
}

func TestExtractErrorKinds(t *testing.T) {
	for _, sentinel := range []error{ports.ErrOpen, ports.ErrRead, ports.ErrWrite, ports.ErrPathSafety} {
		t.Run(ports.ErrorKind(sentinel), func(t *testing.T) {
			m := mocks.NewMockBackend()
			m.Errors["Extract"] = sentinel
			s := New(m, WithFs(memFs(t)))

			var result progress.Result
			if err := s.Extract(ExtractRequest{Archive: "/data/sample.tar.gz"}, nil, func(r progress.Result) { result = r }); err != nil {
				t.Fatal(err)
			}
			pollUntilIdle(t, s)
			if result.Status != progress.StatusError || !errors.Is(result.Err, sentinel) {
				t.Errorf("result = %+v, expected error %v", result, sentinel)
			}
		})
	}
}

func TestWorkerPanicBecomesError(t *testing.T) {
	m := mocks.NewMockBackend()
	m.PanicWith = "boom"
	s := New(m, WithFs(memFs(t)))

	var result progress.Result
	if err := s.Extract(ExtractRequest{Archive: "/data/sample.tar.gz"}, nil, func(r progress.Result) { result = r }); err != nil {
		t.Fatal(err)
	}
	pollUntilIdle(t, s)
	if result.Status != progress.StatusError || result.Err == nil {
		t.Errorf("result = %+v, expected error", result)
	}
}

func TestExtractCreateFolderAndDelete(t *testing.T) {
	m := mocks.NewMockBackend()
	fs := memFs(t)
	if err := fs.MkdirAll("/out", 0o755); err != nil {
		t.Fatal(err)
	}
	s := New(m, WithFs(fs))

	req := ExtractRequest{
		Archive:       "/data/sample.tar.gz",
		Destination:   "/out",
		CreateFolder:  true,
		DeleteArchive: true,
	}
	var result progress.Result
	if err := s.Extract(req, nil, func(r progress.Result) { result = r }); err != nil {
		t.Fatal(err)
	}
	pollUntilIdle(t, s)

	if result.Status != progress.StatusSuccess {
		t.Fatalf("status = %v (%v)", result.Status, result.Err)
	}
	if got := m.ExtractCalls[0].DestDir; got != "/out/sample" {
		t.Errorf("destination = %q, expected %q", got, "/out/sample")
	}
	if ok, _ := afero.DirExists(fs, "/out/sample"); !ok {
		t.Error("archive folder not created")
	}
	if ok, _ := afero.Exists(fs, "/data/sample.tar.gz"); ok {
		t.Error("archive not deleted")
	}
}

func TestExtractKeepsArchiveOnFailure(t *testing.T) {
	m := mocks.NewMockBackend()
	m.Errors["Extract"] = ports.ErrRead
	fs := memFs(t)
	s := New(m, WithFs(fs))

	if err := s.Extract(ExtractRequest{Archive: "/data/sample.tar.gz", DeleteArchive: true}, nil, nil); err != nil {
		t.Fatal(err)
	}
	pollUntilIdle(t, s)
	if ok, _ := afero.Exists(fs, "/data/sample.tar.gz"); !ok {
		t.Error("archive deleted after failed extraction")
	}
}

func TestExtractDeleteFailure(t *testing.T) {
	m := mocks.NewMockBackend()
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll("/data", 0o755)
	s := New(m, WithFs(fs))

	var result progress.Result
	if err := s.Extract(ExtractRequest{Archive: "/data/gone.zip", DeleteArchive: true}, nil, func(r progress.Result) { result = r }); err != nil {
		t.Fatal(err)
	}
	pollUntilIdle(t, s)
	if result.Status != progress.StatusError {
		t.Errorf("status = %v, expected error when the archive cannot be deleted", result.Status)
	}
}

func TestExtractMissingDestination(t *testing.T) {
	m := mocks.NewMockBackend()
	s := New(m, WithFs(memFs(t)))

	var result progress.Result
	req := ExtractRequest{Archive: "/data/sample.tar.gz", Destination: "/nowhere"}
	if err := s.Extract(req, nil, func(r progress.Result) { result = r }); err != nil {
		t.Fatal(err)
	}
	pollUntilIdle(t, s)
	if !errors.Is(result.Err, ports.ErrWrite) {
		t.Errorf("result = %+v, expected ErrWrite", result)
	}
	if len(m.ExtractCalls) != 0 {
		t.Error("backend called despite missing destination")
	}
}

func TestCloseJoinsWorker(t *testing.T) {
	m := mocks.NewMockBackend()
	m.WaitForCancel = true
	s := New(m, WithFs(memFs(t)))

	called := false
	if err := s.Extract(ExtractRequest{Archive: "/data/sample.tar.gz"}, nil, func(progress.Result) { called = true }); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Busy() {
		t.Error("session busy after Close")
	}
	if called {
		t.Error("callbacks should be dropped by Close")
	}
}

func TestSampleArchiveWithNativeBackend(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "sample.tar.gz")
	if err := fixtures.TarGz(archive, fixtures.Sample()); err != nil {
		t.Fatal(err)
	}
	backend, err := nativearchive.New()
	if err != nil {
		t.Fatal(err)
	}
	s := New(backend)

	var listing ports.Listing
	if err := s.ListContent(archive, func(l ports.Listing, err error) {
		if err != nil {
			t.Errorf("list error: %v", err)
		}
		listing = l
	}); err != nil {
		t.Fatal(err)
	}
	pollUntilIdle(t, s)
	if diff := cmp.Diff([]string{"a.txt", "sub/b.txt"}, listing.Names()); diff != "" {
		t.Errorf("listing mismatch (-expected +got):\n%s", diff)
	}

	var result progress.Result
	var lastFraction float64
	err = s.Extract(ExtractRequest{Archive: archive, CreateFolder: true},
		func(f float64, _ string) { lastFraction = f },
		func(r progress.Result) { result = r })
	if err != nil {
		t.Fatal(err)
	}
	pollUntilIdle(t, s)
	if result.Status != progress.StatusSuccess {
		t.Fatalf("status = %v (%v)", result.Status, result.Err)
	}
	if lastFraction != 1 {
		t.Errorf("last fraction = %v, expected 1", lastFraction)
	}

	for name, mode := range map[string]os.FileMode{"a.txt": 0o644, "sub/b.txt": 0o600} {
		info, err := os.Stat(filepath.Join(dir, "sample", filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
		if info.Mode().Perm() != mode {
			t.Errorf("%s mode = %v, expected %v", name, info.Mode().Perm(), mode)
		}
	}
}

func TestFolderName(t *testing.T) {
	tests := map[string]string{
		"/x/sample.tar.gz":  "sample",
		"/x/Sample.TGZ":     "Sample",
		"/x/photos.zip":     "photos",
		"/x/backup.tar.lz4": "backup",
		"/x/data.tar":       "data",
		"/x/notes.txt.gz":   "notes.txt",
		"/x/weird.bin":      "weird",
		"/x/noext":          "noext.d",
		"/x/.tar.gz":        ".tar",
	}
	for in, expected := range tests {
		if got := FolderName(in); got != expected {
			t.Errorf("FolderName(%q) = %q, expected %q", in, got, expected)
		}
	}
}
