package execbsdtar

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mcdonaldj/epack/internal/fixtures"
	"github.com/mcdonaldj/epack/internal/ports"
)

func TestNew(t *testing.T) {
	t.Run("missing bsdtar", func(t *testing.T) {
		_, err := New(WithBsdtarPath(filepath.Join(t.TempDir(), "bsdtar")))
		if !errors.Is(err, ports.ErrBackendUnavailable) {
			t.Errorf("New error = %v, expected ErrBackendUnavailable", err)
		}
	})

	t.Run("missing pv", func(t *testing.T) {
		_, err := New(WithPvPath(filepath.Join(t.TempDir(), "pv")))
		if !errors.Is(err, ports.ErrBackendUnavailable) {
			t.Errorf("New error = %v, expected ErrBackendUnavailable", err)
		}
	})

	t.Run("empty path keeps default", func(t *testing.T) {
		b := &Backend{bsdtarPath: "bsdtar", pvPath: "pv"}
		WithBsdtarPath("")(b)
		WithPvPath("")(b)
		if b.bsdtarPath != "bsdtar" || b.pvPath != "pv" {
			t.Errorf("paths = %q, %q", b.bsdtarPath, b.pvPath)
		}
	})
}

func TestParseListLine(t *testing.T) {
	now = func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local) }
	t.Cleanup(func() { now = time.Now })

	tests := []struct {
		line     string
		expected ports.Entry
	}{
		{
			"-rw-r--r--  0 user   group       6 Jan  2  2023 a.txt",
			ports.Entry{Path: "a.txt", Size: 6, Mode: 0o644, ModTime: time.Date(2023, 1, 2, 0, 0, 0, 0, time.Local)},
		},
		{
			"-rw-------  0 1000   1000       26 Jan  2  2023 ./sub/b.txt",
			ports.Entry{Path: "sub/b.txt", Size: 26, Mode: 0o600, ModTime: time.Date(2023, 1, 2, 0, 0, 0, 0, time.Local)},
		},
		{
			"drwxr-x---  0 user   group       0 Mar  1 03:04 sub",
			ports.Entry{Path: "sub/", IsDir: true, Mode: 0o750, ModTime: time.Date(2024, 3, 1, 3, 4, 0, 0, time.Local)},
		},
		{
			"-rw-r--r--  0 user   group      10 Dec 24 18:30 last-year.txt",
			ports.Entry{Path: "last-year.txt", Size: 10, Mode: 0o644, ModTime: time.Date(2023, 12, 24, 18, 30, 0, 0, time.Local)},
		},
		{
			"-rwsr-xr-x  0 root   wheel     100 Jan  2  2023 with spaces.bin",
			ports.Entry{Path: "with spaces.bin", Size: 100, Mode: 0o755, ModTime: time.Date(2023, 1, 2, 0, 0, 0, 0, time.Local)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.expected.Path, func(t *testing.T) {
			got, ok := parseListLine(tt.line)
			if !ok {
				t.Fatalf("parseListLine(%q) not ok", tt.line)
			}
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("entry mismatch (-expected +got):\n%s", diff)
			}
		})
	}
}

func TestParseListLineLocalisedMonths(t *testing.T) {
	for _, line := range []string{
		"-rw-r--r--  0 user   group       6 Mär  2  2023 a.txt",
		"-rw-r--r--  0 user   group       6 janv.  2  2023 a.txt",
	} {
		got, ok := parseListLine(line)
		if !ok {
			t.Errorf("parseListLine(%q) not ok", line)
			continue
		}
		expected := ports.Entry{Path: "a.txt", Size: 6, Mode: 0o644}
		if diff := cmp.Diff(expected, got); diff != "" {
			t.Errorf("entry mismatch (-expected +got):\n%s", diff)
		}
	}
}

func TestCommandRunsInCLocale(t *testing.T) {
	t.Setenv("LC_ALL", "de_DE.UTF-8")
	b := &Backend{bsdtarPath: "bsdtar", pvPath: "pv"}

	cmd := b.command(context.Background(), b.bsdtarPath, "-tvf", "a.tar")
	if len(cmd.Env) == 0 {
		t.Fatal("command should set an explicit environment")
	}
	if last := cmd.Env[len(cmd.Env)-1]; last != "LC_ALL=C" {
		t.Errorf("last env entry = %q, expected %q", last, "LC_ALL=C")
	}
}

func TestParseListLineRejects(t *testing.T) {
	for _, line := range []string{
		"lrwxrwxrwx  0 user   group       0 Jan  2  2023 link -> a.txt",
		"-rw-r--r--  0 user   group       0 Jan  2  2023 hard link to a.txt",
		"crw-r--r--  0 root   root        0 Jan  2  2023 dev/null",
		"drwxr-xr-x  0 user   group       0 Jan  2  2023 ./",
		"bsdtar: Error opening archive",
		"",
	} {
		if entry, ok := parseListLine(line); ok {
			t.Errorf("parseListLine(%q) = %+v, expected rejection", line, entry)
		}
	}
}

func TestParsePerms(t *testing.T) {
	tests := map[string]fs.FileMode{
		"rwxr-xr-x": 0o755,
		"rw-------": 0o600,
		"rwSr--r--": 0o644,
		"rwxrwxrwt": 0o777,
		"---------": 0,
	}
	for in, expected := range tests {
		if got := parsePerms(in); got != expected {
			t.Errorf("parsePerms(%q) = %v, expected %v", in, got, expected)
		}
	}
}

func TestClassify(t *testing.T) {
	base := errors.New("exit status 1")
	tests := []struct {
		diag     string
		expected error
	}{
		{"bsdtar: Error opening archive: Unrecognized archive format", ports.ErrOpen},
		{"pv: missing.tar: No such file or directory", ports.ErrOpen},
		{"bsdtar: a.txt: Can't create 'a.txt'", ports.ErrWrite},
		{"bsdtar: Path contains '..'", ports.ErrPathSafety},
		{"bsdtar: Truncated input file", ports.ErrRead},
		{"", ports.ErrRead},
	}
	for _, tt := range tests {
		if err := classify(base, tt.diag, ports.ErrRead); !errors.Is(err, tt.expected) {
			t.Errorf("classify(%q) = %v, expected %v", tt.diag, err, tt.expected)
		}
	}
}

// requireBsdtar skips tests when bsdtar is not installed. Listing does not need pv.
func requireBsdtar(t *testing.T) *Backend {
	t.Helper()
	path, err := exec.LookPath("bsdtar")
	if err != nil {
		t.Skip("bsdtar not installed")
	}
	return &Backend{bsdtarPath: path, pvPath: "pv"}
}

// requireTools skips tests when bsdtar or pv are not installed.
func requireTools(t *testing.T) *Backend {
	t.Helper()
	for _, tool := range []string{"bsdtar", "pv"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not installed", tool)
		}
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestListSample(t *testing.T) {
	b := requireBsdtar(t)
	archive := filepath.Join(t.TempDir(), "sample.tar.gz")
	if err := fixtures.TarGz(archive, fixtures.Sample()); err != nil {
		t.Fatal(err)
	}

	listing, err := b.List(context.Background(), archive)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]string{"a.txt", "sub/b.txt"}, listing.Names()); diff != "" {
		t.Errorf("Names() mismatch (-expected +got):\n%s", diff)
	}
}

func TestListMissing(t *testing.T) {
	b := requireBsdtar(t)
	_, err := b.List(context.Background(), filepath.Join(t.TempDir(), "missing.tar"))
	if !errors.Is(err, ports.ErrOpen) {
		t.Errorf("List error = %v, expected ErrOpen", err)
	}
}

func TestExtractSample(t *testing.T) {
	b := requireTools(t)
	archive := filepath.Join(t.TempDir(), "sample.tar.gz")
	if err := fixtures.TarGz(archive, fixtures.Sample()); err != nil {
		t.Fatal(err)
	}
	dest := t.TempDir()

	var last ports.Progress
	if err := b.Extract(context.Background(), archive, dest, func(p ports.Progress) { last = p }); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if last.Fraction != 1 {
		t.Errorf("last fraction = %v, expected 1", last.Fraction)
	}
	info, err := os.Stat(filepath.Join(dest, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("sub/b.txt missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("sub/b.txt mode = %v, expected 0600", info.Mode().Perm())
	}
}

func TestExtractRejectsPathEscape(t *testing.T) {
	b := requireTools(t)
	archive := filepath.Join(t.TempDir(), "evil.tar")
	if err := fixtures.Tar(archive, []fixtures.File{{Name: "../../etc/passwd", Body: "x"}}); err != nil {
		t.Fatal(err)
	}
	err := b.Extract(context.Background(), archive, t.TempDir(), nil)
	if !errors.Is(err, ports.ErrPathSafety) {
		t.Errorf("Extract error = %v, expected ErrPathSafety", err)
	}
}
