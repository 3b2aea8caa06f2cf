// Package fixtures builds small archives on disk for tests.
package fixtures

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"
)

// File is one archive member.
type File struct {
	Name    string
	Body    string
	Mode    fs.FileMode // permission bits; 0 means 0644 (0755 for directories)
	ModTime time.Time   // zero means Epoch
	Dir     bool
	Link    string // symlink target; makes the member a symlink
}

// Epoch is the default modification time of fixture members.
var Epoch = time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)

// Sample is a.txt (0644) and sub/b.txt (0600), with no entry for sub/ itself.
func Sample() []File {
	return []File{
		{Name: "a.txt", Body: "hello\n", Mode: 0o644},
		{Name: "sub/b.txt", Body: "world, with a longer body\n", Mode: 0o600},
	}
}

func (f File) mode() fs.FileMode {
	switch {
	case f.Mode != 0:
		return f.Mode
	case f.Dir:
		return 0o755
	}
	return 0o644
}

func (f File) modTime() time.Time {
	if f.ModTime.IsZero() {
		return Epoch
	}
	return f.ModTime
}

// Tar writes an uncompressed tarball.
func Tar(path string, files []File) error {
	return writeFile(path, func(w io.Writer) error { return writeTar(w, files) })
}

// TarGz writes a gzip-compressed tarball.
func TarGz(path string, files []File) error {
	return writeFile(path, func(w io.Writer) error {
		gz := gzip.NewWriter(w)
		if err := writeTar(gz, files); err != nil {
			return err
		}
		return gz.Close()
	})
}

// TarLz4 writes an lz4-compressed tarball.
func TarLz4(path string, files []File) error {
	return writeFile(path, func(w io.Writer) error {
		zw := lz4.NewWriter(w)
		if err := writeTar(zw, files); err != nil {
			return err
		}
		return zw.Close()
	})
}

// Zip writes a deflate-compressed zip archive.
func Zip(path string, files []File) error {
	return writeFile(path, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		for _, f := range files {
			hdr := &zip.FileHeader{
				Name:     f.Name,
				Method:   zip.Deflate,
				Modified: f.modTime(),
			}
			body := f.Body
			switch {
			case f.Link != "":
				hdr.SetMode(fs.ModeSymlink | 0o777)
				body = f.Link
			case f.Dir:
				hdr.Name = strings.TrimSuffix(f.Name, "/") + "/"
				hdr.Method = zip.Store
				hdr.SetMode(fs.ModeDir | f.mode())
			default:
				hdr.SetMode(f.mode())
			}
			fw, err := zw.CreateHeader(hdr)
			if err != nil {
				return fmt.Errorf("adding %s: %w", f.Name, err)
			}
			if !f.Dir {
				if _, err := io.WriteString(fw, body); err != nil {
					return fmt.Errorf("writing %s: %w", f.Name, err)
				}
			}
		}
		return zw.Close()
	})
}

func writeTar(w io.Writer, files []File) error {
	tw := tar.NewWriter(w)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.Name,
			Mode:    int64(f.mode()),
			ModTime: f.modTime(),
			Format:  tar.FormatPAX,
		}
		switch {
		case f.Link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.Link
		case f.Dir:
			hdr.Typeflag = tar.TypeDir
			hdr.Name = strings.TrimSuffix(f.Name, "/") + "/"
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("adding %s: %w", f.Name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.WriteString(tw, f.Body); err != nil {
				return fmt.Errorf("writing %s: %w", f.Name, err)
			}
		}
	}
	return tw.Close()
}

func writeFile(path string, fill func(io.Writer) error) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fill(out); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
