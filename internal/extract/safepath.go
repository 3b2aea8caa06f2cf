package extract

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mcdonaldj/epack/internal/ports"
)

// SafeJoin resolves an archive member name against destDir.
//
// Leading separators are stripped so absolute names land under destDir. Any name that
// still resolves outside destDir after cleaning is rejected with ports.ErrPathSafety.
func SafeJoin(destDir, name string) (string, error) {
	base := filepath.Clean(destDir)
	rel := strings.TrimLeft(filepath.FromSlash(NormalizeName(name)), string(filepath.Separator))
	if vol := filepath.VolumeName(rel); vol != "" {
		return "", fmt.Errorf("%w: %s", ports.ErrPathSafety, name)
	}

	target := filepath.Join(base, rel)
	if !isWithinDir(base, target) {
		return "", fmt.Errorf("%w: %s", ports.ErrPathSafety, name)
	}
	return target, nil
}

// CheckNames validates every name up front, so a hostile archive can be rejected
// before anything is written.
func CheckNames(destDir string, names []string) error {
	for _, name := range names {
		if _, err := SafeJoin(destDir, name); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeName converts a raw member name to listing form: slash separated,
// without a leading "./". Directory names keep their trailing slash.
func NormalizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	for strings.HasPrefix(name, "./") {
		name = name[2:]
	}
	return name
}

// DirName returns name in directory form, with exactly one trailing slash.
func DirName(name string) string {
	return strings.TrimRight(NormalizeName(name), "/") + "/"
}

func isWithinDir(base, target string) bool {
	if target == base {
		return true
	}
	prefix := base
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}
