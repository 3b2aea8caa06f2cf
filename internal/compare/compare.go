// Package compare reports the differences between two archive listings.
package compare

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mcdonaldj/epack/internal/ports"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"
)

// Change is one entry that differs between two listings.
type Change struct {
	Path   string
	Status rune // 'M' modified, 'A' added, 'D' deleted
	Size1  int64
	Size2  int64
}

// Result contains the comparison between two archives.
type Result struct {
	Left     string
	Right    string
	Changes  []Change
	Added    int
	Modified int
	Deleted  int

	// Set by Archives.
	LeftListing  ports.Listing
	RightListing ports.Listing
}

// Identical reports whether the listings matched.
func (r *Result) Identical() bool {
	return len(r.Changes) == 0
}

// Archives lists both archives concurrently and compares them. Each side lists with
// its own backend from newBackend.
func Archives(ctx context.Context, newBackend func() (ports.Backend, error), left, right string) (*Result, error) {
	var l, r ports.Listing
	g, ctx := errgroup.WithContext(ctx)
	list := func(archive string, out *ports.Listing) func() error {
		return func() error {
			backend, err := newBackend()
			if err != nil {
				return err
			}
			if *out, err = backend.List(ctx, archive); err != nil {
				return fmt.Errorf("reading %s: %w", archive, err)
			}
			return nil
		}
	}
	g.Go(list(left, &l))
	g.Go(list(right, &r))
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := Listings(l, r)
	result.Left, result.Right = left, right
	result.LeftListing, result.RightListing = l, r
	return result, nil
}

// Listings compares two listings entry by entry. An entry is modified when its size,
// permissions or type changed.
func Listings(left, right ports.Listing) *Result {
	files1 := index(left)
	files2 := index(right)

	allPaths := make(map[string]bool)
	for path := range files1 {
		allPaths[path] = true
	}
	for path := range files2 {
		allPaths[path] = true
	}

	result := &Result{}
	for path := range allPaths {
		e1, in1 := files1[path]
		e2, in2 := files2[path]

		change := Change{Path: path, Size1: e1.Size, Size2: e2.Size}
		switch {
		case in1 && !in2:
			change.Status = 'D'
			result.Deleted++
		case !in1 && in2:
			change.Status = 'A'
			result.Added++
		case e1.Size != e2.Size || e1.Mode != e2.Mode || e1.IsDir != e2.IsDir:
			change.Status = 'M'
			result.Modified++
		default:
			continue
		}
		result.Changes = append(result.Changes, change)
	}

	// Sort changes: M, A, D then by path
	order := map[rune]int{'M': 0, 'A': 1, 'D': 2}
	sort.Slice(result.Changes, func(i, j int) bool {
		if result.Changes[i].Status != result.Changes[j].Status {
			return order[result.Changes[i].Status] < order[result.Changes[j].Status]
		}
		return result.Changes[i].Path < result.Changes[j].Path
	})
	return result
}

// index keys entries by name, so "sub" and "sub/" are the same path.
func index(l ports.Listing) map[string]ports.Entry {
	m := make(map[string]ports.Entry, len(l.Entries))
	for _, e := range l.Entries {
		m[e.Name()] = e
	}
	return m
}

// Line is a single line of a listing diff.
type Line struct {
	Type    rune // '+' added, '-' deleted, ' ' unchanged
	Content string
}

// Lines renders both listings one entry per line and diffs them line by line.
func Lines(left, right ports.Listing) []Line {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(render(left), render(right))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var lines []Line
	for _, d := range diffs {
		kind := ' '
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = '+'
		case diffmatchpatch.DiffDelete:
			kind = '-'
		}
		for _, text := range strings.SplitAfter(d.Text, "\n") {
			if text == "" {
				continue
			}
			lines = append(lines, Line{Type: kind, Content: strings.TrimSuffix(text, "\n")})
		}
	}
	return lines
}

func render(l ports.Listing) string {
	var sb strings.Builder
	for _, e := range l.Entries {
		fmt.Fprintf(&sb, "%s %10d %s\n", e.Mode.Perm(), e.Size, e.Path)
	}
	return sb.String()
}
