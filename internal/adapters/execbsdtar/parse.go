package execbsdtar

import (
	"io/fs"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mcdonaldj/epack/internal/extract"
	"github.com/mcdonaldj/epack/internal/ports"
)

// listLine matches one line of "bsdtar -tv" output, which mirrors "ls -l":
//
//	-rw-r--r--  0 user   group       6 Jan  2  2023 a.txt
//	drwxr-xr-x  0 user   group       0 Jan  2 03:04 sub/
//
// Month names outside the C locale still match; their time is left zero.
var listLine = regexp.MustCompile(`^([-dlbcphs])([-rwxsStT]{9})\S*\s+\d+\s+\S+\s+\S+\s+(\d+)\s+(\S+)\s+(\d{1,2})\s+(\d{1,2}:\d{2}|\d{4})\s(.+)$`)

// now is replaced in tests.
var now = time.Now

// parseListLine converts a listing line to an entry. Links, devices and lines that
// do not parse are reported as not ok.
func parseListLine(line string) (ports.Entry, bool) {
	m := listLine.FindStringSubmatch(line)
	if m == nil {
		return ports.Entry{}, false
	}
	kind, perms, sizeStr, month, day, clock, name := m[1], m[2], m[3], m[4], m[5], m[6], m[7]
	name = strings.TrimLeft(name, " ")
	if kind != "-" && kind != "d" {
		return ports.Entry{}, false
	}
	// hard links are listed as "name link to target"
	if kind == "-" && strings.Contains(name, " link to ") {
		return ports.Entry{}, false
	}

	name = extract.NormalizeName(name)
	if strings.Trim(name, "/") == "" {
		return ports.Entry{}, false
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return ports.Entry{}, false
	}

	entry := ports.Entry{
		Path:    name,
		Size:    size,
		Mode:    parsePerms(perms),
		ModTime: parseTime(month, day, clock),
	}
	if kind == "d" {
		entry.Path = extract.DirName(name)
		entry.IsDir = true
		entry.Size = 0
	}
	return entry, true
}

// parsePerms converts "rwxr-x---" style permissions to mode bits.
func parsePerms(s string) fs.FileMode {
	var mode fs.FileMode
	for i, c := range s {
		if c != '-' && c != 'S' && c != 'T' {
			mode |= 1 << uint(8-i)
		}
	}
	return mode
}

// parseTime interprets the "Jan  2  2023" or "Jan  2 03:04" forms in local time. The
// clock form omits the year and means the most recent such date not in the future.
func parseTime(month, day, clock string) time.Time {
	if strings.Contains(clock, ":") {
		ref := now()
		t, err := time.ParseInLocation("Jan 2 2006 15:04", month+" "+day+" "+strconv.Itoa(ref.Year())+" "+clock, time.Local)
		if err != nil {
			return time.Time{}
		}
		if t.After(ref.AddDate(0, 0, 1)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t
	}
	t, err := time.ParseInLocation("Jan 2 2006", month+" "+day+" "+clock, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
