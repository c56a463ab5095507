// Package fs implements early filesystem bring-up: mounting the pseudo
// filesystems, fsck pass ordering over fstab, remounting the root,
// mount-all, swap activation and the tmpfs finalize set. Unrecoverable
// errors here end in sulogin with a reboot on exit.
package fs

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Entry is one fstab line.
type Entry struct {
	Spec    string // device, UUID=, LABEL=
	File    string // mount point
	VFSType string
	Opts    string
	Freq    int
	Passno  int
}

// HasOpt returns true when the mount options contain the exact option.
func (e Entry) HasOpt(name string) bool {
	for _, opt := range strings.Split(e.Opts, ",") {
		if opt == name {
			return true
		}
	}
	return false
}

// ParseFstab reads fstab entries from r. Comment and blank lines are
// skipped; short lines default freq and passno to zero.
func ParseFstab(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		e := Entry{
			Spec:    unescapeFstab(fields[0]),
			File:    unescapeFstab(fields[1]),
			VFSType: fields[2],
			Opts:    fields[3],
		}
		if len(fields) > 4 {
			e.Freq, _ = strconv.Atoi(fields[4])
		}
		if len(fields) > 5 {
			e.Passno, _ = strconv.Atoi(fields[5])
		}

		entries = append(entries, e)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading fstab")
	}
	return entries, nil
}

// LoadFstab parses the fstab at path.
func LoadFstab(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseFstab(f)
}

// unescapeFstab decodes the octal escapes fstab uses for whitespace in
// paths (\040 and friends).
func unescapeFstab(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
