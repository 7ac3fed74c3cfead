// Package procinfo resolves the process behind an fanotify event from /proc.
package procinfo

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jingkaihe/fangate/internal/errx"
)

const DefaultRoot = "/proc"

// Info describes a process at lookup time. Exe and Cmdline are empty when the
// caller lacks permission to read them.
type Info struct {
	Pid     int32    `json:"pid"`
	PPid    int32    `json:"ppid"`
	Comm    string   `json:"comm"`
	Exe     string   `json:"exe,omitempty"`
	Cmdline []string `json:"cmdline,omitempty"`
	UID     int      `json:"uid"`
	EUID    int      `json:"euid"`
}

// Reader reads process details below a procfs root.
type Reader struct {
	root string
}

func NewReader(root string) *Reader {
	if root == "" {
		root = DefaultRoot
	}
	return &Reader{root: root}
}

// Lookup reads the status, exe link and cmdline of pid.
func (r *Reader) Lookup(pid int32) (*Info, error) {
	dir := filepath.Join(r.root, strconv.Itoa(int(pid)))
	status, err := os.ReadFile(filepath.Join(dir, "status"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errx.With(ErrProcessGone, ": pid %d", pid)
		}
		return nil, errx.Wrap(ErrReadStatus, err)
	}

	info := &Info{Pid: pid, PPid: -1}
	if err := parseStatus(status, info); err != nil {
		return nil, err
	}
	if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		info.Exe = strings.TrimSuffix(exe, " (deleted)")
	}
	if raw, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		raw = bytes.TrimRight(raw, "\x00")
		if len(raw) > 0 {
			info.Cmdline = strings.Split(string(raw), "\x00")
		}
	}
	return info, nil
}

func parseStatus(data []byte, info *Info) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Name":
			info.Comm = value
		case "PPid":
			ppid, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return errx.Wrap(ErrParseStatus, err)
			}
			info.PPid = int32(ppid)
		case "Uid":
			ids := strings.Fields(value)
			if len(ids) < 2 {
				return errx.With(ErrParseStatus, ": uid line %q", value)
			}
			var err error
			if info.UID, err = strconv.Atoi(ids[0]); err != nil {
				return errx.Wrap(ErrParseStatus, err)
			}
			if info.EUID, err = strconv.Atoi(ids[1]); err != nil {
				return errx.Wrap(ErrParseStatus, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errx.Wrap(ErrParseStatus, err)
	}
	return nil
}
