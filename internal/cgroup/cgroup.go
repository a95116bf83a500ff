// Package cgroup is a thin abstraction over cgroup v2 directory
// operations: create, add-process, freeze/unfreeze, kill-all-wait,
// delete, and file-descriptor export for placing a newly cloned process
// directly into a group. Temporal isolation rests entirely on
// freeze/unfreeze being serialized by a single caller; this package does
// no locking of its own, matching the single-threaded dispatcher model
// of the scheduler's freeze/unfreeze cycle.
package cgroup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	procsFile   = "cgroup.procs"
	threadsFile = "cgroup.threads"
	freezeFile  = "cgroup.freeze"
	killFile    = "cgroup.kill"
	eventsFile  = "cgroup.events"
)

// CGroup is a handle onto one cgroup v2 directory.
type CGroup struct {
	path string
}

// FromPath wraps an already-existing cgroup directory.
func FromPath(path string) CGroup { return CGroup{path: path} }

// MountPoint discovers the cgroup2 filesystem root by scanning
// /proc/self/mountinfo for the cgroup2 entry.
func MountPoint() (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("cgroup: open mountinfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// mountinfo fields are separated by " - " into a fixed prefix and
		// a filesystem-specific suffix; the suffix's first field is the
		// filesystem type.
		line := scanner.Text()
		parts := strings.SplitN(line, " - ", 2)
		if len(parts) != 2 {
			continue
		}
		prefix := strings.Fields(parts[0])
		suffix := strings.Fields(parts[1])
		if len(prefix) < 5 || len(suffix) < 1 {
			continue
		}
		if suffix[0] == "cgroup2" {
			return prefix[4], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("cgroup: scan mountinfo: %w", err)
	}
	return "", fmt.Errorf("cgroup: no cgroup2 mount found")
}

// New creates (if absent) the subdirectory root/name and returns a handle
// onto it.
func New(root, name string) (CGroup, error) {
	path := filepath.Join(root, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.Mkdir(path, 0o755); err != nil {
			return CGroup{}, fmt.Errorf("cgroup: mkdir %q: %w", path, err)
		}
	}
	return CGroup{path: path}, nil
}

// Path returns the directory this handle refers to.
func (c CGroup) Path() string { return c.path }

// AddProcess places pid into this cgroup by writing to cgroup.procs.
func (c CGroup) AddProcess(pid int) error {
	return os.WriteFile(filepath.Join(c.path, procsFile), []byte(strconv.Itoa(pid)), 0o644)
}

// AddThread places the calling thread's tid into this cgroup via
// cgroup.threads, giving one process's distinct locked OS threads
// independent cgroup membership. The target must already be a threaded
// cgroup (a descendant of one whose cgroup.type is "threaded" or
// "domain threaded").
func (c CGroup) AddThread(tid int) error {
	return os.WriteFile(filepath.Join(c.path, threadsFile), []byte(strconv.Itoa(tid)), 0o644)
}

// Freeze suspends every task in this cgroup without altering their state.
func (c CGroup) Freeze() error {
	return os.WriteFile(filepath.Join(c.path, freezeFile), []byte("1"), 0o644)
}

// Unfreeze resumes every task in this cgroup.
func (c CGroup) Unfreeze() error {
	return os.WriteFile(filepath.Join(c.path, freezeFile), []byte("0"), 0o644)
}

// IsFrozen reports whether cgroup.events currently reports "frozen 1",
// used by the periodic poller to detect a partition's self-freeze.
func (c CGroup) IsFrozen() (bool, error) {
	data, err := os.ReadFile(filepath.Join(c.path, eventsFile))
	if err != nil {
		return false, fmt.Errorf("cgroup: read events: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "frozen" {
			return fields[1] == "1", nil
		}
	}
	return false, nil
}

// KillAllWait writes 1 to cgroup.kill to terminate every task in this
// cgroup, then blocks, polling cgroup.procs, until it is empty.
func (c CGroup) KillAllWait() error {
	if err := os.WriteFile(filepath.Join(c.path, killFile), []byte("1"), 0o644); err != nil {
		return fmt.Errorf("cgroup: write cgroup.kill: %w", err)
	}
	procsPath := filepath.Join(c.path, procsFile)
	for {
		data, err := os.ReadFile(procsPath)
		if err != nil {
			return fmt.Errorf("cgroup: read cgroup.procs: %w", err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

// Delete kills every remaining task, then removes this directory and any
// descendants bottom-up (deepest first) via a depth-reverse-sorted walk.
func (c CGroup) Delete() error {
	if err := c.KillAllWait(); err != nil {
		return err
	}

	var dirs []string
	err := filepath.WalkDir(c.path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cgroup: walk %q: %w", c.path, err)
	}

	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, d := range dirs {
		if err := os.Remove(d); err != nil {
			return fmt.Errorf("cgroup: rmdir %q: %w", d, err)
		}
	}
	return nil
}

// FD opens the cgroup directory for use as syscall.SysProcAttr.CgroupFD, so a
// newly cloned process can be placed directly into this group at clone
// time (CLONE_INTO_CGROUP).
func (c CGroup) FD() (*os.File, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("cgroup: open %q: %w", c.path, err)
	}
	return f, nil
}
