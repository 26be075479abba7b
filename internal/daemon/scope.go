package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// DefaultCgroupRoot is the parent of the per-namespace cgroups.
const DefaultCgroupRoot = "/sys/fs/cgroup/grs"

// Scope is the set of processes belonging to one build.
type Scope interface {
	// Members lists the pids currently in the scope.
	Members() ([]int, error)
}

// CgroupScope tracks a build through a dedicated cgroup. Every child
// inherits it, so daemonised grandchildren cannot escape.
type CgroupScope struct {
	Path string
}

// JoinCgroup creates the cgroup of a namespace and moves pid into it.
func JoinCgroup(root, name string, pid int) (*CgroupScope, error) {
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}
	scope := &CgroupScope{Path: path}
	procs := filepath.Join(path, "cgroup.procs")
	if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("join cgroup: %w", err)
	}
	return scope, nil
}

func (s *CgroupScope) Members() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(s.Path, "cgroup.procs"))
	if err != nil {
		return nil, fmt.Errorf("read cgroup members: %w", err)
	}
	var pids []int
	for _, field := range strings.Fields(string(data)) {
		if pid, err := strconv.Atoi(field); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// GroupScope tracks a build through its process group. It is the fallback
// when cgroups are unavailable.
type GroupScope struct {
	PGID    int
	ProcDir string
}

// CurrentGroup returns the process group of the calling process.
func CurrentGroup() (*GroupScope, error) {
	pgid, err := unix.Getpgid(0)
	if err != nil {
		return nil, fmt.Errorf("get process group: %w", err)
	}
	return &GroupScope{PGID: pgid, ProcDir: procfs.DefaultMountPoint}, nil
}

// Members scans the process table for live members of the group. Zombies
// are skipped; they are reaped by their parents.
func (s *GroupScope) Members() ([]int, error) {
	procDir := s.ProcDir
	if procDir == "" {
		procDir = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procDir)
	if err != nil {
		return nil, fmt.Errorf("open process table: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("scan process table: %w", err)
	}
	var pids []int
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			// The process exited while scanning.
			continue
		}
		if stat.State == "Z" || stat.PGRP != s.PGID {
			continue
		}
		pids = append(pids, proc.PID)
	}
	sort.Ints(pids)
	return pids, nil
}
